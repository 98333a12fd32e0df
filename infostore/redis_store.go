package infostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cyberinferno/rtstream/fiff"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRedisPrefix = "rtstream:info:"
	fetchLockTTL       = 30 * time.Second
	fetchWaitTimeout   = 30 * time.Second
)

// releaseLock deletes the fetch lock only if this process still owns it.
var releaseLock = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisStore shares channel info between processes through redis. Values are
// stored as JSON under Prefix+key.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	group  singleflight.Group
}

// NewRedisStore creates a store on client. A ttl of 0 stores entries without
// expiry.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := infostore.NewRedisStore(client, time.Hour)
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: defaultRedisPrefix, ttl: ttl}
}

// WithPrefix changes the key prefix; used to isolate deployments sharing a
// redis database.
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	return s
}

func (s *RedisStore) Publish(ctx context.Context, key string, info *fiff.ChannelInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal channel info: %w", err)
	}

	if err := s.client.Set(ctx, s.prefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to publish channel info: %w", err)
	}

	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, key string) (*fiff.ChannelInfo, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get error: %w", err)
	}

	var info fiff.ChannelInfo
	if err := json.Unmarshal(val, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal channel info: %w", err)
	}

	return &info, nil
}

// LookupOrFetch collapses concurrent misses within the process with
// singleflight and across processes with a short-lived redis lock. A process
// that loses the lock waits for the winner to publish.
func (s *RedisStore) LookupOrFetch(ctx context.Context, key string, fetch FetchFunc) (*fiff.ChannelInfo, error) {
	info, err := s.Lookup(ctx, key)
	if !errors.Is(err, ErrNotFound) {
		return info, err
	}

	val, err, _ := s.group.Do(key, func() (any, error) {
		return s.fetchLocked(ctx, key, fetch)
	})
	if err != nil {
		return nil, err
	}

	return val.(*fiff.ChannelInfo), nil
}

func (s *RedisStore) Forget(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to forget channel info: %w", err)
	}

	return nil
}

func (s *RedisStore) fetchLocked(ctx context.Context, key string, fetch FetchFunc) (*fiff.ChannelInfo, error) {
	lockKey := s.prefix + key + ":lock"
	owner := lockOwner()

	acquired, err := s.client.SetNX(ctx, lockKey, owner, fetchLockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire fetch lock: %w", err)
	}

	if !acquired {
		return s.waitForPublish(ctx, key, lockKey)
	}

	defer releaseLock.Run(context.Background(), s.client, []string{lockKey}, owner)

	info, err := fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch channel info: %w", err)
	}

	if err := s.Publish(ctx, key, info); err != nil {
		return nil, err
	}

	return info, nil
}

// lockOwner returns a token unique across processes, so a lock is only ever
// released by the store that took it.
func lockOwner() string {
	return uuid.NewString()
}

// waitForPublish polls with exponential backoff until the lock owner has
// published, the lock disappears, or the wait times out.
func (s *RedisStore) waitForPublish(ctx context.Context, key, lockKey string) (*fiff.ChannelInfo, error) {
	backoff := 10 * time.Millisecond
	deadline := time.Now().Add(fetchWaitTimeout)

	for time.Now().Before(deadline) {
		info, err := s.Lookup(ctx, key)
		if !errors.Is(err, ErrNotFound) {
			return info, err
		}

		exists, err := s.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check fetch lock: %w", err)
		}
		if exists == 0 {
			// The owner gave up; one last look in case it published just before.
			return s.Lookup(ctx, key)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, 500*time.Millisecond)
	}

	return nil, fmt.Errorf("timeout waiting for channel info %q", key)
}
