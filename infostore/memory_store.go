package infostore

import (
	"context"
	"time"

	"github.com/cyberinferno/rtstream/fiff"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// MemoryStore is an in-process Store backed by go-cache.
type MemoryStore struct {
	cache *cache.Cache
	group singleflight.Group
}

// NewMemoryStore creates a store whose entries expire after ttl. A ttl of 0
// keeps entries until they are replaced or forgotten.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	expiration, cleanup := cache.NoExpiration, time.Duration(0)
	if ttl > 0 {
		expiration, cleanup = ttl, 2*ttl
	}

	return &MemoryStore{cache: cache.New(expiration, cleanup)}
}

func (s *MemoryStore) Publish(ctx context.Context, key string, info *fiff.ChannelInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.cache.SetDefault(key, info)
	return nil
}

func (s *MemoryStore) Lookup(ctx context.Context, key string) (*fiff.ChannelInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if info, ok := s.get(key); ok {
		return info, nil
	}

	return nil, ErrNotFound
}

func (s *MemoryStore) LookupOrFetch(ctx context.Context, key string, fetch FetchFunc) (*fiff.ChannelInfo, error) {
	if info, ok := s.get(key); ok {
		return info, nil
	}

	val, err, _ := s.group.Do(key, func() (any, error) {
		// Another caller may have published while we waited for the group.
		if info, ok := s.get(key); ok {
			return info, nil
		}

		info, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		s.cache.SetDefault(key, info)
		return info, nil
	})
	if err != nil {
		return nil, err
	}

	return val.(*fiff.ChannelInfo), nil
}

func (s *MemoryStore) Forget(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.cache.Delete(key)
	return nil
}

// Len returns the number of stored entries, including expired ones not yet
// cleaned up.
func (s *MemoryStore) Len() int {
	return s.cache.ItemCount()
}

func (s *MemoryStore) get(key string) (*fiff.ChannelInfo, bool) {
	val, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}

	info, ok := val.(*fiff.ChannelInfo)
	return info, ok
}
