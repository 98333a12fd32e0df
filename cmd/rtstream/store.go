package main

import (
	"context"
	"fmt"

	"github.com/cyberinferno/rtstream/config"
	"github.com/cyberinferno/rtstream/infostore"
	"github.com/redis/go-redis/v9"
)

// openInfoStore returns the redis store when store.redis_addr is set and an
// in-memory store otherwise. The returned func releases the store.
func openInfoStore(ctx context.Context, cfg *config.Config) (infostore.Store, func(), error) {
	if cfg.Store.RedisAddr == "" {
		return infostore.NewMemoryStore(cfg.Store.TTL), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.Store.RedisAddr, err)
	}

	return infostore.NewRedisStore(client, cfg.Store.TTL), func() { _ = client.Close() }, nil
}
