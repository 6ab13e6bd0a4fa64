package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonceCache shares nonce reservations across gateway instances using
// SET NX with expiry.
type RedisNonceCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisNonceCache wraps an existing client. prefix namespaces keys and may
// be empty.
func NewRedisNonceCache(client redis.UniversalClient, prefix string) *RedisNonceCache {
	return &RedisNonceCache{client: client, prefix: prefix}
}

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (c *RedisNonceCache) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve nonce: %w", err)
	}
	return ok, nil
}

// Ping reports whether redis is reachable.
func (c *RedisNonceCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
