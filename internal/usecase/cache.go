package usecase

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultCachePrefix namespaces verification keys in a shared Redis.
const DefaultCachePrefix = "attendance:"

// Cache holds short-lived verification state keyed by request. Get reports a
// miss as redis.Nil.
type Cache interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache stores entries under a fixed key prefix.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache wraps client. An empty prefix means DefaultCachePrefix.
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = DefaultCachePrefix
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, c.prefix+key).Result()
}

// Ping reports whether Redis answers.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
