// Package cache provides a Redis-backed quote cache and distributed
// ingestion lock, adapted from the original Storage/RedisStorage key-prefixed
// hash store (original_source/stock/app/core/cache/{redis,storage}.py).
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "walletcore:"

// Cache wraps a Redis client under a fixed key prefix, mirroring the
// original RedisStorage's key-namespacing behavior.
type Cache struct {
	client *redis.Client
}

// New builds a Cache from connection settings.
func New(addr, password string, db int) *Cache {
	return &Cache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// NewWithClient wraps an already-constructed redis client, for callers (and
// tests) that need to supply their own client, e.g. a redismock.ClientMock.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) key(parts ...string) string {
	k := keyPrefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// Ping checks connectivity to the Redis server.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Client exposes the underlying *redis.Client for callers (e.g. the lock
// implementation) that need direct access.
func (c *Cache) Client() *redis.Client {
	return c.client
}

// Duration helper to keep TTL arithmetic readable at call sites.
func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
