// Package cache provides the Redis-backed distributed state the Agent
// Registry needs for cluster-wide coordination: the login lease
// (linearizable register) and its renewal.
// Generalized from internal/cache package, trimmed to the
// operations this core actually calls.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a redis.Client with a disabled mode so the core still runs
// (single-node, best-effort linearizability) when Redis is unreachable at
// startup — the same graceful-degradation posture cache
// package uses for its optional caching layer.
type Cache struct {
	client *redis.Client
}

// Config holds connection parameters.
type Config struct {
	Addr     string
	Password string
	DB       int
	Enabled  bool
}

// New creates a Cache, pinging Redis once to fail fast on misconfiguration.
func New(cfg Config) (*Cache, error) {
	if !cfg.Enabled {
		return &Cache{client: nil}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:        25,
		MinIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Enabled reports whether a live Redis connection backs this cache.
func (c *Cache) Enabled() bool { return c.client != nil }

// Get retrieves and JSON-decodes a value. Returns redis.Nil (wrapped) if
// absent.
func (c *Cache) Get(ctx context.Context, key string, target any) error {
	if !c.Enabled() {
		return fmt.Errorf("cache disabled")
	}
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), target)
}

// Set JSON-encodes and stores a value with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// Delete removes one or more keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// DeletePattern deletes every key matching a glob pattern.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) error {
	if !c.Enabled() {
		return nil
	}
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return c.client.Del(ctx, keys...).Err()
	}
	return nil
}

// Exists reports whether a key is present.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	count, err := c.client.Exists(ctx, key).Result()
	return count > 0, err
}

// SetNX atomically claims a key if absent — the primitive the Agent
// Registry uses for linearizable login registration .
func (c *Cache) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if !c.Enabled() {
		return true, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("marshal value: %w", err)
	}
	return c.client.SetNX(ctx, key, data, ttl).Result()
}

// Expire refreshes a key's TTL, used to renew a registry lease.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Expire(ctx, key, ttl).Err()
}
