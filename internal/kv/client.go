// Package kv wraps go-redis with the primitives Conductor's engine needs
// on top of a shared store: atomic counters, SETNX locks/cooldowns, TTL
// dedup keys, a sliding-window rate limiter, and pub/sub. The task queue
// transport in internal/queue is built on the same client, constructed
// from a single REDIS_URL so every component shares one connection pool.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ivyrail/conductor/internal/config"
)

// Client wraps *redis.Client with Conductor-specific helpers.
type Client struct {
	rdb *redis.Client
}

// New builds a Client from cfg.RedisURL.
func New(cfg *config.Config) (*Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	opt.PoolSize = cfg.RedisMaxConns
	rdb := redis.NewClient(opt)
	return &Client{rdb: rdb}, nil
}

// NewFromRaw wraps an already-constructed *redis.Client, used by tests
// that point at a miniredis instance instead of a real REDIS_URL.
func NewFromRaw(rdb *redis.Client) *Client { return &Client{rdb: rdb} }

// Raw exposes the underlying *redis.Client for components that need
// primitives this wrapper doesn't cover (e.g. queue transport).
func (c *Client) Raw() *redis.Client { return c.rdb }

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error { return c.rdb.Close() }

// Incr atomically increments key and returns the new value. If this is
// the first increment it also sets ttl.
func (c *Client) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	v, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if v == 1 {
		if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return v, nil
}

// SetNX acquires a named lock/cooldown, returning true if acquired.
func (c *Client) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Release deletes a key acquired via SetNX (explicit unlock).
func (c *Client) Release(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// SeenOnce records key with ttl and reports whether it had already been
// seen. Used for update_id dedup and idempotency keys.
func (c *Client) SeenOnce(ctx context.Context, key string, ttl time.Duration) (alreadySeen bool, err error) {
	ok, err := c.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("seen-once %s: %w", key, err)
	}
	return !ok, nil
}

// Get/Set/Del expose plain string storage for small cached values.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (c *Client) Del(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// Publish/Subscribe wrap go-redis pub/sub for fan-out between the
// ingress and worker processes.
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	return c.rdb.Publish(ctx, channel, payload).Err()
}

func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channel)
}

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = fmt.Errorf("kv: key not found")
