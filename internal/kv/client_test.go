package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return &Client{rdb: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
}

func TestSetNXAcquiresOnce(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "lock:bot:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "lock:bot:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire of the same lock must fail")
}

func TestSeenOnceDedup(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	seen, err := c.SeenOnce(ctx, "update:42", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = c.SeenOnce(ctx, "update:42", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, seen, "replaying the same update_id must be reported as already seen")
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncrSetsTTLOnFirstIncrement(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	v, err := c.Incr(ctx, "counter:a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	ttl, err := c.rdb.TTL(ctx, "counter:a").Result()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	v, err = c.Incr(ctx, "counter:a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}
