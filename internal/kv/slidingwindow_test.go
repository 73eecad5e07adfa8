package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindowAllowsUpToLimit(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		allowed, remaining, _, err := c.SlidingWindowAllow(ctx, "rl:bot:1:user:2:text", 3, time.Minute, now.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
		assert.True(t, allowed, "call %d should be allowed", i)
		assert.Equal(t, 2-i, remaining)
	}

	allowed, remaining, resetAt, err := c.SlidingWindowAllow(ctx, "rl:bot:1:user:2:text", 3, time.Minute, now.Add(4*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, allowed, "4th call within the window must be rejected")
	assert.Equal(t, 0, remaining)
	assert.True(t, resetAt.After(now))
}

func TestSlidingWindowExpiresOldEntries(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 2; i++ {
		allowed, _, _, err := c.SlidingWindowAllow(ctx, "rl:x", 2, time.Minute, now)
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, _, _, err := c.SlidingWindowAllow(ctx, "rl:x", 2, time.Minute, now.Add(90*time.Second))
	require.NoError(t, err)
	assert.True(t, allowed, "entries older than the window must have rolled off")
}
