package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivyrail/conductor/internal/config"
	"github.com/ivyrail/conductor/internal/errs"
	"github.com/ivyrail/conductor/internal/kv"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := kv.NewFromRaw(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	cfg := &config.Config{RateLimits: map[string]config.RateLimitRule{
		"text": {Limit: 2, WindowS: 60},
	}}
	return New(client, cfg)
}

func TestAllowRejectsOverLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	require.NoError(t, l.Allow(ctx, 1, 2, "text", now))
	require.NoError(t, l.Allow(ctx, 1, 2, "text", now.Add(time.Millisecond)))

	err := l.Allow(ctx, 1, 2, "text", now.Add(2*time.Millisecond))
	assert.Equal(t, errs.KindRateLimited, errs.KindOf(err))
}

func TestLockPreventsDoubleAcquire(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	ok, err := l.Lock(ctx, "payment:42", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Lock(ctx, "payment:42", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Unlock(ctx, "payment:42"))
	ok, err = l.Lock(ctx, "payment:42", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock should be acquirable again after Unlock")
}
