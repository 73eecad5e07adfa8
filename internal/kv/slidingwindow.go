package kv

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SlidingWindowAllow implements a Redis sorted-set sliding window counter:
// each call records now under a unique member, trims entries older than
// the window, and reports whether count stays within limit. Backing the
// counter with Redis instead of an in-process map lets the limit hold
// across replicas instead of per-process.
func (c *Client) SlidingWindowAllow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (allowed bool, remaining int, resetAt time.Time, err error) {
	windowStart := now.Add(-window)
	member := strconv.FormatInt(now.UnixNano(), 10)

	pipe := c.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
	card := pipe.ZCard(ctx, key)
	if _, err = pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, fmt.Errorf("sliding window trim %s: %w", key, err)
	}

	count := int(card.Val())
	if count >= limit {
		oldest, err := c.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
		resetAt = now.Add(window)
		if err == nil && len(oldest) > 0 {
			resetAt = time.Unix(0, int64(oldest[0].Score)).Add(window)
		}
		return false, 0, resetAt, nil
	}

	pipe = c.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, key, window)
	if _, err = pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, fmt.Errorf("sliding window add %s: %w", key, err)
	}

	return true, limit - count - 1, now.Add(window), nil
}
