// Package ratelimit implements per (bot, user, action) sliding-window
// limits, cooldowns, and named locks on top of internal/kv, backed by
// Redis so limits hold across replicas.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/ivyrail/conductor/internal/config"
	"github.com/ivyrail/conductor/internal/errs"
	"github.com/ivyrail/conductor/internal/kv"
)

type Limiter struct {
	kv  *kv.Client
	cfg *config.Config
}

func New(kvClient *kv.Client, cfg *config.Config) *Limiter {
	return &Limiter{kv: kvClient, cfg: cfg}
}

// Allow enforces the configured rule for action against (botID, userID),
// returning errs.RateLimited when the caller must back off.
func (l *Limiter) Allow(ctx context.Context, botID, userID int64, action string, now time.Time) error {
	rule := l.cfg.RateLimitFor(action)
	key := fmt.Sprintf("rl:%d:%d:%s", botID, userID, action)

	allowed, _, resetAt, err := l.kv.SlidingWindowAllow(ctx, key, rule.Limit, time.Duration(rule.WindowS)*time.Second, now)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if !allowed {
		return errs.RateLimited(fmt.Sprintf("rate limit exceeded for %s", action), time.Until(resetAt).Seconds())
	}
	return nil
}

// Cooldown returns true if a cooldown of ttl was just started for key
// (i.e. the caller may proceed), false if one is already active.
func (l *Limiter) Cooldown(ctx context.Context, key string, ttl time.Duration) (started bool, err error) {
	ok, err := l.kv.SetNX(ctx, "cooldown:"+key, ttl)
	if err != nil {
		return false, fmt.Errorf("cooldown check: %w", err)
	}
	return ok, nil
}

// Lock acquires a named distributed lock with ttl, used for the
// exactly-once payment fan-out.
func (l *Limiter) Lock(ctx context.Context, name string, ttl time.Duration) (acquired bool, err error) {
	ok, err := l.kv.SetNX(ctx, "lock:"+name, ttl)
	if err != nil {
		return false, fmt.Errorf("lock acquire: %w", err)
	}
	return ok, nil
}

func (l *Limiter) Unlock(ctx context.Context, name string) error {
	return l.kv.Release(ctx, "lock:"+name)
}
