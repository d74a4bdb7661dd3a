// Package ratelimit provides the redis-backed rolling-window limiter that
// paces per-workspace provider calls, and the advisory locks the submitter
// uses to serialize work across replicas.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mentionlab/mentionlab/pkg/config"
)

// Info describes the limiter state for one key at check time.
type Info struct {
	// Limited reports whether an acquire right now would exceed the rule.
	Limited bool
	// Remaining is how many acquires the current window still allows.
	Remaining int
	// MsUntilAllowed is how long until the oldest window entry expires and
	// a slot frees up. Zero when not limited.
	MsUntilAllowed int64
}

// Limiter is a rolling-window rate limiter over redis sorted sets. Entries
// are scored by acquire time in ms; a check trims the window, counts what
// is left and compares against the per-provider rule. Check and record are
// separate round trips, so concurrent replicas can overshoot by a few
// calls; the providers tolerate that and answer 429 when it matters.
type Limiter struct {
	redis *redis.Client
	rules map[string]*config.RateLimitRule
}

// NewLimiter creates a limiter with per-provider rules. Providers without
// a rule are never limited.
func NewLimiter(rdb *redis.Client, rules map[string]*config.RateLimitRule) *Limiter {
	if rdb == nil {
		panic("ratelimit.NewLimiter: rdb must not be nil")
	}
	return &Limiter{redis: rdb, rules: rules}
}

// Key builds the canonical limiter key for a provider call scope.
func Key(provider, scope string) string {
	return "rl:" + provider + ":" + scope
}

// rule returns the rule for a provider, nil when unlimited.
func (l *Limiter) rule(provider string) *config.RateLimitRule {
	rule, ok := l.rules[provider]
	if !ok || rule == nil || rule.Limit <= 0 {
		return nil
	}
	return rule
}

// WouldLimitWithInfo trims the rolling window for the key and reports
// whether an acquire right now would exceed the provider's rule.
func (l *Limiter) WouldLimitWithInfo(ctx context.Context, provider, scope string) (Info, error) {
	rule := l.rule(provider)
	if rule == nil {
		return Info{Remaining: -1}, nil
	}

	key := Key(provider, scope)
	now := time.Now()
	windowStart := now.Add(-rule.Window).UnixMilli()

	pipe := l.redis.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Info{}, fmt.Errorf("failed to check rate limit %s: %w", key, err)
	}

	count := int(countCmd.Val())
	if count < rule.Limit {
		return Info{Remaining: rule.Limit - count}, nil
	}

	// Full window: the next slot opens when the oldest entry ages out.
	ms := rule.Window.Milliseconds()
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		ms = int64(oldest[0].Score) + rule.Window.Milliseconds() - now.UnixMilli()
		if ms < 0 {
			ms = 0
		}
	}
	return Info{Limited: true, MsUntilAllowed: ms}, nil
}

// Limit records one acquire in the rolling window.
func (l *Limiter) Limit(ctx context.Context, provider, scope string) error {
	rule := l.rule(provider)
	if rule == nil {
		return nil
	}

	key := Key(provider, scope)
	now := time.Now()

	pipe := l.redis.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
	pipe.Expire(ctx, key, rule.Window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record rate limit acquire %s: %w", key, err)
	}
	return nil
}

// Await blocks until the window has room, then records the acquire. onWait
// runs before each sleep so long-running job handlers can refresh their
// lock while they queue.
func (l *Limiter) Await(ctx context.Context, provider, scope string, onWait func()) error {
	for {
		info, err := l.WouldLimitWithInfo(ctx, provider, scope)
		if err != nil {
			return err
		}
		if !info.Limited {
			return l.Limit(ctx, provider, scope)
		}

		if onWait != nil {
			onWait()
		}
		wait := time.Duration(info.MsUntilAllowed) * time.Millisecond
		if wait < 50*time.Millisecond {
			wait = 50 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
