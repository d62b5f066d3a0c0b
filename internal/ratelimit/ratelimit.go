// Package ratelimit provides Redis-backed sliding-window rate limiting.
//
// Counters live in Redis sorted sets so limits hold across instances.
// Constructed with a nil client the limiter runs in noop mode and permits
// everything, which is how dev setups without Redis rate limiting run.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule names one rate limit: at most Limit requests per Window, counted
// under keys prefixed with Prefix.
type Rule struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// FormatHeaders returns the standard X-RateLimit-* response headers.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// Limiter enforces sliding-window rate limits in Redis.
type Limiter struct {
	client *redis.Client
	logger *slog.Logger
}

// New creates a Limiter. A nil client yields a noop limiter that allows
// every request.
func New(client *redis.Client, logger *slog.Logger) *Limiter {
	return &Limiter{client: client, logger: logger}
}

// Allow records one request for key under rule and reports whether it fits
// the window. Redis errors fail open: blocking all traffic on a limiter
// outage is worse than briefly not limiting.
func (l *Limiter) Allow(ctx context.Context, rule Rule, key string) Result {
	now := time.Now()

	if l.client == nil {
		return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: now.Add(rule.Window)}
	}

	redisKey := fmt.Sprintf("reflex:ratelimit:%s:%s", rule.Prefix, key)
	windowStart := now.Add(-rule.Window)
	member := strconv.FormatInt(now.UnixMicro(), 10)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rule.Window)

	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("rate limiter unavailable, failing open", "prefix", rule.Prefix, "error", err)
		return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: now.Add(rule.Window)}
	}

	count := int(countCmd.Val())
	result := Result{
		Limit:   rule.Limit,
		ResetAt: now.Add(rule.Window),
	}
	if count > rule.Limit {
		// Remove the entry we just added so denied requests don't extend
		// the window for everyone else.
		l.client.ZRem(ctx, redisKey, member)
		result.Allowed = false
		result.Remaining = 0
		return result
	}

	result.Allowed = true
	result.Remaining = rule.Limit - count
	return result
}
