// Package ratelimit implements ActionRateLimiter, a sliding window per
// (identity, action) using Redis sorted sets when a client is configured,
// falling back to an in-process sorted-slice implementation otherwise.
// Ground: the teacher's EnhancedRedisRateLimiter
// (ui/security/redis_limiter.go) ZADD/ZREMRANGEBYSCORE sliding-window
// idiom, generalised from a single rate-limit key to (identity, action)
// pairs and from "requests per minute" to a configurable window.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Limiter is the rate limiter's public contract.
type Limiter interface {
	Allow(ctx context.Context, identity, action string) (allowed bool, retryAfter time.Duration)
}

// ActionRateLimiter enforces a fixed request count per (identity, action)
// within a sliding window.
type ActionRateLimiter struct {
	window time.Duration
	limit  int

	redis *redis.Client // nil -> in-process fallback

	mu       sync.Mutex
	fallback map[string][]int64 // key -> sorted unix-micro timestamps
}

// New constructs a limiter. If redisClient is nil, an in-process fallback
// is used (suitable for single-instance deployments and tests).
func New(limit int, window time.Duration, redisClient *redis.Client) *ActionRateLimiter {
	return &ActionRateLimiter{
		window:   window,
		limit:    limit,
		redis:    redisClient,
		fallback: make(map[string][]int64),
	}
}

func (r *ActionRateLimiter) key(identity, action string) string {
	return fmt.Sprintf("imld:ratelimit:%s:%s", identity, action)
}

// Allow reports whether one more request for (identity, action) is
// permitted right now, removing entries that have aged out of the window
// first so retryAfter reflects the live state of the window.
func (r *ActionRateLimiter) Allow(ctx context.Context, identity, action string) (bool, time.Duration) {
	if r.redis != nil {
		return r.allowRedis(ctx, identity, action)
	}
	return r.allowFallback(identity, action)
}

func (r *ActionRateLimiter) allowRedis(ctx context.Context, identity, action string) (bool, time.Duration) {
	key := r.key(identity, action)
	now := time.Now()
	windowStart := now.Add(-r.window)
	windowStartScore := fmt.Sprintf("%f", float64(windowStart.UnixMicro()))

	if err := r.redis.ZRemRangeByScore(ctx, key, "0", windowStartScore).Err(); err != nil {
		return true, 0 // fail open on Redis error
	}

	count, err := r.redis.ZCount(ctx, key, windowStartScore, "+inf").Result()
	if err != nil {
		return true, 0
	}

	if count >= int64(r.limit) {
		oldest := windowStart
		if zs, err := r.redis.ZRangeWithScores(ctx, key, 0, 0).Result(); err == nil && len(zs) > 0 {
			oldest = time.UnixMicro(int64(zs[0].Score))
		}
		return false, retryAfter(now, oldest, r.window)
	}

	member := fmt.Sprintf("%d", now.UnixNano())
	if err := r.redis.ZAdd(ctx, key, &redis.Z{Score: float64(now.UnixMicro()), Member: member}).Err(); err != nil {
		return true, 0
	}
	r.redis.Expire(ctx, key, 2*r.window)
	return true, 0
}

func (r *ActionRateLimiter) allowFallback(identity, action string) (bool, time.Duration) {
	key := r.key(identity, action)
	now := time.Now()
	cutoff := now.Add(-r.window).UnixMicro()

	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.fallback[key]
	kept := entries[:0]
	for _, ts := range entries {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= r.limit {
		r.fallback[key] = kept
		oldest := time.UnixMicro(cutoff)
		if len(kept) > 0 {
			oldest = time.UnixMicro(kept[0])
		}
		return false, retryAfter(now, oldest, r.window)
	}

	r.fallback[key] = append(kept, now.UnixMicro())
	return true, 0
}

func retryAfter(now, oldest time.Time, window time.Duration) time.Duration {
	d := window - now.Sub(oldest)
	if d < time.Second {
		return time.Second
	}
	return d
}
