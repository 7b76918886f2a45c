// Package ratelimit enforces a per-account fixed-window counter backed by
// Redis. The counter is shared across scheduler instances; the engine
// consults it once at the top of every attempt.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the command surface the limiter needs. *redis.Client
// satisfies it; tests substitute fakes.
type RedisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

// Result is a limiter decision. RetryAfter is only meaningful when
// Allowed is false.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter counts events per account in fixed windows.
type Limiter struct {
	client RedisClient
	prefix string
	window time.Duration
	max    int64
}

// NewLimiter returns a Limiter allowing max events per window for each
// account key.
func NewLimiter(client RedisClient, prefix string, window time.Duration, max int) *Limiter {
	return &Limiter{client: client, prefix: prefix, window: window, max: int64(max)}
}

// Check counts one event against accountID's current window. The first
// event of a window sets the key's TTL; denials report the window's
// remaining time, clamped to at least one second.
func (l *Limiter) Check(ctx context.Context, accountID string) (Result, error) {
	key := l.prefix + accountID

	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("incrementing window counter: %w", err)
	}
	if n == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return Result{}, fmt.Errorf("setting window expiry: %w", err)
		}
	}

	if n <= l.max {
		return Result{Allowed: true}, nil
	}

	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("reading window ttl: %w", err)
	}
	retryAfter := ttl
	if retryAfter <= 0 {
		// The key lost its expiry (a crash between INCR and EXPIRE).
		// Repair it so the window eventually resets.
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return Result{}, fmt.Errorf("repairing window expiry: %w", err)
		}
		retryAfter = l.window
	}
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Result{Allowed: false, RetryAfter: retryAfter}, nil
}
