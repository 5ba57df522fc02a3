// Package ratelimit provides pluggable request rate limiting, distinct from
// billing-period request reservation.
//
// The default backend is an in-memory sliding window (MemoryLimiter). When a
// Redis address is configured, the Redis backend coordinates limits across
// instances. Rate limiting is an abuse guard: limiter malfunctions fail open
// rather than blocking traffic.
package ratelimit

import (
	"context"
	"strconv"
	"time"
)

// Rule describes one rate limit: at most Limit requests per Window, counted
// independently per key under the given Prefix.
type Rule struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// Result is the outcome of a limiter check.
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

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use and must fail open.
type Limiter interface {
	Allow(ctx context.Context, rule Rule, key string) Result

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always permits the request.
func (NoopLimiter) Allow(_ context.Context, rule Rule, _ string) Result {
	return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: time.Now().Add(rule.Window)}
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
