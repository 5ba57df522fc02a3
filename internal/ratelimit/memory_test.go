package ratelimit_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arclight-dev/arclight/internal/ratelimit"
)

func TestMemoryLimiterAllow(t *testing.T) {
	ctx := context.Background()
	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()

	rule := ratelimit.Rule{Prefix: "test", Limit: 5, Window: time.Minute}

	for i := 0; i < 5; i++ {
		result := limiter.Allow(ctx, rule, "tenant-1")
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 5, result.Limit)
		assert.Equal(t, 5-i-1, result.Remaining, "remaining after request %d", i+1)
	}

	result := limiter.Allow(ctx, rule, "tenant-1")
	assert.False(t, result.Allowed, "6th request should be denied")
	assert.Equal(t, 0, result.Remaining)
	assert.True(t, result.ResetAt.After(time.Now()), "ResetAt should be in the future")
}

func TestMemoryLimiterPerKeyIsolation(t *testing.T) {
	ctx := context.Background()
	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()

	rule := ratelimit.Rule{Prefix: "test-multi", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		r1 := limiter.Allow(ctx, rule, "tenant-A")
		r2 := limiter.Allow(ctx, rule, "tenant-B")
		assert.True(t, r1.Allowed, "tenant-A request %d", i+1)
		assert.True(t, r2.Allowed, "tenant-B request %d", i+1)
	}

	assert.False(t, limiter.Allow(ctx, rule, "tenant-A").Allowed)
	assert.False(t, limiter.Allow(ctx, rule, "tenant-B").Allowed)
}

func TestMemoryLimiterWindowSlides(t *testing.T) {
	ctx := context.Background()
	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()

	rule := ratelimit.Rule{Prefix: "test-window", Limit: 2, Window: 200 * time.Millisecond}

	require.True(t, limiter.Allow(ctx, rule, "k").Allowed)
	require.True(t, limiter.Allow(ctx, rule, "k").Allowed)
	require.False(t, limiter.Allow(ctx, rule, "k").Allowed)

	time.Sleep(250 * time.Millisecond)

	assert.True(t, limiter.Allow(ctx, rule, "k").Allowed, "request after window should be allowed")
}

func TestMemoryLimiterRulePrefixesIndependent(t *testing.T) {
	ctx := context.Background()
	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()

	authRule := ratelimit.Rule{Prefix: "auth", Limit: 2, Window: time.Minute}
	invokeRule := ratelimit.Rule{Prefix: "invoke", Limit: 100, Window: time.Minute}

	for i := 0; i < 2; i++ {
		limiter.Allow(ctx, authRule, "tenant")
	}
	assert.False(t, limiter.Allow(ctx, authRule, "tenant").Allowed)

	result := limiter.Allow(ctx, invokeRule, "tenant")
	assert.True(t, result.Allowed)
	assert.Equal(t, 99, result.Remaining)
}

func TestMemoryLimiterZeroLimitMeansUnlimited(t *testing.T) {
	ctx := context.Background()
	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()

	rule := ratelimit.Rule{Prefix: "unlimited", Limit: 0, Window: time.Minute}
	for i := 0; i < 50; i++ {
		require.True(t, limiter.Allow(ctx, rule, "k").Allowed)
	}
}

func TestResultFormatHeaders(t *testing.T) {
	resetAt := time.Date(2026, 2, 5, 12, 0, 0, 0, time.UTC)
	result := ratelimit.Result{
		Allowed:   true,
		Limit:     100,
		Remaining: 42,
		ResetAt:   resetAt,
	}

	headers := result.FormatHeaders()
	assert.Equal(t, "100", headers["X-RateLimit-Limit"])
	assert.Equal(t, "42", headers["X-RateLimit-Remaining"])
	assert.Equal(t, fmt.Sprintf("%d", resetAt.Unix()), headers["X-RateLimit-Reset"])
}
