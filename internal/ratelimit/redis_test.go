package ratelimit_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/arclight-dev/arclight/internal/ratelimit"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	testRedis = redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", host, port.Port()),
	})

	if err := testRedis.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ping redis: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	_ = testRedis.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

// newRedisLimiter creates a limiter for testing. Do NOT call Close() on this
// limiter as it would close the shared testRedis client.
func newRedisLimiter(t *testing.T) *ratelimit.RedisLimiter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return ratelimit.NewRedisLimiter(testRedis, logger)
}

func TestRedisLimiterAllow(t *testing.T) {
	ctx := context.Background()
	limiter := newRedisLimiter(t)

	// Use unique prefix per test to avoid interference.
	rule := ratelimit.Rule{
		Prefix: fmt.Sprintf("test-%d", time.Now().UnixNano()),
		Limit:  5,
		Window: 1 * time.Minute,
	}

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

func TestRedisLimiterMultipleKeys(t *testing.T) {
	ctx := context.Background()
	limiter := newRedisLimiter(t)

	rule := ratelimit.Rule{
		Prefix: fmt.Sprintf("test-multi-%d", time.Now().UnixNano()),
		Limit:  3,
		Window: 1 * time.Minute,
	}

	for i := 0; i < 3; i++ {
		rA := limiter.Allow(ctx, rule, "tenant-A")
		rB := limiter.Allow(ctx, rule, "tenant-B")
		assert.True(t, rA.Allowed, "tenant-A request %d", i+1)
		assert.True(t, rB.Allowed, "tenant-B request %d", i+1)
	}

	assert.False(t, limiter.Allow(ctx, rule, "tenant-A").Allowed)
	assert.False(t, limiter.Allow(ctx, rule, "tenant-B").Allowed)
}

func TestRedisLimiterSlidingWindow(t *testing.T) {
	ctx := context.Background()
	limiter := newRedisLimiter(t)

	rule := ratelimit.Rule{
		Prefix: fmt.Sprintf("test-window-%d", time.Now().UnixNano()),
		Limit:  2,
		Window: 500 * time.Millisecond,
	}

	r1 := limiter.Allow(ctx, rule, "tenant-X")
	r2 := limiter.Allow(ctx, rule, "tenant-X")
	r3 := limiter.Allow(ctx, rule, "tenant-X")
	assert.True(t, r1.Allowed)
	assert.True(t, r2.Allowed)
	assert.False(t, r3.Allowed)

	time.Sleep(600 * time.Millisecond)

	r4 := limiter.Allow(ctx, rule, "tenant-X")
	assert.True(t, r4.Allowed, "request after window should be allowed")
}

func TestRedisLimiterConcurrent(t *testing.T) {
	ctx := context.Background()
	limiter := newRedisLimiter(t)

	rule := ratelimit.Rule{
		Prefix: fmt.Sprintf("test-concurrent-%d", time.Now().UnixNano()),
		Limit:  100,
		Window: 1 * time.Minute,
	}

	results := make(chan ratelimit.Result, 200)
	for i := 0; i < 200; i++ {
		go func() {
			results <- limiter.Allow(ctx, rule, "tenant")
		}()
	}

	allowed := 0
	denied := 0
	for i := 0; i < 200; i++ {
		if (<-results).Allowed {
			allowed++
		} else {
			denied++
		}
	}

	// Nanosecond member IDs may rarely collide under heavy concurrency, so
	// allow small variance around the limit.
	assert.InDelta(t, 100, allowed, 5, "approximately 100 requests should be allowed")
	assert.InDelta(t, 100, denied, 5, "approximately 100 requests should be denied")
	assert.Equal(t, 200, allowed+denied)
}
