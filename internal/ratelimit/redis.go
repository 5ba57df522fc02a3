package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements Limiter with a sliding window over a Redis sorted
// set per (prefix, key), coordinating limits across instances.
type RedisLimiter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(client *redis.Client, logger *slog.Logger) *RedisLimiter {
	return &RedisLimiter{client: client, logger: logger}
}

// Allow records a hit in the key's sorted set and counts the window. Redis
// errors fail open: the request is permitted and the error logged.
func (l *RedisLimiter) Allow(ctx context.Context, rule Rule, key string) Result {
	if rule.Limit <= 0 {
		return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: time.Now().Add(rule.Window)}
	}

	now := time.Now()
	redisKey := fmt.Sprintf("ratelimit:%s:%s", rule.Prefix, key)
	windowStart := now.Add(-rule.Window)

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixMicro()))
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixMicro()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.Expire(ctx, redisKey, rule.Window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("ratelimit: redis check failed, allowing request", "prefix", rule.Prefix, "error", err)
		return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: now.Add(rule.Window)}
	}

	// countCmd counted entries before this request's ZADD.
	used := int(countCmd.Val()) + 1

	resetAt := now.Add(rule.Window)
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		resetAt = time.UnixMicro(int64(oldest[0].Score)).Add(rule.Window)
	}

	remaining := rule.Limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   used <= rule.Limit,
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Close closes the underlying Redis client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
