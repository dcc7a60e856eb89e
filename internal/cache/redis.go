package cache

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/malcare/internal/logging"
)

// RedisClient is the subset of go-redis used by RedisCache.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisCache is a Cache backed by go-redis. Transient failures are retried
// with exponential backoff; everything else fails fast.
type RedisCache struct {
	client         RedisClient
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRedisCache constructs a Redis-backed cache adapter.
func NewRedisCache(client RedisClient, logger *zap.Logger) *RedisCache {
	return &RedisCache{
		client:         client,
		logger:         logger.Named("redis_cache"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	return c.withRetry(ctx, "cache.set", key, func() error {
		return c.client.Set(ctx, key, value, expiration).Err()
	})
}

// Get retrieves a value from Redis, mapping a missing key to ErrMiss.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	var result string
	err := c.withRetry(ctx, "cache.get", key, func() error {
		value, err := c.client.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return result, err
}

// Delete removes a key from Redis.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.withRetry(ctx, "cache.delete", key, func() error {
		return c.client.Del(ctx, key).Err()
	})
}

func (c *RedisCache) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.initialBackoff
	exp.MaxInterval = c.maxBackoff
	exp.MaxElapsedTime = 0
	var b backoff.BackOff = &backoff.StopBackOff{}
	if c.retryAttempts > 1 {
		b = backoff.WithMaxRetries(exp, uint64(c.retryAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

func (c *RedisCache) withRetry(ctx context.Context, operation, key string, fn func() error) error {
	opLogger := logging.WithOperation(c.logger, operation, "").With(zap.String("key", key))
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}
		if errors.Is(err, redis.Nil) {
			return backoff.Permanent(err)
		}
		if !isTransientError(err) {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt))
			return backoff.Permanent(err)
		}
		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt))
		return err
	}, c.newBackOff(ctx))
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	return logging.NewOperationError(operation, "", err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
