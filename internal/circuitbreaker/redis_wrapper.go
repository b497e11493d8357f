package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper wraps the dataset cache client with a circuit breaker
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	config := SettingsFor("redis").ToConfig()
	config.IsFailure = func(err error) bool {
		return countsAsFailure(err) && !errors.Is(err, redis.Nil)
	}
	cb := NewCircuitBreaker("redis", config, logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("redis", "dataset-cache", cb)

	return &RedisWrapper{client: client, cb: cb, logger: logger}
}

func (rw *RedisWrapper) record(err error) {
	GlobalMetricsCollector.RecordRequest("redis", "dataset-cache", rw.cb.State(), err == nil || errors.Is(err, redis.Nil))
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	err := rw.cb.Execute(ctx, func() error { return rw.client.Ping(ctx).Err() })
	rw.record(err)
	return err
}

// Get returns the raw value at key. A missing key yields redis.Nil.
func (rw *RedisWrapper) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := rw.cb.Execute(ctx, func() error {
		var getErr error
		val, getErr = rw.client.Get(ctx, key).Bytes()
		return getErr
	})
	rw.record(err)
	return val, err
}

// Set stores value at key with expiration.
func (rw *RedisWrapper) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	err := rw.cb.Execute(ctx, func() error {
		return rw.client.Set(ctx, key, value, expiration).Err()
	})
	rw.record(err)
	return err
}

// Breaker exposes the underlying breaker for health checks.
func (rw *RedisWrapper) Breaker() *CircuitBreaker { return rw.cb }

// Close closes the client.
func (rw *RedisWrapper) Close() error { return rw.client.Close() }
