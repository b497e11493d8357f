package sources

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/circuitbreaker"
)

// Cache stores raw dataset responses. Fresh entries short-circuit a query;
// stale entries are served only when the provider fails.
type Cache interface {
	GetFresh(ctx context.Context, key string) ([]byte, bool)
	GetStale(ctx context.Context, key string) ([]byte, bool)
	Put(ctx context.Context, key string, value []byte)
}

// RedisCache is a Cache over Redis with separate fresh and stale TTLs.
type RedisCache struct {
	client   *circuitbreaker.RedisWrapper
	freshTTL time.Duration
	staleTTL time.Duration
	prefix   string
	logger   *zap.Logger
}

// NewRedisCache creates a dataset cache.
func NewRedisCache(client *redis.Client, freshTTL, staleTTL time.Duration, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if staleTTL < freshTTL {
		staleTTL = freshTTL
	}
	return &RedisCache{
		client:   circuitbreaker.NewRedisWrapper(client, logger),
		freshTTL: freshTTL,
		staleTTL: staleTTL,
		prefix:   "riskcase:dataset:",
		logger:   logger,
	}
}

// Ping checks connectivity for health reporting.
func (c *RedisCache) Ping(ctx context.Context) error { return c.client.Ping(ctx) }

// Breaker exposes the cache breaker for health reporting.
func (c *RedisCache) Breaker() *circuitbreaker.CircuitBreaker { return c.client.Breaker() }

// GetFresh implements Cache.
func (c *RedisCache) GetFresh(ctx context.Context, key string) ([]byte, bool) {
	return c.get(ctx, c.prefix+"fresh:"+key)
}

// GetStale implements Cache.
func (c *RedisCache) GetStale(ctx context.Context, key string) ([]byte, bool) {
	return c.get(ctx, c.prefix+"stale:"+key)
}

func (c *RedisCache) get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("Dataset cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return val, true
}

// Put implements Cache. Write failures are logged and otherwise ignored.
func (c *RedisCache) Put(ctx context.Context, key string, value []byte) {
	if err := c.client.Set(ctx, c.prefix+"fresh:"+key, value, c.freshTTL); err != nil {
		c.logger.Debug("Dataset cache write failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, c.prefix+"stale:"+key, value, c.staleTTL); err != nil {
		c.logger.Debug("Dataset cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Close closes the underlying client.
func (c *RedisCache) Close() error { return c.client.Close() }
