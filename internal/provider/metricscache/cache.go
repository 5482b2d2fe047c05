// Package metricscache caches keyword metrics in Redis in front of a
// provider.MetricsSource, since search volume and difficulty change slowly
// and every lookup is billed.
package metricscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/metrics"
	"github.com/JakeFAU/rank-tracker/internal/provider"
	"github.com/JakeFAU/rank-tracker/internal/rank"
)

// DefaultTTL is how long cached metrics stay valid.
const DefaultTTL = 7 * 24 * time.Hour

const keyPrefix = "rank:metrics:"

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Connect opens a Redis client and pings it.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// Cache is a read-through provider.MetricsSource.
type Cache struct {
	client *redis.Client
	source provider.MetricsSource
	ttl    time.Duration
	logger *zap.Logger
}

// New wraps source with a Redis cache.
func New(client *redis.Client, source provider.MetricsSource, ttl time.Duration, logger *zap.Logger) (*Cache, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if source == nil {
		return nil, errors.New("metrics source is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{client: client, source: source, ttl: ttl, logger: logger}, nil
}

// Key is the cache key for a phrase in a locale.
func Key(keyword string, params rank.SearchParams) string {
	return keyPrefix + strings.Join([]string{
		strings.ToLower(strings.TrimSpace(params.SearchEngine)),
		strings.ToLower(strings.TrimSpace(params.Location)),
		strings.ToLower(strings.TrimSpace(params.Language)),
		strings.ToLower(strings.TrimSpace(keyword)),
	}, ":")
}

// KeywordMetrics returns cached metrics or fetches and stores them. Redis
// errors degrade to a direct source lookup.
func (c *Cache) KeywordMetrics(
	ctx context.Context,
	keyword string,
	params rank.SearchParams,
) (rank.KeywordMetrics, error) {
	key := Key(keyword, params)
	cached, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var m rank.KeywordMetrics
		if uerr := json.Unmarshal(cached, &m); uerr == nil {
			metrics.ObserveMetricsCache("hit")
			return m, nil
		}
		c.logger.Warn("discarding undecodable cached metrics", zap.String("key", key))
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("metrics cache read failed", zap.String("key", key), zap.Error(err))
	}
	metrics.ObserveMetricsCache("miss")

	m, err := c.source.KeywordMetrics(ctx, keyword, params)
	if err != nil {
		return rank.KeywordMetrics{}, err //nolint:wrapcheck // source wraps
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return m, nil
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("metrics cache write failed", zap.String("key", key), zap.Error(err))
	}
	return m, nil
}
