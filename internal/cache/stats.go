// Package cache holds the Redis backed class statistics cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"roster-service/internal/config"
	"roster-service/internal/student"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "roster:stats:"

// Connect opens a client for cfg and pings it.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// StatsCache implements student.StatsCache. Redis failures are logged and
// reported as misses.
type StatsCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

var _ student.StatsCache = (*StatsCache)(nil)

func NewStatsCache(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *StatsCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &StatsCache{client: client, ttl: ttl, logger: logger}
}

func Key(className string) string {
	return keyPrefix + className
}

func (c *StatsCache) Get(ctx context.Context, className string) (*student.ClassStats, bool) {
	raw, err := c.client.Get(ctx, Key(className)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WarnContext(ctx, "stats cache read failed", "class", className, "error", err)
		}
		return nil, false
	}

	var stats student.ClassStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		c.logger.WarnContext(ctx, "stats cache entry unreadable", "class", className, "error", err)
		return nil, false
	}
	return &stats, true
}

func (c *StatsCache) Set(ctx context.Context, stats *student.ClassStats) {
	raw, err := json.Marshal(stats)
	if err != nil {
		c.logger.WarnContext(ctx, "stats cache encode failed", "class", stats.ClassName, "error", err)
		return
	}
	if err := c.client.Set(ctx, Key(stats.ClassName), raw, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "stats cache write failed", "class", stats.ClassName, "error", err)
	}
}

func (c *StatsCache) Invalidate(ctx context.Context, classNames ...string) {
	if len(classNames) == 0 {
		return
	}
	keys := make([]string, 0, len(classNames))
	for _, name := range classNames {
		keys = append(keys, Key(name))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.WarnContext(ctx, "stats cache invalidation failed", "classes", classNames, "error", err)
	}
}
