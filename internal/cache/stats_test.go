package cache_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"roster-service/internal/cache"
	"roster-service/internal/config"
	"roster-service/internal/student"
	"roster-service/internal/student/inmem"
	"roster-service/testing/testredis"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsCache(t *testing.T) {
	redisContainer := testredis.SetupSharedRedis(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	stats := &student.ClassStats{
		ClassName: "Class 4",
		Sections: []student.SectionStats{
			{Section: "A", Count: 2, MaleCount: 1, FemaleCount: 1},
		},
		Total: 2,
	}

	t.Run("SetGetInvalidate", func(t *testing.T) {
		client := redisContainer.Client(t)
		c := cache.NewStatsCache(client, time.Minute, logger)

		_, ok := c.Get(ctx, "Class 4")
		assert.False(t, ok)

		c.Set(ctx, stats)
		got, ok := c.Get(ctx, "Class 4")
		require.True(t, ok)
		assert.Equal(t, stats, got)

		ttl, err := client.TTL(ctx, cache.Key("Class 4")).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
		assert.LessOrEqual(t, ttl, time.Minute)

		c.Invalidate(ctx, "Class 4", "Class 5")
		_, ok = c.Get(ctx, "Class 4")
		assert.False(t, ok)
	})

	t.Run("CorruptEntryIsMiss", func(t *testing.T) {
		client := redisContainer.Client(t)
		c := cache.NewStatsCache(client, time.Minute, logger)

		require.NoError(t, client.Set(ctx, cache.Key("Class 4"), "not json", 0).Err())
		_, ok := c.Get(ctx, "Class 4")
		assert.False(t, ok)
	})

	t.Run("UnreachableRedisIsMiss", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
		defer client.Close()
		c := cache.NewStatsCache(client, time.Minute, logger)

		c.Set(ctx, stats)
		_, ok := c.Get(ctx, "Class 4")
		assert.False(t, ok)
		c.Invalidate(ctx, "Class 4")
	})

	t.Run("ServiceWritesInvalidate", func(t *testing.T) {
		client := redisContainer.Client(t)
		c := cache.NewStatsCache(client, time.Minute, logger)
		svc := student.NewService(inmem.New(), student.DefaultConfig(), student.WithStatsCache(c))

		in := student.CreateInput{
			FullName:    "Asha Rao",
			ClassName:   "Class 4",
			Section:     "A",
			Gender:      student.GenderFemale,
			ParentName:  "Parent",
			ParentPhone: "9876543210",
			Address:     "Somewhere",
		}
		_, err := svc.CreateStudent(ctx, in)
		require.NoError(t, err)

		first, err := svc.ClassStatistics(ctx, "Class 4")
		require.NoError(t, err)
		assert.Equal(t, 1, first.Total)

		exists, err := client.Exists(ctx, cache.Key("Class 4")).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), exists)

		in.FullName = "Bina Das"
		_, err = svc.CreateStudent(ctx, in)
		require.NoError(t, err)

		exists, err = client.Exists(ctx, cache.Key("Class 4")).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(0), exists)

		second, err := svc.ClassStatistics(ctx, "Class 4")
		require.NoError(t, err)
		assert.Equal(t, 2, second.Total)
	})

	t.Run("Connect", func(t *testing.T) {
		client, err := cache.Connect(ctx, config.RedisConfig{Addr: redisContainer.Addr})
		require.NoError(t, err)
		require.NoError(t, client.Close())

		_, err = cache.Connect(ctx, config.RedisConfig{Addr: "127.0.0.1:1"})
		assert.Error(t, err)
	})
}
