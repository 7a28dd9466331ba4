package whiteboard

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTestTier(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mini, client
}

func TestCacheManagerWritesThroughToRedis(t *testing.T) {
	mini, client := newRedisTestTier(t)
	cache := NewCacheManager(CacheOptions{Redis: client})
	defer cache.Close()

	cache.Set(context.Background(), "board:b1", json.RawMessage(`{"id":"b1"}`), time.Minute)

	stored, err := mini.Get("boardrelay:board:b1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"b1"}`, stored)
}

func TestCacheManagerPromotesRedisHitToL1(t *testing.T) {
	_, client := newRedisTestTier(t)
	metrics := NewMetricsAggregator()

	warm := NewCacheManager(CacheOptions{Redis: client})
	warm.Set(context.Background(), "board:b1", json.RawMessage(`{"id":"b1"}`), time.Minute)
	warm.Close()

	// A fresh manager simulates a restarted replica: L1 is empty, L2 is not.
	cache := NewCacheManager(CacheOptions{Redis: client, Metrics: metrics})
	defer cache.Close()

	value, ok := cache.Get(context.Background(), "board:b1")
	require.True(t, ok, "expected l2 hit")
	assert.JSONEq(t, `{"id":"b1"}`, string(value))

	// The promoted entry now serves from L1.
	_, ok = cache.Get(context.Background(), "board:b1")
	require.True(t, ok)

	snapshot := metrics.Snapshot()
	assert.Positive(t, snapshot.Cache.HitRate[CacheTierL2])
	assert.Positive(t, snapshot.Cache.HitRate[CacheTierL1])
}

func TestCacheManagerInvalidatesBothTiers(t *testing.T) {
	mini, client := newRedisTestTier(t)
	cache := NewCacheManager(CacheOptions{Redis: client})
	defer cache.Close()

	ctx := context.Background()
	cache.Set(ctx, "board:b1", json.RawMessage(`{}`), time.Minute)
	cache.Set(ctx, "board:b1:items", json.RawMessage(`[]`), time.Minute)
	cache.Set(ctx, "board:b2", json.RawMessage(`{}`), time.Minute)

	removed, err := cache.Invalidate(ctx, "^board:b1(:|$)")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.False(t, mini.Exists("boardrelay:board:b1"))
	assert.False(t, mini.Exists("boardrelay:board:b1:items"))
	assert.True(t, mini.Exists("boardrelay:board:b2"))
}

func TestCacheManagerSurvivesRedisOutage(t *testing.T) {
	mini, client := newRedisTestTier(t)
	cache := NewCacheManager(CacheOptions{Redis: client})
	defer cache.Close()

	mini.Close()

	ctx := context.Background()
	// L1 keeps serving when the L2 tier is down.
	cache.Set(ctx, "board:b1", json.RawMessage(`{"id":"b1"}`), time.Minute)
	value, ok := cache.Get(ctx, "board:b1")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"b1"}`, string(value))
}
