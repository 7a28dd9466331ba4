package whiteboard

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu sync.Mutex
	at time.Time
}

func newManualClock() *manualClock {
	return &manualClock{at: time.Now()}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.at = c.at.Add(d)
	c.mu.Unlock()
}

func TestCacheManagerRoundTrip(t *testing.T) {
	cache := NewCacheManager(CacheOptions{})
	defer cache.Close()

	cache.Set(context.Background(), "board:b1", json.RawMessage(`{"id":"b1"}`), 0)
	value, ok := cache.Get(context.Background(), "board:b1")
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if string(value) != `{"id":"b1"}` {
		t.Fatalf("unexpected value %s", value)
	}
	if _, ok := cache.Get(context.Background(), "board:missing"); ok {
		t.Fatalf("expected miss for unknown key")
	}
}

func TestCacheManagerExpiresEntries(t *testing.T) {
	clock := newManualClock()
	cache := NewCacheManager(CacheOptions{DefaultTTL: time.Minute, Now: clock.Now})
	defer cache.Close()

	cache.Set(context.Background(), "board:b1", json.RawMessage(`{}`), 0)
	if _, ok := cache.Get(context.Background(), "board:b1"); !ok {
		t.Fatalf("expected hit before expiry")
	}

	clock.Advance(61 * time.Second)
	if _, ok := cache.Get(context.Background(), "board:b1"); ok {
		t.Fatalf("expected expired entry to miss")
	}
	if entries, _ := cache.Size(); entries != 0 {
		t.Fatalf("expired entry should be evicted on read, have %d entries", entries)
	}
}

func TestCacheManagerInvalidateByPattern(t *testing.T) {
	cache := NewCacheManager(CacheOptions{})
	defer cache.Close()

	ctx := context.Background()
	cache.Set(ctx, "board:b1", json.RawMessage(`{}`), 0)
	cache.Set(ctx, "board:b1:items", json.RawMessage(`[]`), 0)
	cache.Set(ctx, "board:b2", json.RawMessage(`{}`), 0)

	removed, err := cache.Invalidate(ctx, "^board:b1(:|$)")
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removals, got %d", removed)
	}
	if _, ok := cache.Get(ctx, "board:b2"); !ok {
		t.Fatalf("unrelated key should survive invalidation")
	}
}

func TestCacheManagerRejectsInvalidPattern(t *testing.T) {
	cache := NewCacheManager(CacheOptions{})
	defer cache.Close()

	_, err := cache.Invalidate(context.Background(), "([")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input error, got %v", err)
	}
}

func TestCacheManagerTracksSize(t *testing.T) {
	cache := NewCacheManager(CacheOptions{})
	defer cache.Close()

	ctx := context.Background()
	cache.Set(ctx, "k1", json.RawMessage(`"aaaa"`), 0)
	cache.Set(ctx, "k2", json.RawMessage(`"bbbb"`), 0)
	entries, bytes := cache.Size()
	if entries != 2 {
		t.Fatalf("expected 2 entries, got %d", entries)
	}
	if bytes != int64(2*(2+6)) {
		t.Fatalf("unexpected byte accounting %d", bytes)
	}

	// Overwriting a key must not double-count.
	cache.Set(ctx, "k1", json.RawMessage(`"cc"`), 0)
	entries, bytes = cache.Size()
	if entries != 2 {
		t.Fatalf("expected 2 entries after overwrite, got %d", entries)
	}
	if bytes != int64((2+4)+(2+6)) {
		t.Fatalf("unexpected byte accounting after overwrite %d", bytes)
	}

	if _, err := cache.Invalidate(ctx, "^k"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	entries, bytes = cache.Size()
	if entries != 0 || bytes != 0 {
		t.Fatalf("expected empty cache, got %d entries %d bytes", entries, bytes)
	}
}

func TestCacheManagerRecordsTierHits(t *testing.T) {
	metrics := NewMetricsAggregator()
	cache := NewCacheManager(CacheOptions{Metrics: metrics})
	defer cache.Close()

	ctx := context.Background()
	cache.Set(ctx, "board:b1", json.RawMessage(`{}`), 0)
	cache.Get(ctx, "board:b1")
	cache.Get(ctx, "board:b1")
	cache.Get(ctx, "board:missing")

	snapshot := metrics.Snapshot()
	if snapshot.Cache.Requests != 3 {
		t.Fatalf("expected 3 requests, got %d", snapshot.Cache.Requests)
	}
	rate := snapshot.Cache.HitRate[CacheTierL1]
	if rate < 66 || rate > 67 {
		t.Fatalf("expected ~66%% l1 hit rate, got %f", rate)
	}
}

func TestCacheManagerSweepEvictsExpired(t *testing.T) {
	clock := newManualClock()
	cache := NewCacheManager(CacheOptions{DefaultTTL: time.Minute, Now: clock.Now})
	defer cache.Close()

	cache.Set(context.Background(), "board:b1", json.RawMessage(`{}`), 0)
	clock.Advance(2 * time.Minute)
	cache.sweep()
	if entries, _ := cache.Size(); entries != 0 {
		t.Fatalf("sweep left %d entries", entries)
	}
}
