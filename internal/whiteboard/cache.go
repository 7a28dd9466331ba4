package whiteboard

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultCacheTTL = 300 * time.Second

type CacheOptions struct {
	DefaultTTL time.Duration
	// Redis enables the L2 tier when non-nil. L1 stays authoritative for the
	// hot path; L2 survives process restarts and is shared across replicas.
	Redis     *redis.Client
	KeyPrefix string
	Metrics   *MetricsAggregator
	Logger    *logrus.Logger
	Now       func() time.Time
}

type cacheEntry struct {
	value  json.RawMessage
	expiry time.Time
	size   int
}

// CacheManager is a TTL key/value store consulted before any provider call.
// Entries expire lazily on read; Invalidate removes every key matching a
// regular expression across both tiers.
type CacheManager struct {
	redis   *redis.Client
	prefix  string
	metrics *MetricsAggregator
	log     *logrus.Logger
	now     func() time.Time

	mu         sync.Mutex
	defaultTTL time.Duration
	entries    map[string]cacheEntry
	totalBytes int64

	janitorStop chan struct{}
	janitorOnce sync.Once
}

func NewCacheManager(opts CacheOptions) *CacheManager {
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "boardrelay:"
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &CacheManager{
		redis:       opts.Redis,
		prefix:      prefix,
		metrics:     opts.Metrics,
		log:         logger,
		now:         now,
		defaultTTL:  ttl,
		entries:     map[string]cacheEntry{},
		janitorStop: make(chan struct{}),
	}
}

// SetDefaultTTL adjusts the write-time TTL at runtime (config hot reload).
func (c *CacheManager) SetDefaultTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.defaultTTL = ttl
	c.mu.Unlock()
}

// Get returns the cached value for key, or ok=false on a miss. An L2 hit is
// promoted into L1 with the key's remaining TTL.
func (c *CacheManager) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok {
		if c.now().Before(entry.expiry) {
			c.mu.Unlock()
			c.recordHit(CacheTierL1)
			return entry.value, true
		}
		c.removeLocked(key, entry)
	}
	c.mu.Unlock()

	if c.redis != nil {
		value, err := c.redis.Get(ctx, c.prefix+key).Bytes()
		if err == nil {
			ttl, ttlErr := c.redis.TTL(ctx, c.prefix+key).Result()
			if ttlErr != nil || ttl <= 0 {
				ttl = c.currentDefaultTTL()
			}
			c.setL1(key, value, ttl)
			c.recordHit(CacheTierL2)
			return value, true
		}
		if err != redis.Nil {
			c.log.WithError(err).Warn("cache l2 read failed")
		}
	}

	if c.metrics != nil {
		c.metrics.RecordCacheMiss()
	}
	return nil, false
}

// Set writes through both tiers. A zero ttl uses the configured default.
func (c *CacheManager) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.currentDefaultTTL()
	}
	c.setL1(key, value, ttl)
	if c.redis != nil {
		if err := c.redis.Set(ctx, c.prefix+key, []byte(value), ttl).Err(); err != nil {
			c.log.WithError(err).Warn("cache l2 write failed")
		}
	}
}

// Invalidate removes every entry whose key matches pattern (a regular
// expression) and reports how many L1 entries were dropped. The linear scan
// is fine: population is bounded by distinct resources, not request volume.
func (c *CacheManager) Invalidate(ctx context.Context, pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, &InvalidRequestError{Message: "invalid cache pattern: " + err.Error()}
	}

	removed := 0
	c.mu.Lock()
	for key, entry := range c.entries {
		if re.MatchString(key) {
			c.removeLocked(key, entry)
			removed++
		}
	}
	c.mu.Unlock()

	if c.redis != nil {
		if err := c.invalidateL2(ctx, re); err != nil {
			c.log.WithError(err).Warn("cache l2 invalidation failed")
		}
	}
	return removed, nil
}

func (c *CacheManager) invalidateL2(ctx context.Context, re *regexp.Regexp) error {
	var cursor uint64
	for {
		keys, next, err := c.redis.Scan(ctx, cursor, c.prefix+"*", 100).Result()
		if err != nil {
			return err
		}
		var matched []string
		for _, full := range keys {
			if re.MatchString(full[len(c.prefix):]) {
				matched = append(matched, full)
			}
		}
		if len(matched) > 0 {
			if err := c.redis.Del(ctx, matched...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Size reports L1 entry count and estimated byte footprint.
func (c *CacheManager) Size() (entries int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), c.totalBytes
}

// StartJanitor sweeps expired L1 entries periodically. Correctness does not
// depend on it; it only bounds memory between reads.
func (c *CacheManager) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.janitorStop:
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

func (c *CacheManager) Close() {
	c.janitorOnce.Do(func() { close(c.janitorStop) })
}

func (c *CacheManager) sweep() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if !now.Before(entry.expiry) {
			c.removeLocked(key, entry)
		}
	}
}

func (c *CacheManager) setL1(key string, value json.RawMessage, ttl time.Duration) {
	entry := cacheEntry{
		value:  value,
		expiry: c.now().Add(ttl),
		size:   len(key) + len(value),
	}
	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.totalBytes -= int64(old.size)
	}
	c.entries[key] = entry
	c.totalBytes += int64(entry.size)
	c.mu.Unlock()
}

func (c *CacheManager) removeLocked(key string, entry cacheEntry) {
	delete(c.entries, key)
	c.totalBytes -= int64(entry.size)
}

func (c *CacheManager) currentDefaultTTL() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaultTTL
}

func (c *CacheManager) recordHit(tier string) {
	if c.metrics != nil {
		c.metrics.RecordCacheHit(tier)
	}
}
