package whiteboard

import (
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const metricsSampleCap = 1000

// Cache tiers reported to the aggregator.
const (
	CacheTierL1 = "l1"
	CacheTierL2 = "l2"
)

// MetricsAggregator records response-time samples, cache hit rates, and
// webhook processing health. It is purely observational: every method is a
// cheap mutex-guarded update that never blocks on I/O and never fails.
type MetricsAggregator struct {
	mu sync.Mutex

	apiSamples []float64
	sampleNext int

	cacheHits     map[string]int64
	cacheRequests int64

	webhookLatencySum time.Duration
	webhookProcessed  int64
	webhookErrors     int64

	startedAt time.Time
	now       func() time.Time
}

type Percentiles struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type CacheStats struct {
	HitRate  map[string]float64 `json:"hitRate"`
	Requests int64              `json:"requests"`
}

type WebhookStats struct {
	AvgLatencyMS float64 `json:"avgLatencyMs"`
	Processed    int64   `json:"processed"`
	Errors       int64   `json:"errors"`
	PerMinute    float64 `json:"perMinute"`
}

type ResourceStats struct {
	CPUSeconds  float64 `json:"cpuSeconds"`
	MaxRSSBytes int64   `json:"maxRssBytes"`
	HeapBytes   uint64  `json:"heapBytes"`
	Goroutines  int     `json:"goroutines"`
}

type MetricsSnapshot struct {
	APIResponseTimeMS Percentiles   `json:"apiResponseTimeMs"`
	Cache             CacheStats    `json:"cache"`
	Webhooks          WebhookStats  `json:"webhooks"`
	Resources         ResourceStats `json:"resources"`
	UptimeSeconds     float64       `json:"uptimeSeconds"`
}

func NewMetricsAggregator() *MetricsAggregator {
	return newMetricsAggregator(time.Now)
}

func newMetricsAggregator(now func() time.Time) *MetricsAggregator {
	return &MetricsAggregator{
		apiSamples: make([]float64, 0, metricsSampleCap),
		cacheHits:  map[string]int64{},
		startedAt:  now(),
		now:        now,
	}
}

// RecordAPIResponseTime keeps the last 1000 samples in a ring.
func (m *MetricsAggregator) RecordAPIResponseTime(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.apiSamples) < metricsSampleCap {
		m.apiSamples = append(m.apiSamples, ms)
		return
	}
	m.apiSamples[m.sampleNext] = ms
	m.sampleNext = (m.sampleNext + 1) % metricsSampleCap
}

func (m *MetricsAggregator) RecordCacheHit(tier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits[tier]++
	m.cacheRequests++
}

func (m *MetricsAggregator) RecordCacheMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheRequests++
}

func (m *MetricsAggregator) RecordWebhookLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhookLatencySum += d
	m.webhookProcessed++
}

func (m *MetricsAggregator) RecordWebhookError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhookErrors++
}

// Snapshot computes percentiles by sorting a copy of the sample buffer. At a
// thousand samples the sort is cheap enough to run on every poll.
func (m *MetricsAggregator) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	samples := append([]float64(nil), m.apiSamples...)
	hitRate := make(map[string]float64, len(m.cacheHits))
	for tier, hits := range m.cacheHits {
		if m.cacheRequests > 0 {
			hitRate[tier] = float64(hits) / float64(m.cacheRequests) * 100
		}
	}
	cacheRequests := m.cacheRequests
	webhookSum := m.webhookLatencySum
	webhookProcessed := m.webhookProcessed
	webhookErrors := m.webhookErrors
	uptime := m.now().Sub(m.startedAt)
	m.mu.Unlock()

	sort.Float64s(samples)
	snapshot := MetricsSnapshot{
		APIResponseTimeMS: Percentiles{
			P50: percentile(samples, 0.50),
			P95: percentile(samples, 0.95),
			P99: percentile(samples, 0.99),
		},
		Cache: CacheStats{
			HitRate:  hitRate,
			Requests: cacheRequests,
		},
		Webhooks: WebhookStats{
			Processed: webhookProcessed,
			Errors:    webhookErrors,
		},
		Resources:     resourceStats(),
		UptimeSeconds: uptime.Seconds(),
	}
	if webhookProcessed > 0 {
		snapshot.Webhooks.AvgLatencyMS = float64(webhookSum) / float64(webhookProcessed) / float64(time.Millisecond)
	}
	if uptime > 0 {
		snapshot.Webhooks.PerMinute = float64(webhookProcessed) / uptime.Minutes()
	}
	return snapshot
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func resourceStats() ResourceStats {
	stats := ResourceStats{Goroutines: runtime.NumGoroutine()}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	stats.HeapBytes = mem.HeapAlloc

	var usage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &usage); err == nil {
		stats.CPUSeconds = timevalSeconds(usage.Utime) + timevalSeconds(usage.Stime)
		// Maxrss is kilobytes on Linux.
		stats.MaxRSSBytes = usage.Maxrss * 1024
	}
	return stats
}

func timevalSeconds(tv unix.Timeval) float64 {
	return float64(tv.Sec) + float64(tv.Usec)/1e6
}
