package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsCollector mirrors the aggregator snapshot into Prometheus metrics on
// scrape, so the aggregator stays the single source of truth.
type metricsCollector struct {
	service BoardService

	apiLatency    *prometheus.Desc
	cacheHitRate  *prometheus.Desc
	cacheRequests *prometheus.Desc
	webhooks      *prometheus.Desc
	webhookErrors *prometheus.Desc
	poolInFlight  *prometheus.Desc
	poolServed    *prometheus.Desc
	goroutines    *prometheus.Desc
	heapBytes     *prometheus.Desc
}

func newMetricsHandler(service BoardService) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(&metricsCollector{
		service: service,
		apiLatency: prometheus.NewDesc(
			"boardrelay_api_response_time_ms",
			"Provider API response time percentiles over the last 1000 samples.",
			[]string{"quantile"}, nil,
		),
		cacheHitRate: prometheus.NewDesc(
			"boardrelay_cache_hit_rate",
			"Cache hit rate percentage per tier.",
			[]string{"tier"}, nil,
		),
		cacheRequests: prometheus.NewDesc(
			"boardrelay_cache_requests_total",
			"Total cache lookups.",
			nil, nil,
		),
		webhooks: prometheus.NewDesc(
			"boardrelay_webhooks_processed_total",
			"Webhook events applied.",
			nil, nil,
		),
		webhookErrors: prometheus.NewDesc(
			"boardrelay_webhook_errors_total",
			"Webhook deliveries rejected or failed.",
			nil, nil,
		),
		poolInFlight: prometheus.NewDesc(
			"boardrelay_pool_inflight_requests",
			"Provider requests currently in flight.",
			nil, nil,
		),
		poolServed: prometheus.NewDesc(
			"boardrelay_pool_requests_total",
			"Provider requests completed by the connection pool.",
			nil, nil,
		),
		goroutines: prometheus.NewDesc(
			"boardrelay_goroutines",
			"Goroutine count at scrape time.",
			nil, nil,
		),
		heapBytes: prometheus.NewDesc(
			"boardrelay_heap_bytes",
			"Heap bytes in use at scrape time.",
			nil, nil,
		),
	})
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.apiLatency
	ch <- c.cacheHitRate
	ch <- c.cacheRequests
	ch <- c.webhooks
	ch <- c.webhookErrors
	ch <- c.poolInFlight
	ch <- c.poolServed
	ch <- c.goroutines
	ch <- c.heapBytes
}

func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.service.Metrics()
	pool := c.service.PoolStats()

	ch <- prometheus.MustNewConstMetric(c.apiLatency, prometheus.GaugeValue, snapshot.APIResponseTimeMS.P50, "0.5")
	ch <- prometheus.MustNewConstMetric(c.apiLatency, prometheus.GaugeValue, snapshot.APIResponseTimeMS.P95, "0.95")
	ch <- prometheus.MustNewConstMetric(c.apiLatency, prometheus.GaugeValue, snapshot.APIResponseTimeMS.P99, "0.99")
	for tier, rate := range snapshot.Cache.HitRate {
		ch <- prometheus.MustNewConstMetric(c.cacheHitRate, prometheus.GaugeValue, rate, tier)
	}
	ch <- prometheus.MustNewConstMetric(c.cacheRequests, prometheus.CounterValue, float64(snapshot.Cache.Requests))
	ch <- prometheus.MustNewConstMetric(c.webhooks, prometheus.CounterValue, float64(snapshot.Webhooks.Processed))
	ch <- prometheus.MustNewConstMetric(c.webhookErrors, prometheus.CounterValue, float64(snapshot.Webhooks.Errors))
	ch <- prometheus.MustNewConstMetric(c.poolInFlight, prometheus.GaugeValue, float64(pool.InFlight))
	ch <- prometheus.MustNewConstMetric(c.poolServed, prometheus.CounterValue, float64(pool.TotalServed))
	ch <- prometheus.MustNewConstMetric(c.goroutines, prometheus.GaugeValue, float64(snapshot.Resources.Goroutines))
	ch <- prometheus.MustNewConstMetric(c.heapBytes, prometheus.GaugeValue, float64(snapshot.Resources.HeapBytes))
}
