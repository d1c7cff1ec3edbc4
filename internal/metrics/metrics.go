// Package metrics provides Prometheus instrumentation for the proxy:
// connection counts, cache hit/miss counts and occupancy, and upstream
// failures.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus instrument the proxy reports.
type Metrics struct {
	connectionsTotal    prometheus.Counter
	activeConnections   prometheus.Gauge
	connectionDuration  prometheus.Histogram
	cacheHitsTotal      prometheus.Counter
	cacheMissesTotal    prometheus.Counter
	upstreamFailures    prometheus.Counter
	cacheBytesUsed      prometheus.Gauge
	cacheEntries        prometheus.Gauge
}

// New creates and registers the proxy's Prometheus instruments with the
// default registry.
func New() *Metrics {
	m := &Metrics{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_connections_total",
			Help: "Total number of accepted client connections.",
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_active_connections",
			Help: "Number of connections currently being served.",
		}),
		connectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proxy_connection_duration_seconds",
			Help:    "Time to service one client connection end to end.",
			Buckets: prometheus.DefBuckets,
		}),
		cacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_cache_hits_total",
			Help: "Total number of cache hits served without contacting the origin.",
		}),
		cacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_cache_misses_total",
			Help: "Total number of cache misses requiring an upstream fetch.",
		}),
		upstreamFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_upstream_failures_total",
			Help: "Total number of failed upstream dial or transfer attempts.",
		}),
		cacheBytesUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_cache_bytes_used",
			Help: "Current number of bytes held by the LRU cache.",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_cache_entries",
			Help: "Current number of live cache entries.",
		}),
	}

	prometheus.MustRegister(
		m.connectionsTotal,
		m.activeConnections,
		m.connectionDuration,
		m.cacheHitsTotal,
		m.cacheMissesTotal,
		m.upstreamFailures,
		m.cacheBytesUsed,
		m.cacheEntries,
	)

	return m
}

// IncrementConnections records a newly accepted connection.
func (m *Metrics) IncrementConnections() {
	m.connectionsTotal.Inc()
	m.activeConnections.Inc()
}

// DecrementConnections records a connection's worker exiting.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Dec()
}

// RecordConnectionDuration observes how long one connection took end to
// end, from accept to worker exit.
func (m *Metrics) RecordConnectionDuration(d time.Duration) {
	m.connectionDuration.Observe(d.Seconds())
}

// RecordCacheHit records a request served directly from the cache.
func (m *Metrics) RecordCacheHit() {
	m.cacheHitsTotal.Inc()
}

// RecordCacheMiss records a request that required an upstream fetch.
func (m *Metrics) RecordCacheMiss() {
	m.cacheMissesTotal.Inc()
}

// RecordUpstreamFailure records a dial or mid-transfer failure.
func (m *Metrics) RecordUpstreamFailure() {
	m.upstreamFailures.Inc()
}

// SetCacheOccupancy updates the cache-occupancy gauges from a cache.Stats
// snapshot; callers pass plain ints so this package does not depend on the
// cache package.
func (m *Metrics) SetCacheOccupancy(entries, bytesUsed int) {
	m.cacheEntries.Set(float64(entries))
	m.cacheBytesUsed.Set(float64(bytesUsed))
}

// Handler returns the HTTP handler that exposes metrics in Prometheus
// exposition format, mounted by the admin server.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
