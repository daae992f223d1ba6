// Package metrics defines the Prometheus collectors for indexing, search and
// the embedding provider. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
)

const namespace = "posting_matcher"

type Metrics struct {
	SearchesTotal       *prometheus.CounterVec
	SearchLatency       prometheus.Histogram
	SearchResultsCount  prometheus.Histogram
	IndexRunsTotal      *prometheus.CounterVec
	IndexDuration       prometheus.Histogram
	IndexedChunks       prometheus.Gauge
	CacheRequestsTotal  *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
	HTTPRequestsTotal   *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		SearchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "searches_total",
				Help:      "Total searches by outcome (ok, empty_query, no_matches, not_ready, error).",
			},
			[]string{"outcome"},
		),
		SearchLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_latency_seconds",
				Help:      "Retrieve and rerank latency in seconds.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),
		SearchResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_results_count",
				Help:      "Number of postings returned per search.",
				Buckets:   []float64{0, 1, 3, 5, 10, 25},
			},
		),
		IndexRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_runs_total",
				Help:      "Indexing runs by status (indexed, skipped, failed).",
			},
			[]string{"status"},
		),
		IndexDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "index_duration_seconds",
				Help:      "Duration of indexing runs in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		),
		IndexedChunks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "indexed_chunks",
				Help:      "Number of chunks written by the last successful indexing run.",
			},
		),
		CacheRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_requests_total",
				Help:      "Search cache lookups by result (hit, miss).",
			},
			[]string{"result"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
			},
			[]string{"name"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status.",
			},
			[]string{"route", "status"},
		),
	}

	reg.MustRegister(
		m.SearchesTotal,
		m.SearchLatency,
		m.SearchResultsCount,
		m.IndexRunsTotal,
		m.IndexDuration,
		m.IndexedChunks,
		m.CacheRequestsTotal,
		m.CircuitBreakerState,
		m.HTTPRequestsTotal,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	return m
}

func (m *Metrics) ObserveSearch(outcome string, results int, d time.Duration) {
	if m == nil {
		return
	}
	m.SearchesTotal.WithLabelValues(outcome).Inc()
	m.SearchLatency.Observe(d.Seconds())
	m.SearchResultsCount.Observe(float64(results))
}

func (m *Metrics) ObserveIndex(status string, chunks int, d time.Duration) {
	if m == nil {
		return
	}
	m.IndexRunsTotal.WithLabelValues(status).Inc()
	m.IndexDuration.Observe(d.Seconds())
	if status == "indexed" {
		m.IndexedChunks.Set(float64(chunks))
	}
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheRequestsTotal.WithLabelValues("hit").Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheRequestsTotal.WithLabelValues("miss").Inc()
}

// BreakerStateChange matches the gemini embedder's state observer.
func (m *Metrics) BreakerStateChange(name string, _, to gobreaker.State) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
}

func (m *Metrics) ObserveHTTP(route string, status string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, status).Inc()
}

// Handler returns the scrape handler for the registry the metrics live in.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
