package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the gateway's prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	QueriesTotal  *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	SourceErrors  *prometheus.CounterVec
	CacheEvents   *prometheus.CounterVec
	PoolActive    *prometheus.GaugeVec
	PoolIdle      *prometheus.GaugeVec
	PoolWaiting   *prometheus.GaugeVec
	BreakerState  *prometheus.GaugeVec
}

// NewMetrics creates and registers all collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "queries_total",
			Help:      "Queries by outcome and cache disposition.",
		}, []string{"outcome", "cached"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fleet",
			Name:      "query_duration_seconds",
			Help:      "End-to-end query latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"cached"}),
		SourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "source_errors_total",
			Help:      "Backend failures by data source and error code.",
		}, []string{"data_source", "code"}),
		CacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "cache_events_total",
			Help:      "Result cache hits, misses, stores, and invalidations.",
		}, []string{"event"}),
		PoolActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleet",
			Name:      "pool_active_connections",
			Help:      "Checked-out connections per data source.",
		}, []string{"data_source"}),
		PoolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleet",
			Name:      "pool_idle_connections",
			Help:      "Idle pooled connections per data source.",
		}, []string{"data_source"}),
		PoolWaiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleet",
			Name:      "pool_waiting_acquirers",
			Help:      "Acquirers queued per data source.",
		}, []string{"data_source"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleet",
			Name:      "breaker_state",
			Help:      "Circuit state per data source: 0 closed, 1 half-open, 2 open.",
		}, []string{"data_source"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.QueriesTotal,
		m.QueryDuration,
		m.SourceErrors,
		m.CacheEvents,
		m.PoolActive,
		m.PoolIdle,
		m.PoolWaiting,
		m.BreakerState,
	)
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetPoolStats updates the pool gauges for one source.
func (m *Metrics) SetPoolStats(dataSourceID string, active, idle, waiting int) {
	m.PoolActive.WithLabelValues(dataSourceID).Set(float64(active))
	m.PoolIdle.WithLabelValues(dataSourceID).Set(float64(idle))
	m.PoolWaiting.WithLabelValues(dataSourceID).Set(float64(waiting))
}

// SetBreakerState updates the breaker gauge for one source.
func (m *Metrics) SetBreakerState(dataSourceID, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.BreakerState.WithLabelValues(dataSourceID).Set(v)
}
