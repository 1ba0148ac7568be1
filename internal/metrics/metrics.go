// Package metrics exposes Prometheus collectors for the cache and the sync
// engine. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clipsync"

// Sync cycle results.
const (
	CycleOK      = "ok"
	CycleError   = "error"
	CycleOffline = "offline"
)

// Operation outcomes.
const (
	OpAcked     = "acked"
	OpRetried   = "retried"
	OpAbandoned = "abandoned"
	OpRejected  = "rejected"
	OpConflict  = "conflict"
	OpQueued    = "queued"
	OpDirect    = "direct"
)

// Cache read results.
const (
	ReadFresh   = "fresh"
	ReadNetwork = "network"
	ReadStale   = "stale"
	ReadMiss    = "miss"
)

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	syncCycles   *prometheus.CounterVec
	syncDuration prometheus.Histogram
	operations   *prometheus.CounterVec
	pending      prometheus.Gauge
	cacheReads   *prometheus.CounterVec
	online       prometheus.Gauge
	purged       prometheus.Counter
}

// New creates and registers the collectors, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_cycles_total",
				Help:      "Total number of sync cycles by result",
			},
			[]string{"result"},
		),
		syncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_cycle_duration_ms",
				Help:      "Duration of sync cycles in milliseconds",
				Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000},
			},
		),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Queued operations by target and outcome",
			},
			[]string{"target", "outcome"},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_operations",
				Help:      "Operations waiting in the queue",
			},
		),
		cacheReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_reads_total",
				Help:      "Facade reads by entity type and how they were served",
			},
			[]string{"entity_type", "result"},
		),
		online: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "online",
				Help:      "1 when the Clipper API is reachable",
			},
		),
		purged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_purged_total",
				Help:      "Cache entries removed by the janitor",
			},
		),
	}

	m.registry.MustRegister(
		m.syncCycles, m.syncDuration, m.operations, m.pending, m.cacheReads, m.online, m.purged,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSync records one sync cycle.
func (m *Metrics) ObserveSync(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncCycles.WithLabelValues(result).Inc()
	if result != CycleOffline {
		m.syncDuration.Observe(float64(d.Milliseconds()))
	}
}

// ObserveOperation records what happened to one operation.
func (m *Metrics) ObserveOperation(target, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(target, outcome).Inc()
}

// SetPending records the queue length.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// ObserveCacheRead records how a facade read was served.
func (m *Metrics) ObserveCacheRead(entityType, result string) {
	if m == nil {
		return
	}
	m.cacheReads.WithLabelValues(entityType, result).Inc()
}

// SetOnline records connectivity.
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}

// AddPurged records entries removed from the cache.
func (m *Metrics) AddPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}
