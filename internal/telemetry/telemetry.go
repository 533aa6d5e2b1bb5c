// Package telemetry records fetch, cache and execution metrics. Counters
// are exported through a prometheus registry for external collectors and
// mirrored in an in-process snapshot for the observability API.
package telemetry

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pkhoroshilov/gatherer/config"
)

// Telemetry aggregates metrics for the ingestion pipeline.
type Telemetry struct {
	cfg    config.TelemetryConfig
	logger *log.Logger

	registry     *prometheus.Registry
	fetchTotal   *prometheus.CounterVec
	cacheHits    prometheus.Counter
	cacheMisses  prometheus.Counter
	execSeconds  prometheus.Histogram
	degradedRuns prometheus.Counter
	breakerState *prometheus.GaugeVec

	mu       sync.RWMutex
	snapshot Metrics
}

// SourceMetrics holds per-source counters.
type SourceMetrics struct {
	Requests  int64         `json:"requests"`
	Successes int64         `json:"successes"`
	AvgTime   time.Duration `json:"avg_time"`
}

// Metrics is the in-process snapshot.
type Metrics struct {
	Executions    int64                    `json:"executions"`
	DegradedRuns  int64                    `json:"degraded_runs"`
	AvgExecution  time.Duration            `json:"avg_execution"`
	SourceMetrics map[string]SourceMetrics `json:"source_metrics"`
}

// New creates a telemetry instance with its own prometheus registry.
func New(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		registry: prometheus.NewRegistry(),
		snapshot: Metrics{SourceMetrics: make(map[string]SourceMetrics)},
	}

	t.fetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatherer_fetch_total",
		Help: "Source fetch attempts by terminal status.",
	}, []string{"source", "status"})
	t.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatherer_cache_hits_total",
		Help: "Result cache hits.",
	})
	t.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatherer_cache_misses_total",
		Help: "Result cache misses.",
	})
	t.execSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gatherer_execution_seconds",
		Help:    "Wall-clock duration of plan executions.",
		Buckets: prometheus.DefBuckets,
	})
	t.degradedRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatherer_degraded_runs_total",
		Help: "Executions that finished with at least one failed source.",
	})
	t.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gatherer_breaker_state",
		Help: "Circuit breaker state per source (0 closed, 1 half-open, 2 open).",
	}, []string{"source"})

	t.registry.MustRegister(t.fetchTotal, t.cacheHits, t.cacheMisses, t.execSeconds, t.degradedRuns, t.breakerState)
	return t
}

// RecordFetch records one terminal source task outcome.
func (t *Telemetry) RecordFetch(source, status string, d time.Duration, success bool) {
	t.fetchTotal.WithLabelValues(source, status).Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	sm := t.snapshot.SourceMetrics[source]
	total := sm.AvgTime*time.Duration(sm.Requests) + d
	sm.Requests++
	sm.AvgTime = total / time.Duration(sm.Requests)
	if success {
		sm.Successes++
	}
	t.snapshot.SourceMetrics[source] = sm
}

// RecordCacheHit increments cache hit counters.
func (t *Telemetry) RecordCacheHit() { t.cacheHits.Inc() }

// RecordCacheMiss increments cache miss counters.
func (t *Telemetry) RecordCacheMiss() { t.cacheMisses.Inc() }

// RecordExecution records one completed plan execution.
func (t *Telemetry) RecordExecution(d time.Duration, degraded bool) {
	t.execSeconds.Observe(d.Seconds())
	if degraded {
		t.degradedRuns.Inc()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	total := t.snapshot.AvgExecution*time.Duration(t.snapshot.Executions) + d
	t.snapshot.Executions++
	t.snapshot.AvgExecution = total / time.Duration(t.snapshot.Executions)
	if degraded {
		t.snapshot.DegradedRuns++
	}
}

// SetBreakerState publishes a breaker state gauge value for a source.
func (t *Telemetry) SetBreakerState(source string, state float64) {
	t.breakerState.WithLabelValues(source).Set(state)
}

// Snapshot returns a copy of the in-process metrics.
func (t *Telemetry) Snapshot() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := t.snapshot
	out.SourceMetrics = make(map[string]SourceMetrics, len(t.snapshot.SourceMetrics))
	for k, v := range t.snapshot.SourceMetrics {
		out.SourceMetrics[k] = v
	}
	return out
}

// Handler returns the prometheus scrape handler for this registry.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}
