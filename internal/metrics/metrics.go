// Package metrics holds the Prometheus collectors for the question pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signalbox"

// Metrics groups every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	stageSeconds  *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
	cacheWrites   *prometheus.CounterVec
	diagnosis     *prometheus.CounterVec
	journal       *prometheus.CounterVec
	activeRuns    prometheus.Gauge
	activeSession prometheus.Gauge
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by terminal outcome.",
		}, []string{"outcome"}),
		stageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Collaborator latency per pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"stage"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result (hit, miss, inactive, error).",
		}, []string{"result"}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Cache write attempts by result (created, existing, below_threshold, stale_entry, error).",
		}, []string{"result"}),
		diagnosis: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnosis_attempts_total",
			Help:      "Diagnosis attempts by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		journal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_entries_total",
			Help:      "Journal appends by result (written, dropped, failed).",
		}, []string{"result"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs currently in flight.",
		}),
		activeSession: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently registered.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs, m.stageSeconds, m.cacheLookups, m.cacheWrites,
		m.diagnosis, m.journal, m.activeRuns, m.activeSession,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheWrite(result string) {
	if m == nil {
		return
	}
	m.cacheWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) DiagnosisAttempt(trigger, outcome string) {
	if m == nil {
		return
	}
	m.diagnosis.WithLabelValues(trigger, outcome).Inc()
}

func (m *Metrics) JournalEntry(result string) {
	if m == nil {
		return
	}
	m.journal.WithLabelValues(result).Inc()
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) RunEnded() {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.activeSession.Set(float64(n))
}
