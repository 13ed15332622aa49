// Package metrics exposes Prometheus collectors for the sim service.
//
// Collectors never carry session ids as labels; per-session detail belongs
// in the event log.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/louisbranch/wardsim/internal/services/sim/domain/statelock"
)

const namespace = "wardsim"

// Intent outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomePolicy    = "policy_rejected"
	OutcomeInvalid   = "invalid_transition"
	OutcomeBusy      = "lock_busy"
	OutcomeMalformed = "validation_failed"
)

// Metrics groups the service collectors.
type Metrics struct {
	registry *prometheus.Registry

	LockWait        prometheus.Histogram
	LockHold        prometheus.Histogram
	Intents         *prometheus.CounterVec
	BudgetLatches   *prometheus.CounterVec
	PersistWrites   *prometheus.CounterVec
	HydrationIssues *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	Broadcasts      *prometheus.CounterVec
}

// New registers every collector on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "statelock",
			Name:      "wait_seconds",
			Help:      "Time spent queued for a session lock.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		LockHold: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "statelock",
			Name:      "hold_seconds",
			Help:      "Time a session lock was held.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		Intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_total",
			Help:      "Intents processed by kind, source, and outcome.",
		}, []string{"kind", "source", "outcome"}),
		BudgetLatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_latches_total",
			Help:      "Sessions that latched a budget level.",
		}, []string{"level"}),
		PersistWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_writes_total",
			Help:      "Persist calls by result.",
		}, []string{"result"}),
		HydrationIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hydration_issues_total",
			Help:      "Consistency anomalies found while hydrating sessions.",
		}, []string{"code"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently held in memory.",
		}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Outbound sim_state broadcasts by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.LockWait, m.LockHold, m.Intents, m.BudgetLatches, m.PersistWrites,
		m.HydrationIssues, m.ActiveSessions, m.Broadcasts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// LockObserver feeds statelock timings into the histograms.
func (m *Metrics) LockObserver() statelock.Observer {
	return statelock.Observer{
		Waited: func(_ string, wait time.Duration) { m.LockWait.Observe(wait.Seconds()) },
		Held:   func(_ string, hold time.Duration) { m.LockHold.Observe(hold.Seconds()) },
	}
}

// ObserveIntent counts one processed intent.
func (m *Metrics) ObserveIntent(kind, source, outcome string) {
	if m == nil {
		return
	}
	m.Intents.WithLabelValues(kind, source, outcome).Inc()
}

// ObservePersist counts one persist call.
func (m *Metrics) ObservePersist(result string) {
	if m == nil {
		return
	}
	m.PersistWrites.WithLabelValues(result).Inc()
}

// ObserveBudgetLatch counts one latch transition.
func (m *Metrics) ObserveBudgetLatch(level string) {
	if m == nil {
		return
	}
	m.BudgetLatches.WithLabelValues(level).Inc()
}

// ObserveHydrationIssue counts one hydration anomaly.
func (m *Metrics) ObserveHydrationIssue(code string) {
	if m == nil {
		return
	}
	m.HydrationIssues.WithLabelValues(code).Inc()
}

// SetActiveSessions reports the in-memory session count.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// ObserveBroadcast counts one outbound snapshot.
func (m *Metrics) ObserveBroadcast(result string) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(result).Inc()
}
