// Package metrics exposes Prometheus collectors for the orchestrator loops.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the orchestrator's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	EvaluationsTotal  *prometheus.CounterVec
	BuildsTotal       *prometheus.CounterVec
	ScansTotal        *prometheus.CounterVec
	CachePushRetries  prometheus.Counter
	CachePushFailures prometheus.Counter
	ReclaimedTotal    prometheus.Counter
	ClaimConflicts    prometheus.Counter
	QueueDepth        prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_evaluations_total",
			Help: "Derivation evaluations by result.",
		}, []string{"result"}),
		BuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_builds_total",
			Help: "Derivation builds by result.",
		}, []string{"result"}),
		ScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_scans_total",
			Help: "Vulnerability scans by result.",
		}, []string{"result"}),
		CachePushRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_cache_push_retries_total",
			Help: "Cache push attempts that failed and were retried.",
		}),
		CachePushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_cache_push_failures_total",
			Help: "Cache pushes abandoned after exhausting retries.",
		}),
		ReclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_reclaimed_derivations_total",
			Help: "Stuck derivations reset to pending by the reclaimer.",
		}),
		ClaimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_claim_conflicts_total",
			Help: "Transitions skipped because another worker claimed the row.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_build_queue_depth",
			Help: "Derivations planned in the last build poll.",
		}),
	}

	registry.MustRegister(
		m.EvaluationsTotal,
		m.BuildsTotal,
		m.ScansTotal,
		m.CachePushRetries,
		m.CachePushFailures,
		m.ReclaimedTotal,
		m.ClaimConflicts,
		m.QueueDepth,
	)

	return m
}

// Registry returns the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
