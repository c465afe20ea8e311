// Package metrics provides Prometheus metrics for the case-note workflow.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkflowMetrics counts guarded transitions and sweep activity.
type WorkflowMetrics struct {
	TransitionsTotal   *prometheus.CounterVec   // entity, transition, outcome
	TransitionDuration *prometheus.HistogramVec // entity, transition
	SweepMarkedTotal   *prometheus.CounterVec   // mark: overdue, escalated
	SweepRunsTotal     *prometheus.CounterVec   // status: success, error
}

// NewWorkflowMetrics creates and registers the workflow metrics.
func NewWorkflowMetrics(registry prometheus.Registerer) (*WorkflowMetrics, error) {
	m := &WorkflowMetrics{
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casenote_transitions_total",
				Help: "Guarded workflow transitions by entity, transition and outcome",
			},
			[]string{"entity", "transition", "outcome"}, // outcome: ok or an error kind
		),
		TransitionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "casenote_transition_duration_seconds",
				Help:    "Time spent in a workflow transition including its transaction",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"entity", "transition"},
		),
		SweepMarkedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casenote_handover_sweep_marked_total",
				Help: "Handovers marked by the overdue sweep",
			},
			[]string{"mark"},
		),
		SweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casenote_handover_sweep_runs_total",
				Help: "Overdue sweep runs by status",
			},
			[]string{"status"},
		),
	}

	for _, c := range []prometheus.Collector{m.TransitionsTotal, m.TransitionDuration, m.SweepMarkedTotal, m.SweepRunsTotal} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register workflow metrics: %w", err)
		}
	}
	return m, nil
}

// ObserveTransition records one transition attempt. A nil receiver is a
// no-op so services can run without metrics.
func (m *WorkflowMetrics) ObserveTransition(entity, transition, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(entity, transition, outcome).Inc()
	m.TransitionDuration.WithLabelValues(entity, transition).Observe(time.Since(started).Seconds())
}

// ObserveSweep records a sweep run and how many handovers it marked.
func (m *WorkflowMetrics) ObserveSweep(overdue, escalated int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SweepRunsTotal.WithLabelValues("error").Inc()
		return
	}
	m.SweepRunsTotal.WithLabelValues("success").Inc()
	m.SweepMarkedTotal.WithLabelValues("overdue").Add(float64(overdue))
	m.SweepMarkedTotal.WithLabelValues("escalated").Add(float64(escalated))
}
