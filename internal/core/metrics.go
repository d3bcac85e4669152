package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. Each engine owns its own
// registry so tests can build engines side by side.
type Metrics struct {
	Registry *prometheus.Registry

	EventsGenerated  *prometheus.CounterVec
	EventsDropped    prometheus.Counter
	DeviceActions    *prometheus.CounterVec
	RunsStarted      prometheus.Counter
	RunsFinished     *prometheus.CounterVec
	StepDuration     *prometheus.HistogramVec
	PendingApprovals prometheus.Gauge
	SnapshotErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socsim",
			Subsystem: "feed",
			Name:      "events_generated_total",
			Help:      "Synthetic events generated, by severity.",
		}, []string{"severity"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "socsim",
			Subsystem: "feed",
			Name:      "events_dropped_total",
			Help:      "Events evicted from the live buffer because it was full.",
		}),
		DeviceActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socsim",
			Subsystem: "edr",
			Name:      "actions_total",
			Help:      "Device response actions attempted, by action and outcome.",
		}, []string{"action", "outcome"}),
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "socsim",
			Subsystem: "soar",
			Name:      "runs_started_total",
			Help:      "Playbook runs started.",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socsim",
			Subsystem: "soar",
			Name:      "runs_finished_total",
			Help:      "Playbook runs finished, by terminal status.",
		}, []string{"status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "socsim",
			Subsystem: "soar",
			Name:      "step_duration_seconds",
			Help:      "Simulated step work duration, by step type.",
			Buckets:   []float64{0.1, 0.5, 0.8, 1, 1.5, 2, 3},
		}, []string{"type"}),
		PendingApprovals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "socsim",
			Subsystem: "soar",
			Name:      "pending_approvals",
			Help:      "Approval steps currently waiting for a decision.",
		}),
		SnapshotErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socsim",
			Name:      "snapshot_errors_total",
			Help:      "Failed snapshot saves, by key.",
		}, []string{"key"}),
	}

	m.Registry.MustRegister(
		m.EventsGenerated,
		m.EventsDropped,
		m.DeviceActions,
		m.RunsStarted,
		m.RunsFinished,
		m.StepDuration,
		m.PendingApprovals,
		m.SnapshotErrors,
	)
	return m
}
