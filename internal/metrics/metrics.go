// Package metrics holds the Prometheus collectors for the presence engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "presence"

type Metrics struct {
	ActivityEvents      *prometheus.CounterVec
	ImplicitResumes     prometheus.Counter
	SessionsEnded       *prometheus.CounterVec
	SweepRows           *prometheus.CounterVec
	SweepFailures       *prometheus.CounterVec
	LiveConnections     prometheus.Gauge
	SummaryRecomputes   *prometheus.CounterVec
	InvariantViolations *prometheus.CounterVec
	RetentionDeleted    *prometheus.CounterVec
}

// New builds the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActivityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_events_total",
			Help:      "Activity events processed by the session engine, by result.",
		}, []string{"result"}),
		ImplicitResumes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "implicit_resumes_total",
			Help:      "Activity events that closed an idle gap longer than the pause threshold.",
		}),
		SessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Real-time sessions ended, by reason.",
		}, []string{"reason"}),
		SweepRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_rows_total",
			Help:      "Rows transitioned by the timeout sweeps.",
		}, []string{"sweep"}),
		SweepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_failures_total",
			Help:      "Sweep ticks that hit a store error.",
		}, []string{"sweep"}),
		LiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Bound websocket connections on this instance.",
		}),
		SummaryRecomputes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_recomputes_total",
			Help:      "Daily summary recomputations, by result.",
		}, []string{"result"}),
		InvariantViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Rows found in a tolerated inconsistent state, by kind.",
		}, []string{"kind"}),
		RetentionDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_rows_total",
			Help:      "Rows removed by retention cleanup, by table.",
		}, []string{"table"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ActivityEvents,
			m.ImplicitResumes,
			m.SessionsEnded,
			m.SweepRows,
			m.SweepFailures,
			m.LiveConnections,
			m.SummaryRecomputes,
			m.InvariantViolations,
			m.RetentionDeleted,
		)
	}
	return m
}
