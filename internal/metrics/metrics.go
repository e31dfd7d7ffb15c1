// Package metrics registers the bridge's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admissions counts submissions per surface and admission outcome.
	Admissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_admissions_total",
			Help: "Task submissions by surface and admission outcome",
		},
		[]string{"surface", "outcome"}, // outcome: admitted, rejected
	)

	// TasksCompleted counts terminal records by status.
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_tasks_completed_total",
			Help: "Terminal task records by status",
		},
		[]string{"status"},
	)

	// TaskDuration observes executor-reported task durations.
	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bridge_task_duration_ms",
			Help:    "Executor-reported task duration in milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2.5, 10),
		},
	)

	// RateLimited counts quota rejections by scope.
	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_rate_limited_total",
			Help: "Free-tier quota rejections by scope",
		},
		[]string{"scope"},
	)

	// EscrowValidations counts escrow funding checks by result.
	EscrowValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_escrow_validations_total",
			Help: "Escrow funding checks by result",
		},
		[]string{"result"}, // result: valid, invalid, error
	)

	// WSConnections gauges currently connected WebSocket peers.
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_ws_connections",
			Help: "Currently connected WebSocket peers",
		},
	)
)
