package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HandlesAcquired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docvm_handles_acquired_total",
			Help: "Engine value handles acquired through a tracker",
		},
		[]string{"owner"},
	)

	HandlesReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docvm_handles_released_total",
			Help: "Engine value handles released through a tracker",
		},
		[]string{"owner"},
	)

	ScriptExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docvm_script_executions_total",
			Help: "Script executions by outcome",
		},
		[]string{"status"},
	)

	ScriptDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docvm_script_duration_seconds",
			Help:    "Script execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CallbackInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docvm_callback_invocations_total",
			Help: "Host callable invocations by outcome",
		},
		[]string{"status"},
	)
)

// Outcome labels shared by the execution and callback counters.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusAborted = "aborted"
)
