package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/faceblur/orchestrator/internal/model"
)

var (
	// Counters
	ExecutionsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faceblur_executions_started_total",
			Help: "Total number of workflow executions started",
		},
		[]string{"trigger"}, // submit, start, event
	)

	ExecutionsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faceblur_executions_completed_total",
			Help: "Total number of executions that reached a terminal state",
		},
		[]string{"outcome"},
	)

	StatusChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faceblur_status_checks_total",
			Help: "Total number of detection job status observations",
		},
		[]string{"status"},
	)

	StepRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faceblur_step_retries_total",
			Help: "Total number of retryable task errors returned to the queue",
		},
		[]string{"state"},
	)

	EventsIgnoredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "faceblur_events_ignored_total",
			Help: "Total number of object-created records that did not start an execution",
		},
	)

	// Gauges
	ExecutionsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "faceblur_executions_in_flight",
			Help: "Executions started by this process that have not reached a terminal state",
		},
	)

	// Buckets: 5s to ~21m, past the 15 minute deadline
	ExecutionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faceblur_execution_duration_seconds",
			Help:    "Time from checking start to terminal state",
			Buckets: prometheus.ExponentialBuckets(5, 2, 9),
		},
		[]string{"outcome"},
	)
)

// ObserveTerminal records a finished execution
func ObserveTerminal(exec *model.Execution) {
	outcome := string(exec.Outcome)
	ExecutionsCompletedTotal.WithLabelValues(outcome).Inc()
	ExecutionsInFlight.Dec()

	if exec.CheckingStartedAt != nil && exec.CompletedAt != nil {
		ExecutionDurationSeconds.WithLabelValues(outcome).
			Observe(exec.CompletedAt.Sub(*exec.CheckingStartedAt).Seconds())
	}
}
