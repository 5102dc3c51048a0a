// Package metrics declares the Prometheus collectors exported by arbiter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GateEvaluations counts Stage-1 gate evaluations by result (proceed/skip).
	GateEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_gate_evaluations_total",
		Help: "Stage-1 gate evaluations by result",
	}, []string{"result"})

	// GateScore tracks the distribution of Stage-1 scores.
	GateScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arbiter_gate_score",
		Help:    "Stage-1 gate aggregate score",
		Buckets: prometheus.LinearBuckets(0, 1, 9),
	})

	// Decisions counts audit-log decisions by type and outcome.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_decisions_total",
		Help: "Decisions appended to the audit log by type and outcome",
	}, []string{"type", "outcome"})

	// CircuitTransitions counts breaker transitions by target state.
	CircuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_circuit_transitions_total",
		Help: "Circuit breaker transitions by target state",
	}, []string{"state"})

	// CircuitRejections counts checks denied by an open breaker.
	CircuitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbiter_circuit_rejections_total",
		Help: "Circuit checks that denied the call",
	})

	// RetryAttempts counts failed attempts by error class.
	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_retry_attempt_failures_total",
		Help: "Failed operation attempts by error class",
	}, []string{"class"})

	// RecoveryResults counts final retry results by reason code.
	RecoveryResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_recovery_results_total",
		Help: "Retry orchestrator results by reason",
	}, []string{"reason"})

	// RetryBackoff tracks computed backoff delays.
	RetryBackoff = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arbiter_retry_backoff_seconds",
		Help:    "Backoff delay before a retry attempt",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
	})

	// WeightAdaptations counts adapter runs by direction (up/down/unchanged/skipped).
	WeightAdaptations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_weight_adaptations_total",
		Help: "Weight adapter runs by direction",
	}, []string{"direction"})

	// MinConfidence reports the current adapted confidence threshold.
	MinConfidence = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbiter_min_confidence",
		Help: "Adapted routing confidence threshold",
	})

	// OutcomesRecorded counts recorded task outcomes by pattern and result.
	OutcomesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_outcomes_recorded_total",
		Help: "Task outcomes recorded by pattern and result",
	}, []string{"pattern", "result"})

	// JobRuns counts scheduler job runs by job and status.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_scheduler_job_runs_total",
		Help: "Scheduled job runs by job name and status",
	}, []string{"job", "status"})
)
