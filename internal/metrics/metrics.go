package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowRounds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_workflow_rounds_total",
			Help: "Total number of workflow rounds executed",
		},
		[]string{"kind"}, // tool_calls | text_only
	)

	WorkflowStops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_workflow_stops_total",
			Help: "Total number of workflow terminations by reason",
		},
		[]string{"reason"},
	)

	WorkflowRoundDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_workflow_round_duration_seconds",
			Help:    "Duration of one workflow round including tool execution",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Tool dispatch metrics
	ToolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_tool_executions_total",
			Help: "Total number of tool executions",
		},
		[]string{"tool", "status"}, // status: ok | error | unauthorized | invalid
	)

	ToolExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_tool_execution_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	SerialQueueWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_tool_serial_queue_wait_seconds",
			Help:    "Time spent waiting behind the per-tool serial queue",
			Buckets: []float64{.001, .01, .1, .5, 1, 5, 30},
		},
		[]string{"tool"},
	)

	// Authorization guard metrics
	GuardDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_guard_decisions_total",
			Help: "Authorization guard verdicts by layer and outcome",
		},
		[]string{"layer", "outcome"},
	)

	GrantsIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_grants_issued_total",
			Help: "Total number of authorization grants issued",
		},
	)

	GrantsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_grants_expired_total",
			Help: "Total number of authorization grants removed after expiry",
		},
	)

	// Guidance metrics
	GuidanceDirectives = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_guidance_directives_total",
			Help: "Continuation guidance directives by matrix variant",
		},
		[]string{"variant"},
	)

	GuidanceEscalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_guidance_escalations_total",
			Help: "Graduated intervention escalations by severity level",
		},
		[]string{"level"},
	)

	// Task list metrics
	TaskListWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_tasklist_writes_total",
			Help: "Task list write attempts by outcome",
		},
		[]string{"operation", "outcome"}, // outcome: ok | rejected
	)

	// PTY session metrics
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_pty_sessions_active",
			Help: "Number of live PTY sessions",
		},
	)

	SessionsRecycled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_pty_sessions_recycled_total",
			Help: "Sessions torn down because the working directory changed",
		},
	)

	// Approval metrics
	ApprovalsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_approvals_pending",
			Help: "Number of approval requests waiting on a human response",
		},
	)

	ApprovalOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_approval_outcomes_total",
			Help: "Resolved approval requests by outcome",
		},
		[]string{"outcome"}, // approved | denied | canceled
	)
)
