package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the run engine's Prometheus collectors.
//
// Collectors are registered with the registerer passed to NewMetrics so tests
// can use an isolated prometheus.NewRegistry().
type Metrics struct {
	// Steps counts model invocations.
	Steps prometheus.Counter

	// StreamDeltas counts inbound deltas.
	// Labels: kind (content|tool_call|finish|usage)
	StreamDeltas *prometheus.CounterVec

	// ToolExecutions counts tool executions.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// ToolActivations counts JIT activations.
	// Labels: tool, outcome (success or an activation error kind)
	ToolActivations *prometheus.CounterVec

	// ToolActivationDuration measures activation latency in seconds.
	ToolActivationDuration prometheus.Histogram

	// MessagesCommitted counts persisted messages.
	// Labels: type
	MessagesCommitted *prometheus.CounterVec

	// LeaseEvents counts lease lifecycle events.
	// Labels: event (acquired|held|renewed|lost|released)
	LeaseEvents *prometheus.CounterVec

	// Runs counts finished runs.
	// Labels: status
	Runs *prometheus.CounterVec

	// UsageFallbacks counts usage records written through the fallback store.
	UsageFallbacks prometheus.Counter
}

// NewMetrics creates and registers all collectors with reg. A nil reg uses
// the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Steps: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentrun_steps_total",
			Help: "Total number of model invocations",
		}),

		StreamDeltas: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_stream_deltas_total",
				Help: "Total number of inbound stream deltas by kind",
			},
			[]string{"kind"},
		),

		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentrun_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		ToolActivations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_tool_activations_total",
				Help: "Total number of tool activations by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),

		ToolActivationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentrun_tool_activation_duration_seconds",
			Help:    "Duration of tool activations in seconds",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
		}),

		MessagesCommitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_messages_committed_total",
				Help: "Total number of committed messages by type",
			},
			[]string{"type"},
		),

		LeaseEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_lease_events_total",
				Help: "Total number of ownership lease events",
			},
			[]string{"event"},
		),

		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_runs_total",
				Help: "Total number of finished runs by status",
			},
			[]string{"status"},
		),

		UsageFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentrun_usage_fallbacks_total",
			Help: "Usage records written through the fallback store",
		}),
	}
}

// RecordToolExecution records one tool execution.
func (m *Metrics) RecordToolExecution(tool string, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordActivation records one activation attempt.
func (m *Metrics) RecordActivation(tool, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolActivations.WithLabelValues(tool, outcome).Inc()
	m.ToolActivationDuration.Observe(durationSeconds)
}

// RecordDelta counts one inbound delta of the given kind.
func (m *Metrics) RecordDelta(kind string) {
	if m == nil {
		return
	}
	m.StreamDeltas.WithLabelValues(kind).Inc()
}

// RecordStep counts one model invocation.
func (m *Metrics) RecordStep() {
	if m == nil {
		return
	}
	m.Steps.Inc()
}

// RecordCommit counts one committed message.
func (m *Metrics) RecordCommit(messageType string) {
	if m == nil {
		return
	}
	m.MessagesCommitted.WithLabelValues(messageType).Inc()
}

// RecordLease counts one lease event.
func (m *Metrics) RecordLease(event string) {
	if m == nil {
		return
	}
	m.LeaseEvents.WithLabelValues(event).Inc()
}

// RecordRun counts one finished run.
func (m *Metrics) RecordRun(status string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(status).Inc()
}

// RecordUsageFallback counts one usage record diverted to the fallback store.
func (m *Metrics) RecordUsageFallback() {
	if m == nil {
		return
	}
	m.UsageFallbacks.Inc()
}
