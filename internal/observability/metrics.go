package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the runtime's Prometheus series.
type Metrics struct {
	// ExecutionCounter counts agent executions.
	// Labels: tenant, status (ok|error)
	ExecutionCounter *prometheus.CounterVec

	// ExecutionDuration measures end-to-end execution latency.
	// Labels: tenant
	ExecutionDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokens tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokens *prometheus.CounterVec

	// ToolCallCounter counts tool invocations.
	// Labels: tool, status (success|error|denied)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures proxied tool latency.
	// Labels: tool
	ToolCallDuration *prometheus.HistogramVec

	// BudgetDenials counts hard-limit refusals by tenant.
	BudgetDenials *prometheus.CounterVec

	// TracesSaved counts persisted traces.
	// Labels: tenant, status (ok|error|dropped)
	TracesSaved *prometheus.CounterVec
}

// NewMetrics registers the runtime's metrics with the default
// registerer.
func NewMetrics() *Metrics {
	return newMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers against an explicit registerer. Tests use
// this to avoid collisions on the default registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	return newMetricsWith(reg)
}

func newMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_executions_total",
			Help: "Agent executions by tenant and status.",
		}, []string{"tenant", "status"}),
		ExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_execution_duration_seconds",
			Help:    "End-to-end agent execution latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"tenant"}),
		LLMRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_llm_requests_total",
			Help: "Model calls by provider, model, and status.",
		}, []string{"provider", "model", "status"}),
		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_llm_tokens_total",
			Help: "Token consumption by provider, model, and type.",
		}, []string{"provider", "model", "type"}),
		ToolCallCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_tool_calls_total",
			Help: "Tool invocations by tool and status.",
		}, []string{"tool", "status"}),
		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_tool_call_duration_seconds",
			Help:    "Proxied tool call latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		BudgetDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_budget_denials_total",
			Help: "Hard budget-limit refusals by tenant.",
		}, []string{"tenant"}),
		TracesSaved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_traces_saved_total",
			Help: "Trace persistence outcomes by tenant and status.",
		}, []string{"tenant", "status"}),
	}
}

// RecordLLM records one model call's outcome and token usage.
func (m *Metrics) RecordLLM(provider, model, status string, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	m.LLMTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// RecordTool records one tool call's outcome.
func (m *Metrics) RecordTool(tool, status string, durationSeconds float64) {
	m.ToolCallCounter.WithLabelValues(tool, status).Inc()
	if status != "denied" {
		m.ToolCallDuration.WithLabelValues(tool).Observe(durationSeconds)
	}
}
