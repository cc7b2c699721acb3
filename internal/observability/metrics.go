// Package observability exposes Prometheus metrics for the runtime.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the runtime's instrumentation. All methods are
// safe for concurrent use; a nil *Metrics is inert.
type Metrics struct {
	registry *prometheus.Registry

	toolExecutions *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	messages       *prometheus.CounterVec
	connections    prometheus.Gauge
	approvals      *prometheus.CounterVec
	llmCost        prometheus.Counter
	agentRuns      *prometheus.CounterVec
}

// New creates a metrics set on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		toolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_tool_executions_total",
			Help: "Tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_tool_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"tool"}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_gateway_messages_total",
			Help: "Gateway messages by type and direction.",
		}, []string{"type", "direction"}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_gateway_connections",
			Help: "Connected gateway clients.",
		}),
		approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_approvals_total",
			Help: "Approval requests by outcome.",
		}, []string{"outcome"}),
		llmCost: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_llm_cost_usd_total",
			Help: "Estimated LLM spend in USD.",
		}),
		agentRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_agent_runs_total",
			Help: "Agent loop runs by stop reason.",
		}, []string{"stop_reason"}),
	}
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ToolExecuted satisfies the executor's metrics hook.
func (m *Metrics) ToolExecuted(tool, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.toolExecutions.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(seconds)
}

// Message counts one gateway message.
func (m *Metrics) Message(msgType, direction string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(msgType, direction).Inc()
}

// ClientConnected adjusts the connection gauge.
func (m *Metrics) ClientConnected(delta int) {
	if m == nil {
		return
	}
	m.connections.Add(float64(delta))
}

// ApprovalResolved counts one approval outcome.
func (m *Metrics) ApprovalResolved(outcome string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(outcome).Inc()
}

// AddLLMCost accumulates estimated spend.
func (m *Metrics) AddLLMCost(usd float64) {
	if m == nil {
		return
	}
	m.llmCost.Add(usd)
}

// AgentRunFinished counts one agent loop completion.
func (m *Metrics) AgentRunFinished(stopReason string) {
	if m == nil {
		return
	}
	m.agentRuns.WithLabelValues(stopReason).Inc()
}
