package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the bridge's Prometheus collectors.
type Metrics struct {
	// RPCDuration measures JSON-RPC round trips to the tool server.
	// Labels: method, status (ok|remote_error|transport_error|canceled)
	RPCDuration *prometheus.HistogramVec

	// RPCPendingRequests is the size of the pending request table.
	RPCPendingRequests prometheus.Gauge

	// ToolCalls counts dispatched tool calls.
	// Labels: tool, status (ok|error|denied|invalid|timeout|canceled)
	ToolCalls *prometheus.CounterVec

	// ToolDuration measures tool call latency, admission wait included.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// PolicyDecisions counts guardrail verdicts.
	// Labels: decision (permit|deny), reason
	PolicyDecisions *prometheus.CounterVec

	// AdmissionWait measures time spent queued for an origin slot.
	AdmissionWait prometheus.Histogram

	// AdmissionInUse and AdmissionWaiting track per-origin occupancy.
	// Labels: origin
	AdmissionInUse   *prometheus.GaugeVec
	AdmissionWaiting *prometheus.GaugeVec

	// Runs counts finished agent runs.
	// Labels: mode (chat|stream), outcome (DONE|LIMITED|FAILED)
	Runs *prometheus.CounterVec

	// RunSteps observes the number of tool steps per run.
	RunSteps prometheus.Histogram

	// LLMRequestDuration measures model completions.
	// Labels: provider, model, status
	LLMRequestDuration *prometheus.HistogramVec

	// HTTPRequestDuration measures gateway requests.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// Errors counts failures by component and kind.
	Errors *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg uses the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		RPCDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpbridge_rpc_duration_seconds",
			Help:    "Duration of JSON-RPC requests to the tool server",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"method", "status"}),

		RPCPendingRequests: f.NewGauge(prometheus.GaugeOpts{
			Name: "mcpbridge_rpc_pending_requests",
			Help: "JSON-RPC requests awaiting a response",
		}),

		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpbridge_tool_calls_total",
			Help: "Tool calls by tool and status",
		}, []string{"tool", "status"}),

		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpbridge_tool_call_duration_seconds",
			Help:    "Duration of tool calls in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"tool"}),

		PolicyDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpbridge_policy_decisions_total",
			Help: "Guardrail decisions by verdict and reason",
		}, []string{"decision", "reason"}),

		AdmissionWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mcpbridge_admission_wait_seconds",
			Help:    "Time spent waiting for a per-origin concurrency slot",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		}),

		AdmissionInUse: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcpbridge_admission_in_use",
			Help: "Slots held per origin",
		}, []string{"origin"}),

		AdmissionWaiting: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcpbridge_admission_waiting",
			Help: "Callers queued per origin",
		}, []string{"origin"}),

		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpbridge_runs_total",
			Help: "Agent runs by mode and outcome",
		}, []string{"mode", "outcome"}),

		RunSteps: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mcpbridge_run_steps",
			Help:    "Tool steps taken per agent run",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		}),

		LLMRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpbridge_llm_request_duration_seconds",
			Help:    "Duration of model completion requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model", "status"}),

		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpbridge_http_request_duration_seconds",
			Help:    "Duration of gateway HTTP requests",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path", "status_code"}),

		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpbridge_errors_total",
			Help: "Errors by component and kind",
		}, []string{"component", "kind"}),
	}
}

// RPCCompleted implements mcp.Observer.
func (m *Metrics) RPCCompleted(method, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RPCDuration.WithLabelValues(method, status).Observe(elapsed.Seconds())
}

// RPCPending implements mcp.Observer.
func (m *Metrics) RPCPending(n int) {
	if m == nil {
		return
	}
	m.RPCPendingRequests.Set(float64(n))
}

// AdmissionWaited implements admission.Observer.
func (m *Metrics) AdmissionWaited(_ string, d time.Duration) {
	if m == nil {
		return
	}
	m.AdmissionWait.Observe(d.Seconds())
}

// AdmissionGauge implements admission.Observer. Idle origins are removed
// from the gauges so the label set stays bounded by active origins.
func (m *Metrics) AdmissionGauge(origin string, inUse, waiting int) {
	if m == nil {
		return
	}
	if inUse == 0 && waiting == 0 {
		m.AdmissionInUse.DeleteLabelValues(origin)
		m.AdmissionWaiting.DeleteLabelValues(origin)
		return
	}
	m.AdmissionInUse.WithLabelValues(origin).Set(float64(inUse))
	m.AdmissionWaiting.WithLabelValues(origin).Set(float64(waiting))
}

// PolicyDecision implements guardrails.DecisionObserver.
func (m *Metrics) PolicyDecision(decision, reason string) {
	if m == nil {
		return
	}
	m.PolicyDecisions.WithLabelValues(decision, reason).Inc()
}

// ToolCall records a dispatched tool call.
func (m *Metrics) ToolCall(tool, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// RunFinished records a finished agent run.
func (m *Metrics) RunFinished(mode, outcome string, steps int) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(mode, outcome).Inc()
	m.RunSteps.Observe(float64(steps))
}

// LLMRequest records a model completion.
func (m *Metrics) LLMRequest(provider, model, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.LLMRequestDuration.WithLabelValues(provider, model, status).Observe(elapsed.Seconds())
}

// HTTPRequest records a gateway request.
func (m *Metrics) HTTPRequest(method, path, statusCode string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(elapsed.Seconds())
}

// RecordError counts an error.
func (m *Metrics) RecordError(component, kind string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component, kind).Inc()
}
