package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/mcpbridge/internal/admission"
	"github.com/haasonsaas/mcpbridge/internal/guardrails"
	"github.com/haasonsaas/mcpbridge/internal/mcp"
	"github.com/haasonsaas/mcpbridge/internal/net/origins"
	"github.com/haasonsaas/mcpbridge/internal/observability"
)

// ToolServer is the remote tool process as seen by the dispatcher.
// *mcp.Client implements it.
type ToolServer interface {
	Tools() []*mcp.MCPTool
	ValidateArguments(name string, args map[string]any) error
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolCallResult, error)
}

// RobotsChecker rejects URL arguments disallowed by robots.txt.
// *robots.Checker implements it.
type RobotsChecker interface {
	CheckArgs(ctx context.Context, args map[string]any) error
}

// Invocation is one tool call to dispatch.
type Invocation struct {
	Tool string
	Args map[string]any
	// Step is the 1-based step within the run, 0 for direct calls.
	Step int
}

// DispatchResult is the outcome of a permitted call.
type DispatchResult struct {
	Result  *mcp.ToolCallResult
	Content string
	Origins []string
	Elapsed time.Duration
}

// Dispatcher runs a single tool call through validation, policy, robots,
// admission and the RPC channel.
type Dispatcher struct {
	tools     ToolServer
	engine    *guardrails.Engine
	admission *admission.Controller
	robots    RobotsChecker
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRobots enables robots.txt checks when the policy asks for them.
func WithRobots(r RobotsChecker) DispatcherOption {
	return func(d *Dispatcher) { d.robots = r }
}

// WithDispatchMetrics records tool call metrics.
func WithDispatchMetrics(m *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDispatchTracer opens a tool.call span per dispatch.
func WithDispatchTracer(t *observability.Tracer) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithDispatchLogger sets the logger.
func WithDispatchLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(tools ToolServer, engine *guardrails.Engine, ctrl *admission.Controller, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		tools:     tools,
		engine:    engine,
		admission: ctrl,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	return d
}

// Tools returns the remote tool list.
func (d *Dispatcher) Tools() []*mcp.MCPTool {
	return d.tools.Tools()
}

// Policy returns the current policy snapshot.
func (d *Dispatcher) Policy() guardrails.Policy {
	return d.engine.Store().Snapshot()
}

// Dispatch executes inv against a single policy snapshot:
//
//  1. the tool must exist and its arguments must match its input schema
//  2. policy evaluation with the caller's usage, with robots.txt consulted
//     only after every policy check passes and before the call is committed
//  3. admission tickets for every referenced origin
//  4. the remote call, bounded by the step timeout
//
// Tickets are released before the outcome is inspected. The step timeout
// covers only the remote call, not the admission wait.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation, usage guardrails.Usage) (*DispatchResult, error) {
	ctx, span := d.tracer.TraceToolCall(ctx, inv.Tool, inv.Step)
	defer span.End()

	res, status, err := d.dispatch(ctx, inv, usage)
	if err != nil {
		observability.RecordError(span, err)
		d.metrics.RecordError("dispatcher", Classify(err))
	}
	var elapsed time.Duration
	if res != nil {
		elapsed = res.Elapsed
	}
	d.metrics.ToolCall(inv.Tool, status, elapsed)
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, inv Invocation, usage guardrails.Usage) (*DispatchResult, string, error) {
	if err := d.tools.ValidateArguments(inv.Tool, inv.Args); err != nil {
		return nil, "invalid", classifyValidation(inv.Tool, err)
	}

	policy := d.engine.Store().Snapshot()
	call := guardrails.Call{Tool: inv.Tool, Args: inv.Args, Usage: usage}
	if policy.Enabled && policy.RespectRobotsTxt && d.robots != nil {
		// robots.txt is fetched only for calls the policy would permit.
		if err := d.engine.Precheck(policy, call); err != nil {
			return nil, "denied", err
		}
		if err := d.robots.CheckArgs(ctx, inv.Args); err != nil {
			return nil, "denied", err
		}
	}

	if err := d.engine.EvaluateAgainst(policy, call); err != nil {
		return nil, "denied", err
	}

	hosts := origins.FromArgs(inv.Args)
	tickets, err := d.admission.AcquireAll(ctx, hosts)
	if err != nil {
		return nil, "canceled", fmt.Errorf("admission for %v: %w", hosts, err)
	}

	timeout := policy.StepTimeout()
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	result, callErr := d.tools.CallTool(stepCtx, inv.Tool, inv.Args)
	elapsed := time.Since(start)
	cancel()
	tickets.ReleaseAll()

	out := &DispatchResult{Result: result, Origins: hosts, Elapsed: elapsed}
	if callErr != nil {
		if errors.Is(callErr, context.DeadlineExceeded) && ctx.Err() == nil {
			d.logger.Warn("tool call timed out", "tool", inv.Tool, "timeout", timeout)
			return out, "timeout", fmt.Errorf("%w: %s after %s", ErrStepTimeout, inv.Tool, timeout)
		}
		return out, "error", callErr
	}
	out.Content = resultContent(result)
	return out, "ok", nil
}

func classifyValidation(tool string, err error) error {
	var remote *mcp.RemoteError
	if errors.As(err, &remote) && remote.Code == mcp.ErrCodeToolNotFound {
		return fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	return fmt.Errorf("%w: %w", ErrInvalidArguments, err)
}

// resultContent renders a tool result as the text observation given to the
// model. Results without text parts are passed as JSON.
func resultContent(r *mcp.ToolCallResult) string {
	if r == nil {
		return ""
	}
	if text := r.Text(); text != "" {
		return text
	}
	data, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(data)
}
