package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/haasonsaas/mcpbridge/internal/guardrails"
	"github.com/haasonsaas/mcpbridge/internal/mcp"
	"github.com/haasonsaas/mcpbridge/internal/observability"
	"github.com/haasonsaas/mcpbridge/internal/sessions"
)

// Mode distinguishes how a run reports progress.
type Mode string

const (
	ModeChat   Mode = "chat"
	ModeStream Mode = "stream"
)

// Outcome is the terminal state of a run.
type Outcome string

const (
	// OutcomeDone means the model produced a final answer.
	OutcomeDone Outcome = "DONE"
	// OutcomeLimited means a step or call budget stopped the run.
	OutcomeLimited Outcome = "LIMITED"
	// OutcomeFailed means the run ended on an error or policy denial.
	OutcomeFailed Outcome = "FAILED"
)

// Limit reasons reported with OutcomeLimited.
const (
	LimitMaxSteps     = "maxStepsPerRun"
	LimitMaxToolCalls = "maxToolCallsPerRun"
)

const (
	defaultStepPreviewChars   = 500
	defaultStreamPreviewChars = 1000
	streamBufferSize          = 64
)

// LoopConfig configures the agentic loop.
type LoopConfig struct {
	// Model is the default model; RunRequest.Model overrides it.
	Model string

	// System is the default system prompt.
	System string

	// MaxTokens caps each model response.
	// Default: 4096
	MaxTokens int

	// PlanTimeout bounds a single model request (0 = caller's context only).
	PlanTimeout time.Duration

	// StepPreviewChars truncates tool output kept in step records.
	// Default: 500
	StepPreviewChars int

	// StreamPreviewChars truncates tool output in tool_result events.
	// Default: 1000
	StreamPreviewChars int
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxTokens:          4096,
		StepPreviewChars:   defaultStepPreviewChars,
		StreamPreviewChars: defaultStreamPreviewChars,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	defaults := DefaultLoopConfig()
	if config == nil {
		return defaults
	}
	cfg := *config
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.StepPreviewChars <= 0 {
		cfg.StepPreviewChars = defaults.StepPreviewChars
	}
	if cfg.StreamPreviewChars <= 0 {
		cfg.StreamPreviewChars = defaults.StreamPreviewChars
	}
	if cfg.PlanTimeout < 0 {
		cfg.PlanTimeout = 0
	}
	return &cfg
}

// Deps are the collaborators of an AgenticLoop. Provider and Dispatcher are
// required.
type Deps struct {
	Provider   LLMProvider
	Dispatcher *Dispatcher
	Recorder   sessions.Recorder
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
	Logger     *slog.Logger
}

// RunRequest starts a run.
type RunRequest struct {
	Messages []CompletionMessage
	Model    string
	System   string
}

// Step is a completed or failed tool call within a run.
type Step struct {
	Tool          string         `json:"name"`
	Args          map[string]any `json:"args,omitempty"`
	ResultPreview string         `json:"preview,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// RunResult is the terminal state of a run.
type RunResult struct {
	RunID       string    `json:"runId"`
	Outcome     Outcome   `json:"outcome"`
	Content     string    `json:"content,omitempty"`
	LimitReason string    `json:"reason,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   string    `json:"errorKind,omitempty"`
	Steps       []Step    `json:"steps"`
	ToolCalls   int       `json:"toolCalls"`
	StartedAt   time.Time `json:"startedAt"`
	EndedAt     time.Time `json:"endedAt"`

	// Err is the cause of OutcomeFailed.
	Err error `json:"-"`
}

// AgenticLoop drives the plan, act, observe cycle for each run.
//
// One run is a state machine:
//
//	PLANNING ──(no tool call)──────────────▶ DONE
//	    │
//	    └─(tool call)──▶ AWAITING_TOOL ──(ok)──▶ PLANNING
//	                          │
//	                          ├─(step or call budget)──▶ LIMITED
//	                          └─(denial, timeout, error)─▶ FAILED
//
// The step ceiling and call budgets are checked on every entry to
// AWAITING_TOOL, against a policy snapshot taken at the top of that step.
// Run and Stream share the machine and differ only in where events go.
type AgenticLoop struct {
	provider   LLMProvider
	dispatcher *Dispatcher
	recorder   sessions.Recorder
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	logger     *slog.Logger
	config     *LoopConfig
}

// NewAgenticLoop creates a loop. If cfg is nil, DefaultLoopConfig is used.
func NewAgenticLoop(deps Deps, cfg *LoopConfig) (*AgenticLoop, error) {
	if deps.Provider == nil {
		return nil, ErrNoProvider
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("agent: dispatcher is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AgenticLoop{
		provider:   deps.Provider,
		dispatcher: deps.Dispatcher,
		recorder:   deps.Recorder,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		logger:     logger.With("component", "agent"),
		config:     sanitizeLoopConfig(cfg),
	}, nil
}

// Run executes a run to completion. The returned error is non-nil only if
// the run could not start; failures during the run are reported through
// RunResult.Outcome and RunResult.Err.
func (l *AgenticLoop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	return l.execute(ctx, req, ModeChat, NopSink{}), nil
}

// Stream executes a run in the background and delivers its events. The
// channel is closed after the terminal event (final, limit or error).
func (l *AgenticLoop) Stream(ctx context.Context, req RunRequest) (<-chan *Event, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	events := make(chan *Event, streamBufferSize)
	go func() {
		defer close(events)
		l.execute(ctx, req, ModeStream, NewChanSink(events))
	}()
	return events, nil
}

// StreamTo executes a run, delivering events to sink, and returns the
// result once the run ends.
func (l *AgenticLoop) StreamTo(ctx context.Context, req RunRequest, sink EventSink) (*RunResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	return l.execute(ctx, req, ModeStream, sink), nil
}

func validateRequest(req RunRequest) error {
	if len(req.Messages) == 0 {
		return ErrNoMessages
	}
	return nil
}

// runState is owned by a single run and never shared.
type runState struct {
	conversation []CompletionMessage
	stepsTaken   int
	toolCalls    int
	perTool      map[string]int
	steps        []Step
}

func (s *runState) usage() guardrails.Usage {
	perTool := make(map[string]int, len(s.perTool))
	for k, v := range s.perTool {
		perTool[k] = v
	}
	return guardrails.Usage{ToolCalls: s.toolCalls, PerTool: perTool}
}

func (l *AgenticLoop) execute(ctx context.Context, req RunRequest, mode Mode, sink EventSink) *RunResult {
	runID := uuid.NewString()
	ctx = observability.WithRunID(ctx, runID)
	ctx, span := l.tracer.TraceRun(ctx, runID, string(mode))
	defer span.End()

	em := newEmitter(runID, sink)
	result := &RunResult{RunID: runID, StartedAt: time.Now()}
	state := &runState{
		conversation: append([]CompletionMessage(nil), req.Messages...),
		perTool:      make(map[string]int),
	}
	tools := toolDefinitions(l.dispatcher.Tools())
	logger := l.logger.With("run_id", runID, "mode", mode)
	logger.Debug("run started", "messages", len(req.Messages), "tools", len(tools))

	var policy guardrails.Policy
	for step := 1; ; step++ {
		policy = l.dispatcher.Policy()

		// PLANNING
		text, call, err := l.plan(ctx, req, state, tools, em, step)
		if err != nil {
			l.fail(ctx, em, result, step, &LoopError{Phase: PhasePlanning, Step: step, Cause: err})
			break
		}
		if call == nil {
			result.Outcome = OutcomeDone
			result.Content = text
			em.final(ctx, step, text)
			break
		}

		args := decodeArgs(call.Input, logger)
		em.decision(ctx, step, call.Name, args)

		// AWAITING_TOOL
		if state.stepsTaken >= policy.StepLimit() {
			l.limit(ctx, em, result, step, LimitMaxSteps)
			break
		}
		if policy.MaxToolCallsPerRun > 0 && state.toolCalls >= policy.MaxToolCallsPerRun {
			l.limit(ctx, em, result, step, LimitMaxToolCalls)
			break
		}

		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d", step)
		}
		state.conversation = append(state.conversation, CompletionMessage{
			Role:      "assistant",
			Content:   text,
			ToolCalls: []ToolCall{*call},
		})

		em.toolStart(ctx, step, call.Name, args)
		out, err := l.dispatcher.Dispatch(ctx, Invocation{Tool: call.Name, Args: args, Step: step}, state.usage())
		if err != nil {
			var denial *guardrails.Denial
			if errors.As(err, &denial) && denial.IsLimit() {
				l.limit(ctx, em, result, step, denial.LimitReason())
				break
			}
			state.steps = append(state.steps, Step{Tool: call.Name, Args: args, Error: err.Error()})
			l.fail(ctx, em, result, step, &LoopError{Phase: PhaseAwaitingTool, Step: step, Cause: err})
			break
		}

		state.stepsTaken++
		state.toolCalls++
		state.perTool[call.Name]++
		state.steps = append(state.steps, Step{
			Tool:          call.Name,
			Args:          args,
			ResultPreview: truncate(out.Content, l.config.StepPreviewChars),
		})
		em.toolResult(ctx, step, call.Name, args, truncate(out.Content, l.config.StreamPreviewChars))
		state.conversation = append(state.conversation, CompletionMessage{
			Role:        "tool",
			ToolResults: []ToolResult{{ToolCallID: call.ID, Content: out.Content}},
		})
	}

	result.Steps = state.steps
	result.ToolCalls = state.toolCalls
	result.EndedAt = time.Now()
	if result.Err != nil {
		observability.RecordError(span, result.Err)
	}

	l.metrics.RunFinished(string(mode), string(result.Outcome), state.stepsTaken)
	logger.Info("run finished",
		"outcome", result.Outcome,
		"steps", state.stepsTaken,
		"reason", result.LimitReason,
		"error_kind", result.ErrorKind,
		"duration", result.EndedAt.Sub(result.StartedAt))

	l.record(ctx, req, mode, result, policy)
	return result
}

// plan asks the model for the next action. Text chunks are forwarded as
// model_token events while they arrive. Only the first tool call is used.
func (l *AgenticLoop) plan(ctx context.Context, req RunRequest, state *runState, tools []ToolDefinition, em *emitter, step int) (string, *ToolCall, error) {
	model := req.Model
	if model == "" {
		model = l.config.Model
	}
	system := req.System
	if system == "" {
		system = l.config.System
	}

	ctx, span := l.tracer.TraceLLMRequest(ctx, l.provider.Name(), model)
	defer span.End()
	if l.config.PlanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.PlanTimeout)
		defer cancel()
	}

	start := time.Now()
	chunks, err := l.provider.Complete(ctx, &CompletionRequest{
		Model:     model,
		System:    system,
		Messages:  state.conversation,
		Tools:     tools,
		MaxTokens: l.config.MaxTokens,
	})
	if err != nil {
		l.metrics.LLMRequest(l.provider.Name(), model, "error", time.Since(start))
		observability.RecordError(span, err)
		return "", nil, err
	}

	var text strings.Builder
	var call *ToolCall
	var streamErr error
	for chunk := range chunks {
		switch {
		case chunk.Error != nil:
			if streamErr == nil {
				streamErr = chunk.Error
			}
		case chunk.ToolCall != nil:
			if call == nil {
				tc := *chunk.ToolCall
				call = &tc
			} else {
				l.logger.Debug("ignoring additional tool call", "tool", chunk.ToolCall.Name, "step", step)
			}
		case chunk.Text != "":
			text.WriteString(chunk.Text)
			em.token(ctx, step, chunk.Text)
		}
	}

	status := "ok"
	if streamErr != nil {
		status = "error"
		observability.RecordError(span, streamErr)
	}
	l.metrics.LLMRequest(l.provider.Name(), model, status, time.Since(start))
	if streamErr != nil {
		return "", nil, streamErr
	}
	return text.String(), call, nil
}

func (l *AgenticLoop) limit(ctx context.Context, em *emitter, result *RunResult, step int, reason string) {
	result.Outcome = OutcomeLimited
	result.LimitReason = reason
	em.limit(ctx, step, reason)
}

func (l *AgenticLoop) fail(ctx context.Context, em *emitter, result *RunResult, step int, err error) {
	result.Outcome = OutcomeFailed
	result.Err = err
	result.Error = rootMessage(err)
	result.ErrorKind = Classify(err)
	l.metrics.RecordError("agent", result.ErrorKind)
	em.failure(ctx, step, err)
}

// record hands the finished run to the recorder. Failures are logged and
// never change the result.
func (l *AgenticLoop) record(ctx context.Context, req RunRequest, mode Mode, result *RunResult, policy guardrails.Policy) {
	if l.recorder == nil {
		return
	}
	rec := &sessions.RunRecord{
		ID:          result.RunID,
		Mode:        string(mode),
		Messages:    recordMessages(req.Messages),
		Steps:       recordSteps(result.Steps),
		Outcome:     string(result.Outcome),
		Content:     result.Content,
		LimitReason: result.LimitReason,
		Error:       result.Error,
		ErrorKind:   result.ErrorKind,
		StartedAt:   result.StartedAt,
		EndedAt:     result.EndedAt,
	}
	if data, err := json.Marshal(policy); err == nil {
		rec.Guardrails = data
	}
	if err := l.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		l.logger.Warn("failed to record run", "run_id", result.RunID, "error", err)
		l.metrics.RecordError("sessions", "record")
	}
}

func recordMessages(in []CompletionMessage) []sessions.Message {
	out := make([]sessions.Message, 0, len(in))
	for _, m := range in {
		out = append(out, sessions.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func recordSteps(in []Step) []sessions.Step {
	out := make([]sessions.Step, 0, len(in))
	for _, s := range in {
		out = append(out, sessions.Step{Tool: s.Tool, Args: s.Args, ResultPreview: s.ResultPreview, Error: s.Error})
	}
	return out
}

// toolDefinitions declares the remote tools to the model.
func toolDefinitions(tools []*mcp.MCPTool) []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(tools))
	for _, t := range tools {
		if t == nil || t.Name == "" {
			continue
		}
		defs = append(defs, ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.ParametersSchema(),
		})
	}
	return defs
}

// decodeArgs parses model-produced arguments. Malformed or non-object input
// becomes an empty argument set, which schema validation then judges.
func decodeArgs(raw json.RawMessage, logger *slog.Logger) map[string]any {
	args := map[string]any{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return args
	}
	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		logger.Warn("discarding malformed tool arguments", "error", err)
		return map[string]any{}
	}
	return args
}

// rootMessage drops the LoopError prefix so callers see the cause.
func rootMessage(err error) string {
	var le *LoopError
	if errors.As(err, &le) && le.Cause != nil {
		return le.Cause.Error()
	}
	return err.Error()
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	// Avoid splitting a multi-byte rune.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
