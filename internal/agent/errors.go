package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/mcpbridge/internal/guardrails"
	"github.com/haasonsaas/mcpbridge/internal/mcp"
)

var (
	// ErrStepTimeout indicates a tool call did not finish within the
	// policy's step timeout.
	ErrStepTimeout = errors.New("step timeout exceeded")

	// ErrUnknownTool indicates the model asked for a tool the server does
	// not expose.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments indicates tool arguments failed schema validation.
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrNoProvider indicates no LLM provider is configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrNoMessages indicates a run was started with an empty conversation.
	ErrNoMessages = errors.New("no messages")
)

// LoopPhase is a state of the run state machine.
type LoopPhase string

const (
	PhasePlanning     LoopPhase = "planning"
	PhaseAwaitingTool LoopPhase = "awaiting_tool"
)

// LoopError wraps a failure with the phase and step it happened in.
type LoopError struct {
	Phase LoopPhase
	Step  int
	Cause error
}

func (e *LoopError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("run failed at %s (step %d)", e.Phase, e.Step)
	}
	return fmt.Sprintf("run failed at %s (step %d): %v", e.Phase, e.Step, e.Cause)
}

func (e *LoopError) Unwrap() error {
	return e.Cause
}

// Error kinds reported by Classify.
const (
	KindTransport = "transport"
	KindRemote    = "remote"
	KindPolicy    = "policy"
	KindTimeout   = "timeout"
	KindModel     = "model"
	KindInvalid   = "invalid"
	KindCanceled  = "canceled"
	KindInternal  = "internal"
)

// Classify maps err to a short kind used in run records and metrics.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var denial *guardrails.Denial
	var argErr *mcp.ArgumentError
	var startErr *mcp.StartupError
	var loopErr *LoopError

	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrStepTimeout):
		return KindTimeout
	case errors.As(err, &denial):
		return KindPolicy
	case errors.Is(err, ErrUnknownTool), errors.Is(err, ErrInvalidArguments), errors.As(err, &argErr):
		return KindInvalid
	case mcp.IsTransportError(err), errors.As(err, &startErr):
		return KindTransport
	case mcp.IsRemoteError(err):
		return KindRemote
	case errors.As(err, &loopErr) && loopErr.Phase == PhasePlanning:
		return KindModel
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}
