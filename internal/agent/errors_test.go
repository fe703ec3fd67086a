package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/haasonsaas/mcpbridge/internal/guardrails"
	"github.com/haasonsaas/mcpbridge/internal/mcp"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"canceled", fmt.Errorf("admission: %w", context.Canceled), KindCanceled},
		{"step timeout", fmt.Errorf("%w: scrape after 1s", ErrStepTimeout), KindTimeout},
		{"denial", &guardrails.Denial{Reason: guardrails.ReasonDomainBlocked}, KindPolicy},
		{"unknown tool", fmt.Errorf("%w: nope", ErrUnknownTool), KindInvalid},
		{"argument error", &mcp.ArgumentError{Tool: "x", Err: errors.New("missing url")}, KindInvalid},
		{"transport", &mcp.TransportError{Op: "write", Err: errors.New("broken pipe")}, KindTransport},
		{"startup", &mcp.StartupError{Stage: "initialize", Err: errors.New("eof")}, KindTransport},
		{"remote", &mcp.RemoteError{Code: mcp.ErrCodeToolFailed, Message: "boom"}, KindRemote},
		{"planning", &LoopError{Phase: PhasePlanning, Step: 1, Cause: errors.New("429")}, KindModel},
		{"planning deadline", &LoopError{Phase: PhasePlanning, Step: 1, Cause: context.DeadlineExceeded}, KindModel},
		{"awaiting tool wraps remote", &LoopError{Phase: PhaseAwaitingTool, Step: 2, Cause: &mcp.RemoteError{Code: -1}}, KindRemote},
		{"bare deadline", context.DeadlineExceeded, KindTimeout},
		{"other", errors.New("mystery"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestLoopErrorUnwrap(t *testing.T) {
	cause := &guardrails.Denial{Reason: guardrails.ReasonRateLimited, Message: "rate limit exceeded"}
	err := &LoopError{Phase: PhaseAwaitingTool, Step: 3, Cause: cause}

	var denial *guardrails.Denial
	if !errors.As(err, &denial) || denial != cause {
		t.Fatal("errors.As should reach the cause")
	}
	if rootMessage(err) != cause.Error() {
		t.Errorf("rootMessage = %q", rootMessage(err))
	}
	if err.Error() == "" {
		t.Error("empty error string")
	}
}
