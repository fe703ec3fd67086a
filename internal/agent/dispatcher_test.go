package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/mcpbridge/internal/guardrails"
	"github.com/haasonsaas/mcpbridge/internal/mcp"
	"github.com/haasonsaas/mcpbridge/internal/observability"
)

type stubRobots struct {
	calls int
	deny  bool
}

func (r *stubRobots) CheckArgs(_ context.Context, args map[string]any) error {
	r.calls++
	if r.deny {
		url, _ := args["url"].(string)
		return guardrails.NewRobotsDenial(url)
	}
	return nil
}

func TestDispatchSuccess(t *testing.T) {
	env := newTestEnv(t, guardrails.DefaultPolicy(), newFakeToolServer("scrape"))
	out, err := env.dispatcher.Dispatch(context.Background(),
		Invocation{Tool: "scrape", Args: map[string]any{"url": "https://Example.com/a"}},
		guardrails.Usage{})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if out.Content != "result of scrape" {
		t.Errorf("Content = %q", out.Content)
	}
	if len(out.Origins) != 1 || out.Origins[0] != "example.com" {
		t.Errorf("Origins = %v", out.Origins)
	}
}

func TestDispatchRobotsOnlyWhenEnabled(t *testing.T) {
	robots := &stubRobots{deny: true}
	policy := guardrails.DefaultPolicy()
	env := newTestEnv(t, policy, newFakeToolServer("scrape"), WithRobots(robots))
	inv := Invocation{Tool: "scrape", Args: map[string]any{"url": "https://example.com/private"}}

	if _, err := env.dispatcher.Dispatch(context.Background(), inv, guardrails.Usage{}); err != nil {
		t.Fatalf("robots disabled: Dispatch() error = %v", err)
	}
	if robots.calls != 0 {
		t.Errorf("robots consulted %d times while disabled", robots.calls)
	}

	policy.RespectRobotsTxt = true
	if _, err := env.store.Replace(policy); err != nil {
		t.Fatal(err)
	}
	_, err := env.dispatcher.Dispatch(context.Background(), inv, guardrails.Usage{})
	var denial *guardrails.Denial
	if !errors.As(err, &denial) || denial.Reason != guardrails.ReasonRobots {
		t.Fatalf("expected robots denial, got %v", err)
	}
	if env.tools.invoked.Load() != 1 {
		t.Errorf("tool invoked %d times, want 1", env.tools.invoked.Load())
	}
}

func TestDispatchConsultsRobotsOnlyForPermittedCalls(t *testing.T) {
	robots := &stubRobots{deny: true}
	policy := guardrails.DefaultPolicy()
	policy.RespectRobotsTxt = true
	policy.BlockPrivateNetworks = true
	policy.DenyDomains = []string{"blocked.com"}
	policy.MaxToolCallsPerRun = 3
	env := newTestEnv(t, policy, newFakeToolServer("scrape"), WithRobots(robots))

	tests := []struct {
		name  string
		url   string
		usage guardrails.Usage
		want  guardrails.Reason
	}{
		{"deny list", "https://api.blocked.com/x", guardrails.Usage{}, guardrails.ReasonDomainBlocked},
		{"private network", "http://127.0.0.1/admin", guardrails.Usage{}, guardrails.ReasonPrivateNetwork},
		{"run budget", "https://example.com/", guardrails.Usage{ToolCalls: 3}, guardrails.ReasonRunBudget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.dispatcher.Dispatch(context.Background(),
				Invocation{Tool: "scrape", Args: map[string]any{"url": tt.url}}, tt.usage)
			var denial *guardrails.Denial
			if !errors.As(err, &denial) || denial.Reason != tt.want {
				t.Fatalf("Dispatch() error = %v, want reason %q", err, tt.want)
			}
		})
	}
	if robots.calls != 0 {
		t.Errorf("robots consulted %d times for denied calls", robots.calls)
	}
	if env.tools.invoked.Load() != 0 {
		t.Errorf("tool invoked %d times", env.tools.invoked.Load())
	}
}

func TestDispatchRobotsDenialLeavesRateWindow(t *testing.T) {
	robots := &stubRobots{deny: true}
	policy := guardrails.DefaultPolicy()
	policy.RespectRobotsTxt = true
	policy.RateLimit = &guardrails.RateLimit{Limit: 1, WindowMs: 60000}
	env := newTestEnv(t, policy, newFakeToolServer("scrape"), WithRobots(robots))
	inv := Invocation{Tool: "scrape", Args: map[string]any{"url": "https://example.com/private"}}

	_, err := env.dispatcher.Dispatch(context.Background(), inv, guardrails.Usage{})
	var denial *guardrails.Denial
	if !errors.As(err, &denial) || denial.Reason != guardrails.ReasonRobots {
		t.Fatalf("expected robots denial, got %v", err)
	}
	if n := env.engine.RateStatus().InWindow; n != 0 {
		t.Fatalf("robots denial recorded %d rate timestamps", n)
	}

	// Once the window is full, robots is not consulted again.
	robots.deny = false
	if _, err := env.dispatcher.Dispatch(context.Background(), inv, guardrails.Usage{}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	_, err = env.dispatcher.Dispatch(context.Background(), inv, guardrails.Usage{})
	if !errors.As(err, &denial) || denial.Reason != guardrails.ReasonRateLimited {
		t.Fatalf("expected rate limit denial, got %v", err)
	}
	if robots.calls != 2 {
		t.Errorf("robots consulted %d times, want 2", robots.calls)
	}
}

func TestDispatchInvalidArgumentsSkipRateWindow(t *testing.T) {
	policy := guardrails.DefaultPolicy()
	policy.RateLimit = &guardrails.RateLimit{Limit: 10, WindowMs: 60000}
	tools := newFakeToolServer("scrape")
	tools.invalid["scrape"] = true
	env := newTestEnv(t, policy, tools)

	_, err := env.dispatcher.Dispatch(context.Background(),
		Invocation{Tool: "scrape", Args: map[string]any{"url": 42}}, guardrails.Usage{})
	if !errors.Is(err, ErrInvalidArguments) {
		t.Fatalf("expected ErrInvalidArguments, got %v", err)
	}
	var argErr *mcp.ArgumentError
	if !errors.As(err, &argErr) {
		t.Errorf("argument error not wrapped: %v", err)
	}
	if n := env.engine.RateStatus().InWindow; n != 0 {
		t.Errorf("rate window len = %d after invalid call, want 0", n)
	}

	tools.invalid["scrape"] = false
	if _, err := env.dispatcher.Dispatch(context.Background(),
		Invocation{Tool: "scrape", Args: map[string]any{"url": "https://example.com"}}, guardrails.Usage{}); err != nil {
		t.Fatal(err)
	}
	if n := env.engine.RateStatus().InWindow; n != 1 {
		t.Errorf("rate window len = %d after permitted call, want 1", n)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	env := newTestEnv(t, guardrails.DefaultPolicy(), newFakeToolServer("scrape"))
	_, err := env.dispatcher.Dispatch(context.Background(), Invocation{Tool: "nope"}, guardrails.Usage{})
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
	if Classify(err) != KindInvalid {
		t.Errorf("Classify = %s", Classify(err))
	}
}

func TestDispatchRemoteErrorPassesThrough(t *testing.T) {
	tools := newFakeToolServer("scrape")
	tools.call = func(context.Context, string, map[string]any) (*mcp.ToolCallResult, error) {
		return nil, &mcp.RemoteError{Code: mcp.ErrCodeToolFailed, Message: "upstream said no"}
	}
	env := newTestEnv(t, guardrails.DefaultPolicy(), tools)
	_, err := env.dispatcher.Dispatch(context.Background(),
		Invocation{Tool: "scrape", Args: map[string]any{"url": "https://example.com"}}, guardrails.Usage{})
	var remote *mcp.RemoteError
	if !errors.As(err, &remote) || remote.Code != mcp.ErrCodeToolFailed {
		t.Fatalf("expected remote error, got %v", err)
	}
	if Classify(err) != KindRemote {
		t.Errorf("Classify = %s", Classify(err))
	}
	if stats := env.admission.Stats(); len(stats) != 0 {
		t.Errorf("tickets leaked: %+v", stats)
	}
}

func TestDispatchJSONFallbackContent(t *testing.T) {
	tools := newFakeToolServer("scrape")
	tools.call = func(context.Context, string, map[string]any) (*mcp.ToolCallResult, error) {
		return &mcp.ToolCallResult{Content: []mcp.ToolResultContent{{Type: "image", MimeType: "image/png", Data: "AAAA"}}}, nil
	}
	env := newTestEnv(t, guardrails.DefaultPolicy(), tools)
	out, err := env.dispatcher.Dispatch(context.Background(),
		Invocation{Tool: "scrape", Args: map[string]any{"url": "https://example.com"}}, guardrails.Usage{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Content, `"image/png"`) {
		t.Errorf("Content = %q, want JSON of the result", out.Content)
	}
}

func TestDispatchCanceledWhileWaiting(t *testing.T) {
	policy := guardrails.DefaultPolicy()
	policy.PerDomainConcurrency = 1
	env := newTestEnv(t, policy, newFakeToolServer("scrape"))

	held, err := env.admission.Acquire(context.Background(), "example.com")
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = env.dispatcher.Dispatch(ctx,
		Invocation{Tool: "scrape", Args: map[string]any{"url": "https://example.com"}}, guardrails.Usage{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if env.tools.invoked.Load() != 0 {
		t.Error("tool invoked without a ticket")
	}
}

func TestDispatchMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	policy := guardrails.DefaultPolicy()
	policy.DenyDomains = []string{"bad.example"}
	env := newTestEnv(t, policy, newFakeToolServer("scrape"), WithDispatchMetrics(metrics))

	ctx := context.Background()
	_, _ = env.dispatcher.Dispatch(ctx, Invocation{Tool: "scrape", Args: map[string]any{"url": "https://good.example"}}, guardrails.Usage{})
	_, _ = env.dispatcher.Dispatch(ctx, Invocation{Tool: "scrape", Args: map[string]any{"url": "https://bad.example"}}, guardrails.Usage{})
	_, _ = env.dispatcher.Dispatch(ctx, Invocation{Tool: "missing"}, guardrails.Usage{})

	if got := testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("scrape", "ok")); got != 1 {
		t.Errorf("ok calls = %v", got)
	}
	if got := testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("scrape", "denied")); got != 1 {
		t.Errorf("denied calls = %v", got)
	}
	if got := testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("missing", "invalid")); got != 1 {
		t.Errorf("invalid calls = %v", got)
	}
	if got := testutil.ToFloat64(metrics.Errors.WithLabelValues("dispatcher", KindPolicy)); got != 1 {
		t.Errorf("policy errors = %v", got)
	}
}
