package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/mcpbridge/internal/admission"
	"github.com/haasonsaas/mcpbridge/internal/guardrails"
	"github.com/haasonsaas/mcpbridge/internal/mcp"
	"github.com/haasonsaas/mcpbridge/internal/sessions"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider replays one response per Complete call. When the script
// runs out the last response repeats.
type scriptedProvider struct {
	mu       sync.Mutex
	script   [][]*CompletionChunk
	requests []*CompletionRequest
	err      error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	snapshot := *req
	snapshot.Messages = append([]CompletionMessage(nil), req.Messages...)
	p.requests = append(p.requests, &snapshot)

	idx := len(p.requests) - 1
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	resp := p.script[idx]
	ch := make(chan *CompletionChunk, len(resp)+1)
	for _, c := range resp {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) *CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func textResponse(parts ...string) []*CompletionChunk {
	out := make([]*CompletionChunk, 0, len(parts)+1)
	for _, p := range parts {
		out = append(out, &CompletionChunk{Text: p})
	}
	return append(out, &CompletionChunk{Done: true})
}

func toolResponse(id, name string, args any) []*CompletionChunk {
	raw, _ := json.Marshal(args)
	return []*CompletionChunk{
		{ToolCall: &ToolCall{ID: id, Name: name, Input: raw}},
		{Done: true},
	}
}

// fakeToolServer implements ToolServer in memory.
type fakeToolServer struct {
	tools   []*mcp.MCPTool
	call    func(ctx context.Context, name string, args map[string]any) (*mcp.ToolCallResult, error)
	invoked atomic.Int32
	invalid map[string]bool
}

func newFakeToolServer(names ...string) *fakeToolServer {
	s := &fakeToolServer{invalid: map[string]bool{}}
	for _, n := range names {
		s.tools = append(s.tools, &mcp.MCPTool{
			Name:        n,
			Description: n + " tool",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"}}}`),
		})
	}
	s.call = func(_ context.Context, name string, _ map[string]any) (*mcp.ToolCallResult, error) {
		return textResult("result of " + name), nil
	}
	return s
}

func (s *fakeToolServer) Tools() []*mcp.MCPTool { return s.tools }

func (s *fakeToolServer) ValidateArguments(name string, _ map[string]any) error {
	for _, t := range s.tools {
		if t.Name == name {
			if s.invalid[name] {
				return &mcp.ArgumentError{Tool: name, Err: errors.New("bad arguments")}
			}
			return nil
		}
	}
	return &mcp.RemoteError{Code: mcp.ErrCodeToolNotFound, Message: "unknown tool: " + name}
}

func (s *fakeToolServer) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolCallResult, error) {
	s.invoked.Add(1)
	return s.call(ctx, name, args)
}

func textResult(text string) *mcp.ToolCallResult {
	return &mcp.ToolCallResult{Content: []mcp.ToolResultContent{{Type: "text", Text: text}}}
}

type testEnv struct {
	store      *guardrails.Store
	engine     *guardrails.Engine
	admission  *admission.Controller
	tools      *fakeToolServer
	dispatcher *Dispatcher
	recorder   *sessions.MemoryRecorder
}

func newTestEnv(t *testing.T, policy guardrails.Policy, tools *fakeToolServer, opts ...DispatcherOption) *testEnv {
	t.Helper()
	logger := discardLogger()
	store := guardrails.NewStore(policy, nil, logger)
	engine := guardrails.NewEngine(store, guardrails.WithEngineLogger(logger))
	ctrl := admission.New(store, admission.WithLogger(logger))
	opts = append([]DispatcherOption{WithDispatchLogger(logger)}, opts...)
	return &testEnv{
		store:      store,
		engine:     engine,
		admission:  ctrl,
		tools:      tools,
		dispatcher: NewDispatcher(tools, engine, ctrl, opts...),
		recorder:   sessions.NewMemoryRecorder(10),
	}
}

func (e *testEnv) loop(t *testing.T, provider LLMProvider, cfg *LoopConfig) *AgenticLoop {
	t.Helper()
	loop, err := NewAgenticLoop(Deps{
		Provider:   provider,
		Dispatcher: e.dispatcher,
		Recorder:   e.recorder,
		Logger:     discardLogger(),
	}, cfg)
	if err != nil {
		t.Fatalf("NewAgenticLoop() error = %v", err)
	}
	return loop
}

func userPrompt(text string) RunRequest {
	return RunRequest{Messages: []CompletionMessage{{Role: "user", Content: text}}}
}
