package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/mcpbridge/internal/agent"
	"github.com/haasonsaas/mcpbridge/internal/backoff"
)

var fastRetry = backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2, Attempts: 3}

func sseServer(t *testing.T, status *atomic.Int32, lines []string, inspect func(r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inspect != nil {
			inspect(r)
		}
		if status != nil {
			if code := int(status.Load()); code != 0 {
				status.Store(0)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(code)
				fmt.Fprintf(w, `{"type":"error","error":{"type":"overloaded_error","message":"try again"}}`)
				return
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, l := range lines {
			fmt.Fprintln(w, l)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collect(t *testing.T, ch <-chan *agent.CompletionChunk) (string, []*agent.ToolCall, *agent.CompletionChunk) {
	t.Helper()
	var text strings.Builder
	var calls []*agent.ToolCall
	var last *agent.CompletionChunk
	for c := range ch {
		if c.Error != nil {
			t.Fatalf("stream error: %v", c.Error)
		}
		text.WriteString(c.Text)
		if c.ToolCall != nil {
			calls = append(calls, c.ToolCall)
		}
		last = c
	}
	return text.String(), calls, last
}

func openAIData(v string) string { return "data: " + v + "\n" }

func TestOpenAIStreamsTextAndToolCalls(t *testing.T) {
	lines := []string{
		openAIData(`{"id":"1","choices":[{"index":0,"delta":{"role":"assistant","content":"Look"}}]}`),
		openAIData(`{"id":"1","choices":[{"index":0,"delta":{"content":"ing"}}]}`),
		openAIData(`{"id":"1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"scrape","arguments":"{\"url\":"}}]}}]}`),
		openAIData(`{"id":"1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"https://example.com\"}"}}]}}]}`),
		openAIData(`{"id":"1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`),
		openAIData(`[DONE]`),
	}
	var body map[string]any
	srv := sseServer(t, nil, lines, func(r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
	})

	p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL + "/v1", Retry: fastRetry})
	if err != nil {
		t.Fatal(err)
	}
	ch, err := p.Complete(context.Background(), &agent.CompletionRequest{
		System:   "sys",
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
		Tools: []agent.ToolDefinition{{
			Name:       "scrape",
			Parameters: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"}}}`),
		}},
		MaxTokens: 100,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	text, calls, last := collect(t, ch)
	if text != "Looking" {
		t.Errorf("text = %q", text)
	}
	if len(calls) != 1 || calls[0].ID != "call_1" || calls[0].Name != "scrape" ||
		string(calls[0].Input) != `{"url":"https://example.com"}` {
		t.Fatalf("calls = %+v", calls)
	}
	if last == nil || !last.Done {
		t.Error("expected final done chunk")
	}

	if body["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v", body["model"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 || msgs[0].(map[string]any)["role"] != "system" {
		t.Errorf("messages = %v", body["messages"])
	}
}

func TestOpenAIRetriesServerErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	var hits atomic.Int32
	srv := sseServer(t, &status, []string{
		openAIData(`{"id":"1","choices":[{"index":0,"delta":{"content":"ok"},"finish_reason":"stop"}]}`),
		openAIData(`[DONE]`),
	}, func(*http.Request) { hits.Add(1) })

	p, _ := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, Retry: fastRetry})
	ch, err := p.Complete(context.Background(), &agent.CompletionRequest{Messages: []agent.CompletionMessage{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if text, _, _ := collect(t, ch); text != "ok" {
		t.Errorf("text = %q", text)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}

func TestOpenAIDoesNotRetryAuthErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`)
	}))
	defer srv.Close()

	p, _ := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, Retry: fastRetry})
	_, err := p.Complete(context.Background(), &agent.CompletionRequest{Messages: []agent.CompletionMessage{{Role: "user", Content: "x"}}})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Reason != ReasonAuth || pe.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestConvertOpenAIMessages(t *testing.T) {
	msgs := convertOpenAIMessages([]agent.CompletionMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", ToolCalls: []agent.ToolCall{{ID: "a", Name: "scrape"}}},
		{Role: "tool", ToolResults: []agent.ToolResult{{ToolCallID: "a", Content: "r1"}, {ToolCallID: "b", Content: "r2"}}},
	}, "")
	if len(msgs) != 4 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[1].ToolCalls[0].Function.Arguments != "{}" {
		t.Errorf("empty arguments not defaulted: %q", msgs[1].ToolCalls[0].Function.Arguments)
	}
	if msgs[2].ToolCallID != "a" || msgs[3].ToolCallID != "b" || msgs[3].Role != "tool" {
		t.Errorf("tool messages = %+v", msgs[2:])
	}
}

func TestNewOpenAIProviderRequiresKeyOrURL(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Error("expected error")
	}
	if _, err := NewOpenAIProvider(OpenAIConfig{BaseURL: "http://localhost:11434/v1"}); err != nil {
		t.Errorf("local endpoint without key: %v", err)
	}
}

func anthropicEvent(name, data string) []string {
	return []string{"event: " + name, "data: " + data, ""}
}

func anthropicLines(events ...[]string) []string {
	var out []string
	for _, e := range events {
		out = append(out, e...)
	}
	return out
}

func TestAnthropicStreamsTextAndToolUse(t *testing.T) {
	lines := anthropicLines(
		anthropicEvent("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude","usage":{"input_tokens":12,"output_tokens":0}}}`),
		anthropicEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking"}}`),
		anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":0}`),
		anthropicEvent("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"scrape","input":{}}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"url\":"}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"https://example.com\"}"}}`),
		anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":1}`),
		anthropicEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":30}}`),
		anthropicEvent("message_stop", `{"type":"message_stop"}`),
	)
	srv := sseServer(t, nil, lines, func(r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Error("missing x-api-key header")
		}
	})

	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", BaseURL: srv.URL, Retry: fastRetry})
	if err != nil {
		t.Fatal(err)
	}
	ch, err := p.Complete(context.Background(), &agent.CompletionRequest{
		System:   "sys",
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
		Tools: []agent.ToolDefinition{{
			Name:       "scrape",
			Parameters: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"}}}`),
		}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	text, calls, last := collect(t, ch)
	if text != "Checking" {
		t.Errorf("text = %q", text)
	}
	if len(calls) != 1 || calls[0].ID != "toolu_1" || string(calls[0].Input) != `{"url":"https://example.com"}` {
		t.Fatalf("calls = %+v", calls)
	}
	if !last.Done || last.InputTokens != 12 || last.OutputTokens != 30 {
		t.Errorf("last chunk = %+v", last)
	}
}

func TestAnthropicRetriesOverloaded(t *testing.T) {
	var status atomic.Int32
	status.Store(529)
	var hits atomic.Int32
	lines := anthropicLines(
		anthropicEvent("message_start", `{"type":"message_start","message":{"id":"m","type":"message","role":"assistant","content":[],"model":"claude","usage":{"input_tokens":1,"output_tokens":0}}}`),
		anthropicEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ok"}}`),
		anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":0}`),
		anthropicEvent("message_stop", `{"type":"message_stop"}`),
	)
	srv := sseServer(t, &status, lines, func(*http.Request) { hits.Add(1) })

	p, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "k", BaseURL: srv.URL, Retry: fastRetry})
	ch, err := p.Complete(context.Background(), &agent.CompletionRequest{Messages: []agent.CompletionMessage{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if text, _, _ := collect(t, ch); text != "ok" {
		t.Errorf("text = %q", text)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	msgs, err := convertAnthropicMessages([]agent.CompletionMessage{
		{Role: "system", Content: "ignored"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", ToolCalls: []agent.ToolCall{{ID: "a", Name: "scrape", Input: json.RawMessage(`{"url":"x"}`)}}},
		{Role: "tool", ToolResults: []agent.ToolResult{{ToolCallID: "a", Content: "r"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[1].Role != "assistant" || msgs[2].Role != "user" {
		t.Errorf("roles = %s, %s", msgs[1].Role, msgs[2].Role)
	}

	if _, err := convertAnthropicMessages([]agent.CompletionMessage{
		{Role: "assistant", ToolCalls: []agent.ToolCall{{ID: "a", Name: "x", Input: json.RawMessage(`{`)}}},
	}); err == nil {
		t.Error("expected error for malformed tool input")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{errors.New("429 Too Many Requests"), true},
		{errors.New("connection reset by peer"), true},
		{errors.New("invalid_api_key"), false},
		{newProviderError("openai", "m", http.StatusBadGateway, nil), true},
		{newProviderError("openai", "m", http.StatusBadRequest, errors.New("503 in message")), false},
		{fmt.Errorf("wrapped: %w", newProviderError("anthropic", "m", http.StatusTooManyRequests, nil)), true},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestProviderErrorString(t *testing.T) {
	e := newProviderError("openai", "gpt-4o", 429, errors.New("slow down"))
	s := e.Error()
	for _, want := range []string{"openai", "rate_limit", "model=gpt-4o", "status=429", "slow down"} {
		if !strings.Contains(s, want) {
			t.Errorf("%q missing %q", s, want)
		}
	}
}
