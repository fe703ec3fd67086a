package agent

import (
	"context"
	"encoding/json"
)

// LLMProvider is a chat model backend able to plan the next step of a run.
//
// Implementations must be safe for concurrent use. Each Complete call
// returns an independent stream that is closed after a Done or Error chunk.
//
// See Also:
//   - providers.OpenAIProvider for OpenAI-compatible endpoints
//   - providers.AnthropicProvider for Anthropic Claude
type LLMProvider interface {
	// Complete sends the conversation and streams back text and tool calls.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name used in logs and metrics.
	Name() string
}

// CompletionRequest is one planning request to the model.
type CompletionRequest struct {
	// Model selects the model; empty means the provider default.
	Model string `json:"model"`

	// System is sent separately from the conversation where the API allows.
	System string `json:"system,omitempty"`

	// Messages is the conversation so far, oldest first.
	Messages []CompletionMessage `json:"messages"`

	// Tools declares the remote tools the model may call.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// MaxTokens caps the response length; 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage is a single conversation entry.
//
// Role values: "user", "assistant", "tool", "system".
type CompletionMessage struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk is one element of a streamed model response. Exactly one
// of Text, ToolCall, Done or Error is meaningful per chunk.
type CompletionChunk struct {
	// Text is an incremental piece of assistant content.
	Text string `json:"text,omitempty"`

	// ToolCall is a fully assembled tool invocation.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// Done marks the end of a successful stream.
	Done bool `json:"done,omitempty"`

	// Error terminates the stream.
	Error error `json:"-"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// ToolCall is a tool invocation requested by the model. Input holds the raw
// JSON arguments exactly as the model produced them.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the observation fed back to the model for a ToolCall.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolDefinition declares a tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}
