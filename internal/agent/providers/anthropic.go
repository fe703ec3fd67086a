package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/mcpbridge/internal/agent"
	"github.com/haasonsaas/mcpbridge/internal/backoff"
)

// AnthropicConfig configures the Anthropic Messages API.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Retry        backoff.Policy
}

// AnthropicProvider implements agent.LLMProvider over the streaming
// Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	retry        backoff.Policy
}

// maxEmptyStreamEvents bounds consecutive events that produce nothing
// before the stream is treated as malformed.
const maxEmptyStreamEvents = 300

type anthropicStream = ssestream.Stream[anthropic.MessageStreamEventUnion]

// NewAnthropicProvider creates a provider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = backoff.DefaultPolicy()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		retry:        cfg.Retry,
	}, nil
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete opens a streaming message. The request is sent, and retried,
// before Complete returns: the first event is read eagerly because the SDK
// reports HTTP failures only once the stream is read.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	stream, err := backoff.Retry(ctx, p.retry, func(ctx context.Context, _ int) (*anthropicStream, error) {
		s := p.client.Messages.NewStreaming(ctx, params)
		if s.Next() {
			return s, nil
		}
		err := s.Err()
		_ = s.Close()
		if err == nil {
			return nil, backoff.Permanent(newProviderError("anthropic", model, 0, errors.New("empty stream")))
		}
		wrapped := p.wrapError(err, model)
		if !IsRetryable(wrapped) {
			return nil, backoff.Permanent(wrapped)
		}
		return nil, wrapped
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// processStream translates stream events into chunks. The stream's first
// event has already been read by Complete.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *anthropicStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	send := func(c *agent.CompletionChunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		currentTool  *agent.ToolCall
		toolInput    strings.Builder
		inputTokens  int
		outputTokens int
		empty        int
	)

	for {
		event := stream.Current()
		produced := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			inputTokens = int(start.Message.Usage.InputTokens)
			produced = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				currentTool = &agent.ToolCall{ID: use.ID, Name: use.Name}
				toolInput.Reset()
			}
			produced = true

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !send(&agent.CompletionChunk{Text: delta.Text}) {
						return
					}
					produced = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					produced = true
				}
			}

		case "content_block_stop":
			if currentTool != nil {
				currentTool.Input = json.RawMessage(toolInput.String())
				if !send(&agent.CompletionChunk{ToolCall: currentTool}) {
					return
				}
				currentTool = nil
			}
			produced = true

		case "message_delta":
			if n := event.AsMessageDelta().Usage.OutputTokens; n > 0 {
				outputTokens = int(n)
			}
			produced = true

		case "message_stop":
			send(&agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
			return

		case "error":
			send(&agent.CompletionChunk{Error: newProviderError("anthropic", model, 0, errors.New("stream error event")), Done: true})
			return
		}

		if produced {
			empty = 0
		} else if empty++; empty >= maxEmptyStreamEvents {
			send(&agent.CompletionChunk{
				Error: newProviderError("anthropic", model, 0,
					fmt.Errorf("stream appears malformed: %d consecutive empty events", empty)),
				Done: true,
			})
			return
		}

		if !stream.Next() {
			break
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = p.wrapError(err, model)
		}
		send(&agent.CompletionChunk{Error: err, Done: true})
		return
	}
	// Stream ended without message_stop.
	send(&agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
}

// convertAnthropicMessages maps the conversation onto user and assistant
// turns. Tool results travel in user turns.
func convertAnthropicMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			input := map[string]any{}
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func convertAnthropicTools(tools []agent.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s", t.Name)
		}
		if t.Description != "" {
			param.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, param)
	}
	return out, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return newProviderError("anthropic", model, 0, err)
	}

	e := newProviderError("anthropic", model, apiErr.StatusCode, err)
	e.RequestID = apiErr.RequestID
	e.Message = "anthropic request failed"
	if raw := apiErr.RawJSON(); raw != "" {
		var payload anthropicErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Message != "" {
				e.Message = payload.Error.Message
			}
			e.Code = payload.Error.Type
			if payload.RequestID != "" {
				e.RequestID = payload.RequestID
			}
		}
	}
	switch e.Code {
	case "rate_limit_error":
		e.Reason = ReasonRateLimit
	case "overloaded_error", "api_error":
		e.Reason = ReasonServerError
	}
	return e
}
