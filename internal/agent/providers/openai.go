package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/mcpbridge/internal/agent"
	"github.com/haasonsaas/mcpbridge/internal/backoff"
)

// OpenAIConfig configures an OpenAI-compatible chat endpoint.
type OpenAIConfig struct {
	APIKey string
	// BaseURL points at any OpenAI-compatible server, e.g.
	// http://localhost:11434/v1. Empty uses api.openai.com.
	BaseURL      string
	DefaultModel string
	// Retry applies to stream creation only; a stream that fails midway is
	// reported to the caller.
	Retry backoff.Policy
}

// OpenAIProvider implements agent.LLMProvider over the streaming chat
// completions API.
//
// Tool calls arrive as fragments keyed by index and are emitted whole once
// the choice finishes with "tool_calls" or the stream ends.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	retry        backoff.Policy
}

// NewOpenAIProvider creates a provider. Local OpenAI-compatible servers
// often need no key, so an empty APIKey is accepted when BaseURL is set.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" && strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if u := strings.TrimSpace(cfg.BaseURL); u != "" {
		clientCfg.BaseURL = strings.TrimRight(u, "/")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4oMini
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = backoff.DefaultPolicy()
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		retry:        cfg.Retry,
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete opens a streaming completion. Errors creating the stream are
// returned directly after retries; errors while reading it arrive as a
// chunk with Error set.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := backoff.Retry(ctx, p.retry, func(ctx context.Context, _ int) (*openai.ChatCompletionStream, error) {
		s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			wrapped := p.wrapError(err, model)
			if !IsRetryable(wrapped) {
				return nil, backoff.Permanent(wrapped)
			}
			return nil, wrapped
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
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

	pending := make(map[int]*agent.ToolCall)
	flush := func() bool {
		indexes := make([]int, 0, len(pending))
		for i := range pending {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			tc := pending[i]
			if tc.Name == "" {
				continue
			}
			if !send(&agent.CompletionChunk{ToolCall: tc}) {
				return false
			}
		}
		pending = make(map[int]*agent.ToolCall)
		return true
	}

	var inputTokens, outputTokens int
	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if flush() {
					send(&agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
				}
				return
			}
			if ctx.Err() != nil {
				err = ctx.Err()
			} else {
				err = p.wrapError(err, model)
			}
			send(&agent.CompletionChunk{Error: err, Done: true})
			return
		}

		if resp.Usage != nil {
			inputTokens = resp.Usage.PromptTokens
			outputTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			if !send(&agent.CompletionChunk{Text: choice.Delta.Content}) {
				return
			}
		}

		for _, frag := range choice.Delta.ToolCalls {
			index := 0
			if frag.Index != nil {
				index = *frag.Index
			}
			tc := pending[index]
			if tc == nil {
				tc = &agent.ToolCall{}
				pending[index] = tc
			}
			if frag.ID != "" {
				tc.ID = frag.ID
			}
			if frag.Function.Name != "" {
				tc.Name = frag.Function.Name
			}
			if frag.Function.Arguments != "" {
				tc.Input = append(tc.Input, frag.Function.Arguments...)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flush() {
				return
			}
		}
	}
}

// convertOpenAIMessages puts the system prompt first and expands each tool
// result into its own tool message.
func convertOpenAIMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			for _, tr := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case "assistant":
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := string(tc.Input)
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, m)
		default:
			out = append(out, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
		}
	}
	return out
}

func convertOpenAITools(tools []agent.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 || !json.Valid(params) {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		e := newProviderError("openai", model, apiErr.HTTPStatusCode, err)
		e.Message = apiErr.Message
		if code, ok := apiErr.Code.(string); ok {
			e.Code = code
		} else if apiErr.Type != "" {
			e.Code = apiErr.Type
		}
		if e.Code == "rate_limit_exceeded" {
			e.Reason = ReasonRateLimit
		}
		return e
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return newProviderError("openai", model, reqErr.HTTPStatusCode, err)
	}
	return newProviderError("openai", model, 0, fmt.Errorf("request failed: %w", err))
}
