// Package providers holds concrete Provider Adapter (C4) implementations,
// one per upstream LLM wire protocol.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/agentrt/internal/llm"
	"github.com/haasonsaas/agentrt/pkg/models"
)

// OpenAIProvider adapts the OpenAI chat-completions streaming API.
// Grounded on the teacher's internal/agent/providers/openai.go: the
// per-index tool-call delta is forwarded as-is rather than accumulated
// here, since SPEC_FULL.md assigns fragment reassembly to the Stream
// Multiplexer (internal/stream), not the adapter.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider builds an adapter against the public OpenAI API.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{client: openai.NewClient(apiKey)}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	wireReq := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  convertMessages(req.Messages),
		Stream:    true,
		MaxTokens: req.MaxOutputTokens,
		Tools:     convertTools(req.Tools),
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, wireReq)
	if err != nil {
		return nil, classifyOpenAIError(p.Name(), req.Model, err)
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				out <- llm.Chunk{Kind: llm.ChunkDone}
				return
			}
			if err != nil {
				select {
				case out <- llm.Chunk{Kind: llm.ChunkDone}:
				case <-ctx.Done():
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.Content != "" {
				select {
				case out <- llm.Chunk{Kind: llm.ChunkToken, Token: delta.Content}:
				case <-ctx.Done():
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				frag := llm.ToolCallFragment{Index: indexOf(tc.Index), ID: tc.ID}
				if tc.Function.Name != "" {
					frag.FunctionName = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					frag.Arguments = tc.Function.Arguments
				}
				select {
				case out <- llm.Chunk{Kind: llm.ChunkToolCallFragment, ToolCall: frag}:
				case <-ctx.Done():
					return
				}
			}
			if resp.Usage != nil {
				select {
				case out <- llm.Chunk{Kind: llm.ChunkToken, Usage: models.Usage{
					PromptTokens:     uint32(resp.Usage.PromptTokens),
					CompletionTokens: uint32(resp.Usage.CompletionTokens),
					TotalTokens:      uint32(resp.Usage.TotalTokens),
				}}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func indexOf(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func convertMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    resultContent(m),
				ToolCallID: m.ToolCallID,
			})
		case models.RoleAssistant:
			wm := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				wm.ToolCalls = append(wm.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.FunctionName,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, wm)
		default:
			out = append(out, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
		}
	}
	return out
}

func resultContent(m models.Message) string {
	if m.ToolResult != nil {
		return m.ToolResult.Payload
	}
	return m.Content
}

func convertTools(tools []llm.ToolSchema) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var params map[string]any
		if err := json.Unmarshal(t.Parameters, &params); err != nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
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

func classifyOpenAIError(provider, model string, err error) error {
	msg := strings.ToLower(err.Error())
	kind := llm.ErrTransport
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "unauthorized"):
		kind = llm.ErrAuth
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		kind = llm.ErrRateLimit
	case strings.Contains(msg, "context canceled") || strings.Contains(msg, "context deadline"):
		kind = llm.ErrCancelled
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503"):
		kind = llm.ErrBadResponse
	}
	return &llm.ProviderError{Kind: kind, Provider: provider, Model: model, Cause: err}
}
