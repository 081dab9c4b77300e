package providers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/agentrt/internal/llm"
	"github.com/haasonsaas/agentrt/pkg/models"
)

// AnthropicProvider adapts the Anthropic Messages streaming API.
// Grounded on the teacher's internal/agent/providers/anthropic.go content-
// block event handling; as with OpenAIProvider, tool-call fragments are
// forwarded per-event rather than accumulated here.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider builds an adapter using the given API key.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	sysPrompt, rest := splitSystem(req.Messages)

	wireReq := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxOutputTokens),
		Messages:  convertAnthropicMessages(rest),
		Tools:     convertAnthropicTools(req.Tools),
	}
	if sysPrompt != "" {
		wireReq.System = []anthropic.TextBlockParam{{Text: sysPrompt}}
	}

	stream := p.client.Messages.NewStreaming(ctx, wireReq)

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		var msg anthropic.Message
		// indexToCallID tracks which content-block index opened which
		// tool_use id, since Anthropic identifies the call only on the
		// content_block_start event and streams argument JSON deltas
		// afterward without repeating it.
		indexToCallID := map[int64]string{}
		indexToName := map[int64]string{}

		for stream.Next() {
			event := stream.Current()
			if err := msg.Accumulate(event); err != nil {
				select {
				case out <- llm.Chunk{Kind: llm.ChunkDone}:
				case <-ctx.Done():
				}
				return
			}

			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if tu, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					indexToCallID[ev.Index] = tu.ID
					indexToName[ev.Index] = tu.Name
					frag := llm.ToolCallFragment{Index: int(ev.Index), ID: tu.ID, FunctionName: tu.Name}
					select {
					case out <- llm.Chunk{Kind: llm.ChunkToolCallFragment, ToolCall: frag}:
					case <-ctx.Done():
						return
					}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					select {
					case out <- llm.Chunk{Kind: llm.ChunkToken, Token: delta.Text}:
					case <-ctx.Done():
						return
					}
				case anthropic.InputJSONDelta:
					frag := llm.ToolCallFragment{
						Index:     int(ev.Index),
						ID:        indexToCallID[ev.Index],
						Arguments: delta.PartialJSON,
					}
					select {
					case out <- llm.Chunk{Kind: llm.ChunkToolCallFragment, ToolCall: frag}:
					case <-ctx.Done():
						return
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case out <- llm.Chunk{Kind: llm.ChunkDone}:
			case <-ctx.Done():
			}
			return
		}

		select {
		case out <- llm.Chunk{Kind: llm.ChunkDone, Usage: models.Usage{
			PromptTokens:     uint32(msg.Usage.InputTokens),
			CompletionTokens: uint32(msg.Usage.OutputTokens),
			TotalTokens:      uint32(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		}}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// splitSystem pulls the leading system-role messages out as a single
// concatenated system prompt, since Anthropic's wire format takes system
// text as a top-level field rather than a message-list entry.
func splitSystem(msgs []models.Message) (string, []models.Message) {
	var sys []string
	i := 0
	for i < len(msgs) && msgs[i].Role == models.RoleSystem {
		sys = append(sys, msgs[i].Content)
		i++
	}
	return strings.Join(sys, "\n\n"), msgs[i:]
}

func convertAnthropicMessages(msgs []models.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				_ = json.Unmarshal([]byte(tc.Arguments), &input)
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.FunctionName))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case models.RoleTool:
			content := ""
			if m.ToolResult != nil {
				content = m.ToolResult.Payload
			}
			isErr := m.ToolResult != nil && !m.ToolResult.Success
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, content, isErr),
			))
		}
	}
	return out
}

func convertAnthropicTools(tools []llm.ToolSchema) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		var raw map[string]any
		if err := json.Unmarshal(t.Parameters, &raw); err == nil {
			if props, ok := raw["properties"]; ok {
				schema.Properties = props
			}
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}
	return out
}
