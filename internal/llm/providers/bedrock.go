package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/agentrt/internal/llm"
	"github.com/haasonsaas/agentrt/pkg/models"
)

// BedrockProvider adapts AWS Bedrock's Converse streaming API. Grounded on
// the teacher's internal/agent/providers/bedrock.go processStream event
// switch; here each ContentBlockDelta is forwarded as its own fragment
// rather than buffered into one ToolCall, since reassembly is the Stream
// Multiplexer's job.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
}

// NewBedrockProvider builds an adapter using the default AWS credential
// chain (environment, IAM role, or shared config) for the given region.
func NewBedrockProvider(ctx context.Context, region, defaultModel string) (*BedrockProvider, error) {
	if region == "" {
		region = "us-east-1"
	}
	if defaultModel == "" {
		defaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}
	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: defaultModel,
	}, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

func (p *BedrockProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	wireMessages, err := convertBedrockMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to convert messages: %w", err)
	}

	converseReq := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: wireMessages,
	}
	if sys := systemText(req.Messages); sys != "" {
		converseReq.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: sys}}
	}
	if req.MaxOutputTokens > 0 {
		converseReq.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxOutputTokens))}
	}
	if len(req.Tools) > 0 {
		converseReq.ToolConfig = convertBedrockTools(req.Tools)
	}

	stream, err := p.client.ConverseStream(ctx, converseReq)
	if err != nil {
		return nil, classifyBedrockError(p.Name(), model, err)
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		eventStream := stream.GetStream()
		defer eventStream.Close()

		// index tracks the current content-block slot so tool-use start
		// and its subsequent input deltas share one fragment index.
		index := -1

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-eventStream.Events():
				if !ok {
					if err := eventStream.Err(); err != nil {
						select {
						case out <- llm.Chunk{Kind: llm.ChunkDone}:
						case <-ctx.Done():
						}
						return
					}
					select {
					case out <- llm.Chunk{Kind: llm.ChunkDone}:
					case <-ctx.Done():
					}
					return
				}

				switch ev := event.(type) {
				case *types.ConverseStreamOutputMemberContentBlockStart:
					index++
					if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
						frag := llm.ToolCallFragment{
							Index:        index,
							ID:           aws.ToString(toolUse.Value.ToolUseId),
							FunctionName: aws.ToString(toolUse.Value.Name),
						}
						select {
						case out <- llm.Chunk{Kind: llm.ChunkToolCallFragment, ToolCall: frag}:
						case <-ctx.Done():
							return
						}
					}
				case *types.ConverseStreamOutputMemberContentBlockDelta:
					switch delta := ev.Value.Delta.(type) {
					case *types.ContentBlockDeltaMemberText:
						if delta.Value != "" {
							select {
							case out <- llm.Chunk{Kind: llm.ChunkToken, Token: delta.Value}:
							case <-ctx.Done():
								return
							}
						}
					case *types.ContentBlockDeltaMemberToolUse:
						if delta.Value.Input != nil {
							frag := llm.ToolCallFragment{Index: index, Arguments: *delta.Value.Input}
							select {
							case out <- llm.Chunk{Kind: llm.ChunkToolCallFragment, ToolCall: frag}:
							case <-ctx.Done():
								return
							}
						}
					}
				case *types.ConverseStreamOutputMemberMessageStop:
					select {
					case out <- llm.Chunk{Kind: llm.ChunkDone}:
					case <-ctx.Done():
					}
					return
				case *types.ConverseStreamOutputMemberMetadata:
					if ev.Value.Usage != nil {
						u := models.Usage{
							PromptTokens:     uint32(aws.ToInt32(ev.Value.Usage.InputTokens)),
							CompletionTokens: uint32(aws.ToInt32(ev.Value.Usage.OutputTokens)),
							TotalTokens:      uint32(aws.ToInt32(ev.Value.Usage.TotalTokens)),
						}
						select {
						case out <- llm.Chunk{Kind: llm.ChunkToken, Usage: u}:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
	}()
	return out, nil
}

func systemText(msgs []models.Message) string {
	var sys []string
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			sys = append(sys, m.Content)
		}
	}
	return strings.Join(sys, "\n\n")
}

func convertBedrockMessages(msgs []models.Message) ([]types.Message, error) {
	var out []types.Message
	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser:
			out = append(out, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		case models.RoleAssistant:
			var blocks []types.ContentBlock
			if m.Content != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.FunctionName),
						Input:     document.NewLazyDocument(input),
					},
				})
			}
			out = append(out, types.Message{Role: types.ConversationRoleAssistant, Content: blocks})
		case models.RoleTool:
			content := ""
			if m.ToolResult != nil {
				content = m.ToolResult.Payload
			}
			status := types.ToolResultStatusSuccess
			if m.ToolResult != nil && !m.ToolResult.Success {
				status = types.ToolResultStatusError
			}
			out = append(out, types.Message{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(m.ToolCallID),
						Status:    status,
						Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: content}},
					},
				}},
			})
		}
	}
	return out, nil
}

func convertBedrockTools(tools []llm.ToolSchema) *types.ToolConfiguration {
	specs := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if err := json.Unmarshal(t.Parameters, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpec{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}
}

func classifyBedrockError(provider, model string, err error) error {
	msg := strings.ToLower(err.Error())
	kind := llm.ErrTransport
	switch {
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "accessdenied") || strings.Contains(msg, "unrecognizedclient"):
		kind = llm.ErrAuth
	case strings.Contains(msg, "throttling") || strings.Contains(msg, "toomanyrequests"):
		kind = llm.ErrRateLimit
	case strings.Contains(msg, "context canceled") || strings.Contains(msg, "context deadline"):
		kind = llm.ErrCancelled
	case strings.Contains(msg, "internalserver") || strings.Contains(msg, "serviceunavailable"):
		kind = llm.ErrBadResponse
	}
	return &llm.ProviderError{Kind: kind, Provider: provider, Model: model, Cause: err}
}
