package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/agentrt/internal/llm"
	"github.com/haasonsaas/agentrt/pkg/models"
)

// GeminiProvider adapts Google's Gen AI Go SDK streaming API.
// Grounded on the teacher's internal/agent/providers/google.go message and
// tool conversion; Gemini never assigns its own tool-call id, so one slot
// index per function call is synthesized here and the Stream Multiplexer
// assigns the final call_<uuid> id during reassembly.
type GeminiProvider struct {
	client       *genai.Client
	defaultModel string
}

// NewGeminiProvider builds an adapter against the Gemini API.
func NewGeminiProvider(ctx context.Context, apiKey, defaultModel string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	if defaultModel == "" {
		defaultModel = "gemini-2.0-flash"
	}
	return &GeminiProvider{client: client, defaultModel: defaultModel}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	contents, system := convertGeminiMessages(req.Messages)
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = convertGeminiTools(req.Tools)
	}

	streamIter := p.client.Models.GenerateContentStream(ctx, model, contents, config)

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		index := 0
		for resp, err := range streamIter {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if err != nil {
				select {
				case out <- llm.Chunk{Kind: llm.ChunkDone}:
				case <-ctx.Done():
				}
				return
			}
			if resp == nil {
				continue
			}
			for _, cand := range resp.Candidates {
				if cand == nil || cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						select {
						case out <- llm.Chunk{Kind: llm.ChunkToken, Token: part.Text}:
						case <-ctx.Done():
							return
						}
					}
					if part.FunctionCall != nil {
						argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
						if jsonErr != nil {
							argsJSON = []byte("{}")
						}
						frag := llm.ToolCallFragment{
							Index:        index,
							FunctionName: part.FunctionCall.Name,
							Arguments:    string(argsJSON),
						}
						index++
						select {
						case out <- llm.Chunk{Kind: llm.ChunkToolCallFragment, ToolCall: frag}:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
		select {
		case out <- llm.Chunk{Kind: llm.ChunkDone}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func convertGeminiMessages(msgs []models.Message) ([]*genai.Content, string) {
	var result []*genai.Content
	var sysParts []string

	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			sysParts = append(sysParts, m.Content)
			continue
		}

		content := &genai.Content{}
		switch m.Role {
		case models.RoleUser, models.RoleTool:
			content.Role = genai.RoleUser
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		if m.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.FunctionName, Args: args},
			})
		}
		if m.ToolResult != nil {
			var response map[string]any
			if err := json.Unmarshal([]byte(m.ToolResult.Payload), &response); err != nil {
				response = map[string]any{"result": m.ToolResult.Payload, "error": !m.ToolResult.Success}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: toolNameForCall(m.ToolCallID, msgs), Response: response},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result, strings.Join(sysParts, "\n\n")
}

func toolNameForCall(callID string, msgs []models.Message) string {
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			if tc.ID == callID {
				return tc.FunctionName
			}
		}
	}
	return ""
}

func convertGeminiTools(tools []llm.ToolSchema) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if err := json.Unmarshal(t.Parameters, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}
