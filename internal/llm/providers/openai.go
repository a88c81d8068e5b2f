package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/devflow/devflow/internal/llm"
)

// OpenAI implements llm.Provider using the chat completions API.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates an OpenAI provider for the given key and model.
func NewOpenAI(apiKey, model string) *OpenAI {
	return &OpenAI{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// NewOpenAIWithClient creates an OpenAI provider with a custom client
// (used in tests and for compatible endpoints).
func NewOpenAIWithClient(client *openai.Client, model string) *OpenAI {
	return &OpenAI{client: client, model: model}
}

// Name returns the provider identifier.
func (o *OpenAI) Name() string { return "openai" }

// Model returns the configured model identifier.
func (o *OpenAI) Model() string { return o.model }

// Chat sends one chat completion request and converts the response.
func (o *OpenAI) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition) (*llm.Turn, error) {
	req := openai.ChatCompletionRequest{
		Model: o.model,
	}

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		case llm.RoleUser:
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		case llm.RoleAssistant:
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Args)
				if err != nil {
					return nil, llm.NewFatalError(fmt.Errorf("marshal tool args: %w", err))
				}
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			req.Messages = append(req.Messages, out)
		case llm.RoleTool:
			for _, tr := range msg.ToolResults {
				req.Messages = append(req.Messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: tr.CallID,
					Content:    tr.Content,
				})
			}
		}
	}

	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai response contained no choices")
	}

	choice := resp.Choices[0]
	turn := &llm.Turn{
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	for _, tc := range choice.Message.ToolCalls {
		args := map[string]interface{}{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("parse tool call arguments for %s: %w", tc.Function.Name, err)
			}
		}
		turn.ToolCalls = append(turn.ToolCalls, llm.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}

	return turn, nil
}

// classifyOpenAIError maps SDK errors onto the shared retry taxonomy.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return llm.ClassifyHTTPStatus(apiErr.HTTPStatusCode, apiErr.Message)
	}
	return fmt.Errorf("openai request failed: %w", err)
}
