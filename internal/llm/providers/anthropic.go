// Package providers implements the language-model provider adapters.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devflow/devflow/internal/llm"
)

const (
	anthropicVersion = "2023-06-01"
	anthropicBaseURL = "https://api.anthropic.com"

	// maxResponseSize limits the response body to prevent memory exhaustion.
	maxResponseSize = 10 * 1024 * 1024
)

// Anthropic implements llm.Provider against the Anthropic Messages API.
type Anthropic struct {
	apiKey     string
	model      string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
}

// AnthropicOption configures the Anthropic provider.
type AnthropicOption func(*Anthropic)

// WithAnthropicBaseURL overrides the API endpoint (used in tests).
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(a *Anthropic) { a.baseURL = url }
}

// WithAnthropicHTTPClient overrides the HTTP client.
func WithAnthropicHTTPClient(c *http.Client) AnthropicOption {
	return func(a *Anthropic) { a.httpClient = c }
}

// NewAnthropic creates an Anthropic provider for the given key and model.
func NewAnthropic(apiKey, model string, opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{
		apiKey:    apiKey,
		model:     model,
		baseURL:   anthropicBaseURL,
		maxTokens: 8192,
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the provider identifier.
func (a *Anthropic) Name() string { return "anthropic" }

// Model returns the configured model identifier.
func (a *Anthropic) Model() string { return a.model }

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use fields
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Chat sends one request to the Messages API and converts the response.
func (a *Anthropic) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition) (*llm.Turn, error) {
	req := anthropicRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
	}

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			// Anthropic takes the system prompt as a top-level field.
			req.System = msg.Content
		case llm.RoleUser:
			req.Messages = append(req.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContentBlock{{Type: "text", Text: msg.Content}},
			})
		case llm.RoleAssistant:
			blocks := []anthropicContentBlock{}
			if msg.Content != "" {
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Args
				if input == nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, anthropicContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			req.Messages = append(req.Messages, anthropicMessage{Role: "assistant", Content: blocks})
		case llm.RoleTool:
			blocks := make([]anthropicContentBlock, 0, len(msg.ToolResults))
			for _, tr := range msg.ToolResults {
				blocks = append(blocks, anthropicContentBlock{
					Type:      "tool_result",
					ToolUseID: tr.CallID,
					Content:   tr.Content,
					IsError:   tr.IsError,
				})
			}
			// Tool results travel back as a user message.
			req.Messages = append(req.Messages, anthropicMessage{Role: "user", Content: blocks})
		}
	}

	for _, t := range tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, llm.NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	url := strings.TrimSuffix(a.baseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, llm.NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		return nil, llm.ClassifyHTTPStatus(httpResp.StatusCode, msg)
	}

	var resp anthropicResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}

	turn := &llm.Turn{
		StopReason: resp.StopReason,
		Usage: llm.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			turn.Text += block.Text
		case "tool_use":
			turn.ToolCalls = append(turn.ToolCalls, llm.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: block.Input,
			})
		}
	}

	return turn, nil
}
