package llm

import (
	"context"

	"github.com/kagent-dev/sage/pkg/tools"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-neutral chat completion request.
type ChatRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []Message          `json:"messages"`
	Tools       []tools.Definition `json:"tools,omitempty"`
	Temperature float64            `json:"temperature"`
	MaxTokens   int                `json:"max_tokens"`
}

// ToolCall is a tool call requested by the model. Arguments are the raw JSON
// the model produced and may not parse.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// TokenUsage reports token consumption for one request.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatResponse is a provider-neutral chat completion reply.
type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	ModelUsed    string     `json:"model_used"`
	FinishReason string     `json:"finish_reason"`
	Usage        TokenUsage `json:"usage"`
}

// Provider is an interface for LLM providers
type Provider interface {
	// Chat sends a chat request to the LLM and returns the response
	Chat(ctx context.Context, request ChatRequest) (*ChatResponse, error)

	// Name returns the provider name
	Name() string
}
