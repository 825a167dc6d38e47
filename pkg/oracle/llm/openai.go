package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// GeminiBaseURL is Google's OpenAI-compatible endpoint.
const GeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

type openaiProvider struct {
	name   string
	client openai.Client
}

// NewOpenAIProvider creates a provider for the OpenAI chat completions API.
// Extra request options such as option.WithBaseURL point it at any
// compatible endpoint.
func NewOpenAIProvider(apiKey string, opts ...option.RequestOption) Provider {
	return newOpenAICompatible("openai", apiKey, opts...)
}

// NewGeminiProvider creates a provider for Gemini through its
// OpenAI-compatible endpoint.
func NewGeminiProvider(apiKey string, opts ...option.RequestOption) Provider {
	opts = append([]option.RequestOption{option.WithBaseURL(GeminiBaseURL)}, opts...)
	return newOpenAICompatible("gemini", apiKey, opts...)
}

func newOpenAICompatible(name, apiKey string, opts ...option.RequestOption) Provider {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &openaiProvider{
		name:   name,
		client: openai.NewClient(opts...),
	}
}

func (p *openaiProvider) Name() string {
	return p.name
}

func (p *openaiProvider) Chat(ctx context.Context, request ChatRequest) (*ChatResponse, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(request.Messages)+1)
	if request.System != "" {
		messages = append(messages, openai.SystemMessage(request.System))
	}
	for _, msg := range request.Messages {
		switch msg.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(msg.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(request.Model),
		Messages: messages,
	}
	if request.Temperature > 0 {
		params.Temperature = openai.Float(request.Temperature)
	}
	if request.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(request.MaxTokens))
	}

	if len(request.Tools) > 0 {
		toolParams := make([]openai.ChatCompletionToolParam, 0, len(request.Tools))
		for _, tool := range request.Tools {
			toolParams = append(toolParams, openai.ChatCompletionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.Parameters),
				},
			})
		}
		params.Tools = toolParams
		params.ParallelToolCalls = openai.Bool(false)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%s API error: %w", p.name, err)
	}

	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("no completion choices returned")
	}

	choice := completion.Choices[0]
	response := &ChatResponse{
		Content:      choice.Message.Content,
		ModelUsed:    completion.Model,
		FinishReason: string(choice.FinishReason),
		Usage: TokenUsage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
		},
	}

	for _, tc := range choice.Message.ToolCalls {
		response.ToolCalls = append(response.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return response, nil
}
