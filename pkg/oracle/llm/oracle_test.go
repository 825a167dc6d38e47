package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kagent-dev/sage/pkg/errors"
	"github.com/kagent-dev/sage/pkg/oracle"
	"github.com/kagent-dev/sage/pkg/research"
	"github.com/kagent-dev/sage/pkg/tools"
)

func gatheringRequest() oracle.Request {
	return oracle.Request{
		SessionID:     "s-1",
		Goal:          "Electric vehicle market 2024",
		Phase:         research.PhaseGathering,
		Iteration:     2,
		MaxIterations: 20,
		Summary:       "1 sources, 1 findings across 1 topics.",
		Gap: &research.Gap{
			SubQuestion:    "data and statistics on Electric vehicle market 2024",
			FailedTools:    []string{"news_search"},
			SuggestedQuery: "data and statistics on Electric vehicle market 2024",
		},
		Tools: []tools.Definition{{Name: "web_search", Description: "Search the web"}},
	}
}

func TestOracle_Decide(t *testing.T) {
	tests := []struct {
		name     string
		response *ChatResponse
		want     oracle.Decision
	}{
		{
			name:     "text reply is a final answer",
			response: &ChatResponse{Content: "  # Report\n\nEV sales grew.  "},
			want:     oracle.Final("# Report\n\nEV sales grew."),
		},
		{
			name: "single tool call",
			response: &ChatResponse{ToolCalls: []ToolCall{
				{ID: "1", Name: "web_search", Arguments: `{"query":"ev sales 2024","max_results":3}`},
			}},
			want: oracle.Call("web_search", map[string]interface{}{"query": "ev sales 2024", "max_results": float64(3)}),
		},
		{
			name:     "tool call without arguments",
			response: &ChatResponse{ToolCalls: []ToolCall{{ID: "1", Name: "web_search"}}},
			want:     oracle.Call("web_search", map[string]interface{}{}),
		},
		{
			name:     "empty reply",
			response: &ChatResponse{Content: " \n"},
			want:     oracle.Malformed("empty reply"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &MockProvider{name: "mock"}
			provider.On("Chat", mock.Anything, mock.Anything).Return(tt.response, nil)

			got, err := NewOracle(provider, "mock-model").Decide(context.Background(), gatheringRequest())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			provider.AssertExpectations(t)
		})
	}
}

func TestOracle_DecideMalformedReplies(t *testing.T) {
	tests := []struct {
		name     string
		calls    []ToolCall
		contains string
	}{
		{
			name:     "several tool calls",
			calls:    []ToolCall{{Name: "web_search", Arguments: `{}`}, {Name: "news_search", Arguments: `{}`}},
			contains: "2 tool calls",
		},
		{
			name:     "unparsable arguments",
			calls:    []ToolCall{{Name: "web_search", Arguments: `{"query":`}},
			contains: "not a JSON object",
		},
		{
			name:     "arguments not an object",
			calls:    []ToolCall{{Name: "web_search", Arguments: `["ev"]`}},
			contains: "not a JSON object",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &MockProvider{name: "mock"}
			provider.On("Chat", mock.Anything, mock.Anything).Return(&ChatResponse{ToolCalls: tt.calls}, nil)

			got, err := NewOracle(provider, "mock-model").Decide(context.Background(), gatheringRequest())
			require.NoError(t, err)
			assert.Equal(t, oracle.KindMalformed, got.Kind)
			assert.Contains(t, got.Reason, tt.contains)
		})
	}
}

func TestOracle_DecideProviderError(t *testing.T) {
	provider := &MockProvider{name: "mock"}
	provider.On("Chat", mock.Anything, mock.Anything).Return(nil, errors.New("429 rate limited"))

	_, err := NewOracle(provider, "mock-model").Decide(context.Background(), gatheringRequest())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeProviderFailed))
	assert.Contains(t, err.Error(), "429 rate limited")
}

func TestOracle_FallsBackToNextProvider(t *testing.T) {
	primary := &MockProvider{name: "openai"}
	primary.On("Chat", mock.Anything, mock.MatchedBy(func(req ChatRequest) bool {
		return req.Model == "gpt-4o"
	})).Return(nil, errors.New("503 service unavailable"))

	secondary := &MockProvider{name: "anthropic"}
	secondary.On("Chat", mock.Anything, mock.MatchedBy(func(req ChatRequest) bool {
		return req.Model == "claude-3-5-haiku-latest"
	})).Return(&ChatResponse{Content: "# Report"}, nil)

	chain := NewChain()
	require.NoError(t, chain.Add(primary, ""))
	require.NoError(t, chain.Add(secondary, "claude-3-5-haiku-latest"))
	o, err := NewChainOracle(chain)
	require.NoError(t, err)

	got, err := o.Decide(context.Background(), gatheringRequest())
	require.NoError(t, err)
	assert.Equal(t, oracle.Final("# Report"), got)
	primary.AssertExpectations(t)
	secondary.AssertExpectations(t)
}

func TestOracle_AllProvidersFail(t *testing.T) {
	primary := &MockProvider{name: "openai"}
	primary.On("Chat", mock.Anything, mock.Anything).Return(nil, errors.New("503 service unavailable"))
	secondary := &MockProvider{name: "gemini"}
	secondary.On("Chat", mock.Anything, mock.Anything).Return(nil, errors.New("quota exhausted"))

	chain := NewChain()
	require.NoError(t, chain.Add(primary, ""))
	require.NoError(t, chain.Add(secondary, ""))
	o, err := NewChainOracle(chain)
	require.NoError(t, err)

	_, err = o.Decide(context.Background(), gatheringRequest())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeProviderFailed))
	assert.Contains(t, err.Error(), "503 service unavailable")
	assert.Contains(t, err.Error(), "quota exhausted")
}

func TestOracle_CanceledContextStopsFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	primary := &MockProvider{name: "openai"}
	primary.On("Chat", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled)
	secondary := &MockProvider{name: "anthropic"}

	chain := NewChain()
	require.NoError(t, chain.Add(primary, ""))
	require.NoError(t, chain.Add(secondary, ""))
	o, err := NewChainOracle(chain)
	require.NoError(t, err)

	_, err = o.Decide(ctx, gatheringRequest())
	require.Error(t, err)
	secondary.AssertNotCalled(t, "Chat", mock.Anything, mock.Anything)
}

func TestNewChainOracle_Empty(t *testing.T) {
	_, err := NewChainOracle(NewChain())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidConfig))
}

func TestOracle_RequestShape(t *testing.T) {
	provider := &MockProvider{name: "mock"}
	provider.On("Chat", mock.Anything, mock.MatchedBy(func(req ChatRequest) bool {
		return req.Model == "mock-model" &&
			req.Temperature == 0.5 &&
			req.MaxTokens == 1000 &&
			len(req.Tools) == 1 &&
			req.System != "" &&
			len(req.Messages) == 1
	})).Return(&ChatResponse{Content: "done"}, nil)

	_, err := NewOracle(provider, "mock-model", WithTemperature(0.5), WithMaxTokens(1000)).
		Decide(context.Background(), gatheringRequest())
	require.NoError(t, err)
	provider.AssertExpectations(t)
}

func TestRenderPrompt(t *testing.T) {
	req := gatheringRequest()
	req.Caveat = "iteration limit reached"
	req.Corrective = "Your previous reply was rejected."

	prompt := renderPrompt(req)
	assert.Contains(t, prompt, "Research goal: Electric vehicle market 2024")
	assert.Contains(t, prompt, "iteration 2 of 20")
	assert.Contains(t, prompt, "Findings so far:")
	assert.Contains(t, prompt, `Weakest area: "data and statistics on Electric vehicle market 2024"`)
	assert.Contains(t, prompt, "already failed for it: news_search")
	assert.Contains(t, prompt, "Note for the report: iteration limit reached")
	assert.Contains(t, prompt, "Your previous reply was rejected.")
	assert.NotContains(t, prompt, "No tools are available")

	assert.NotContains(t, prompt, "Recent tool failures")

	req.Tools = nil
	assert.Contains(t, renderPrompt(req), "No tools are available")
}

func TestRenderPrompt_RecentFailures(t *testing.T) {
	req := gatheringRequest()
	req.Gap = nil
	req.RecentFailures = []research.Attempt{
		{Iteration: 1, Tool: "news_search", ErrorCode: apperrors.ErrCodeToolTimeout, Error: "deadline exceeded"},
		{Iteration: 2, Tool: "academic_search", ErrorCode: apperrors.ErrCodeToolExecution, Error: "upstream returned http 503"},
	}

	prompt := renderPrompt(req)
	assert.Contains(t, prompt, "Recent tool failures:")
	assert.Contains(t, prompt, "- news_search (iteration 1): "+apperrors.ErrCodeToolTimeout+" deadline exceeded")
	assert.Contains(t, prompt, "- academic_search (iteration 2): "+apperrors.ErrCodeToolExecution+" upstream returned http 503")
}
