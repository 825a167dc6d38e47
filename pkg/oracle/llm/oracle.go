package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"

	apperrors "github.com/kagent-dev/sage/pkg/errors"
	"github.com/kagent-dev/sage/pkg/oracle"
)

// Oracle decides with a chat completion model. It implements oracle.Oracle.
// When a provider fails the next one in its chain is asked.
type Oracle struct {
	chain       *Chain
	temperature float64
	maxTokens   int
}

// Option configures an Oracle
type Option func(*Oracle)

func WithTemperature(t float64) Option { return func(o *Oracle) { o.temperature = t } }
func WithMaxTokens(n int) Option       { return func(o *Oracle) { o.maxTokens = n } }

// NewOracle creates an oracle backed by a single provider and model.
func NewOracle(provider Provider, model string, opts ...Option) *Oracle {
	chain := NewChain()
	_ = chain.Add(provider, model)
	o, _ := NewChainOracle(chain, opts...)
	return o
}

// NewChainOracle creates an oracle that tries the providers of chain in
// order.
func NewChainOracle(chain *Chain, opts ...Option) (*Oracle, error) {
	if chain == nil || chain.Len() == 0 {
		return nil, apperrors.New(apperrors.ErrCodeInvalidConfig, "at least one provider is required", nil)
	}
	o := &Oracle{
		chain:       chain,
		temperature: 0.2,
		maxTokens:   4096,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

var _ oracle.Oracle = (*Oracle)(nil)

// Decide asks the model for the next step. When every provider fails the
// result is a PROVIDER_FAILED error; replies that do not fit the decision
// shape come back as Malformed decisions.
func (o *Oracle) Decide(ctx context.Context, req oracle.Request) (oracle.Decision, error) {
	log := logr.FromContextOrDiscard(ctx).WithName("llm-oracle")
	prompt := renderPrompt(req)

	var failures *multierror.Error
	for i, target := range o.chain.targets {
		name := target.Provider.Name()
		resp, err := target.Provider.Chat(ctx, ChatRequest{
			Model:       target.Model,
			System:      systemPrompt,
			Messages:    []Message{{Role: "user", Content: prompt}},
			Tools:       req.Tools,
			Temperature: o.temperature,
			MaxTokens:   o.maxTokens,
		})
		if err != nil {
			failures = multierror.Append(failures, fmt.Errorf("%s: %w", name, err))
			if ctx.Err() != nil {
				break
			}
			if i+1 < len(o.chain.targets) {
				log.Error(err, "Provider failed, trying next", "provider", name, "next", o.chain.targets[i+1].Provider.Name())
			}
			continue
		}

		log.V(1).Info("Model replied",
			"provider", name,
			"model", target.Model,
			"finishReason", resp.FinishReason,
			"toolCalls", len(resp.ToolCalls),
			"promptTokens", resp.Usage.PromptTokens,
			"completionTokens", resp.Usage.CompletionTokens)

		return interpret(resp), nil
	}

	msg := fmt.Sprintf("provider %s failed", o.chain.Names()[0])
	if o.chain.Len() > 1 {
		msg = fmt.Sprintf("providers %s failed", strings.Join(o.chain.Names(), ", "))
	}
	return oracle.Decision{}, apperrors.New(apperrors.ErrCodeProviderFailed, msg, failures.ErrorOrNil())
}

func interpret(resp *ChatResponse) oracle.Decision {
	switch len(resp.ToolCalls) {
	case 0:
		if strings.TrimSpace(resp.Content) == "" {
			return oracle.Malformed("empty reply")
		}
		return oracle.Final(strings.TrimSpace(resp.Content))
	case 1:
		tc := resp.ToolCalls[0]
		args := map[string]interface{}{}
		if raw := strings.TrimSpace(tc.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return oracle.Malformed(fmt.Sprintf("arguments for %s are not a JSON object: %v", tc.Name, err))
			}
		}
		return oracle.Call(tc.Name, args)
	default:
		names := make([]string, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			names = append(names, tc.Name)
		}
		return oracle.Malformed(fmt.Sprintf("%d tool calls in one reply (%s)", len(names), strings.Join(names, ", ")))
	}
}
