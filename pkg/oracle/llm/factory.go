package llm

import (
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/option"

	apperrors "github.com/kagent-dev/sage/pkg/errors"
)

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
}

// NewProvider creates a provider from configuration. Provider names are
// matched without regard to case.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidConfig, "API key for provider %q is required", cfg.Provider)
	}

	switch NormalizeProvider(cfg.Provider) {
	case "openai":
		var opts []option.RequestOption
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		return NewOpenAIProvider(cfg.APIKey, opts...), nil

	case "gemini":
		var opts []option.RequestOption
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		return NewGeminiProvider(cfg.APIKey, opts...), nil

	case "anthropic":
		var opts []anthropicoption.RequestOption
		if cfg.BaseURL != "" {
			opts = append(opts, anthropicoption.WithBaseURL(cfg.BaseURL))
		}
		return NewAnthropicProvider(cfg.APIKey, opts...), nil

	default:
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidConfig, "unsupported provider: %s", cfg.Provider)
	}
}

// DefaultModel returns a reasonable model for a provider when none is configured.
func DefaultModel(provider string) string {
	switch NormalizeProvider(provider) {
	case "anthropic":
		return "claude-sonnet-4-20250514"
	case "gemini":
		return "gemini-2.0-flash"
	default:
		return "gpt-4o"
	}
}
