package llm

import (
	"fmt"
	"strings"
)

// XAIBaseURL is the OpenAI-compatible endpoint serving grok models.
const XAIBaseURL = "https://api.x.ai/v1"

// NewProvider creates a provider based on the configuration.
// If Provider is empty, it will be inferred from the Model name.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.Provider == "" && cfg.Model != "" {
		cfg.Provider = InferProviderFromModel(cfg.Model)
		if cfg.Provider == "" {
			return nil, fmt.Errorf("cannot determine provider for model %q; set provider explicitly", cfg.Model)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Retry:     cfg.Retry,
		})

	case "xai":
		return NewXAIProvider(OpenAIConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Retry:     cfg.Retry,
		})

	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Retry:     cfg.Retry,
		})

	case "google":
		return NewGoogleProvider(GoogleConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Retry:     cfg.Retry,
		})

	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// InferProviderFromModel returns the provider name based on model name patterns.
func InferProviderFromModel(model string) string {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "chatgpt"):
		return "openai"
	case strings.HasPrefix(model, "gemini"),
		strings.HasPrefix(model, "gemma"):
		return "google"
	case strings.HasPrefix(model, "grok"):
		return "xai"
	}
	return ""
}
