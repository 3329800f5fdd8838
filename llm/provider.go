// Package llm provides the completion providers plasma agents call.
//
// A Provider speaks one vendor's chat API. Workers never see a Provider
// directly; they receive a CompletionFunc built with FromProvider, or the
// deterministic Offline echo.
package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Message represents an LLM message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// ChatRequest represents a chat request to the LLM.
type ChatRequest struct {
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// ChatResponse represents a chat response from the LLM.
type ChatResponse struct {
	Content      string `json:"content"`
	StopReason   string `json:"stop_reason"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Chat sends a chat request and returns the response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ProviderConfig holds configuration for NewProvider.
type ProviderConfig struct {
	Provider  string      `json:"provider"` // openai, xai, anthropic, google
	Model     string      `json:"model"`
	APIKey    string      `json:"api_key"`
	MaxTokens int         `json:"max_tokens"`
	BaseURL   string      `json:"base_url"` // Custom API endpoint
	Retry     RetryConfig `json:"retry"`
}

// RetryConfig holds retry settings for LLM calls.
type RetryConfig struct {
	MaxRetries  int           `json:"max_retries"`  // Max retry attempts (default 5)
	MaxBackoff  time.Duration `json:"max_backoff"`  // Max backoff duration (default 60s)
	InitBackoff time.Duration `json:"init_backoff"` // Initial backoff (default 1s)
}

// Validate validates the configuration.
func (c *ProviderConfig) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api key is required for %s", c.Provider)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens is required")
	}
	return nil
}

// --- Mock Provider for Testing ---

// MockProvider is a mock LLM provider for testing. It is safe for
// concurrent use.
type MockProvider struct {
	mu          sync.Mutex
	response    string
	stopReason  string
	lastRequest *ChatRequest
	err         error
	callCount   int

	// ChatFunc can be overridden for custom behavior
	ChatFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// NewMockProvider creates a new mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{stopReason: "end_turn"}
}

// SetResponse sets the response content.
func (p *MockProvider) SetResponse(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.response = content
}

// SetError sets an error to return.
func (p *MockProvider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// LastRequest returns the last request.
func (p *MockProvider) LastRequest() *ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRequest
}

// CallCount returns the number of Chat calls made.
func (p *MockProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCount
}

// Chat implements the Provider interface.
func (p *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	p.mu.Lock()
	p.callCount++
	p.lastRequest = &req
	fn, err, content, stop := p.ChatFunc, p.err, p.response, p.stopReason
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return &ChatResponse{
		Content:    content,
		StopReason: stop,
		Model:      "mock",
	}, nil
}
