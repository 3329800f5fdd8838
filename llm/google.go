package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GoogleProvider implements the Provider interface for Gemini models.
type GoogleProvider struct {
	client    *genai.Client
	modelName string
	maxTokens int
	retry     RetryConfig
}

// GoogleConfig holds configuration for the Google provider.
type GoogleConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
	Retry     RetryConfig
}

// NewGoogleProvider creates a new Google provider.
func NewGoogleProvider(cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for google")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required for google")
	}
	if cfg.MaxTokens == 0 {
		return nil, fmt.Errorf("max_tokens is required for google")
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &GoogleProvider{
		client:    client,
		modelName: cfg.Model,
		maxTokens: cfg.MaxTokens,
		retry:     cfg.Retry,
	}, nil
}

// Close releases the underlying client.
func (p *GoogleProvider) Close() error {
	return p.client.Close()
}

// Chat implements Provider. Non-system messages are joined into a single
// prompt; the model handle is built per call so concurrent calls with
// different budgets do not race.
func (p *GoogleProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := p.client.GenerativeModel(p.modelName)

	maxTokens := int32(p.maxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int32(req.MaxTokens)
	}
	model.MaxOutputTokens = &maxTokens

	var parts []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			model.SystemInstruction = &genai.Content{
				Parts: []genai.Part{genai.Text(m.Content)},
			}
			continue
		}
		parts = append(parts, m.Content)
	}
	prompt := strings.Join(parts, "\n\n")

	var resp *genai.GenerateContentResponse
	err := withRetry(ctx, p.retry, "google", func() error {
		var err error
		resp, err = model.GenerateContent(ctx, genai.Text(prompt))
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &ChatResponse{Model: p.modelName}
	if len(resp.Candidates) > 0 {
		candidate := resp.Candidates[0]
		if candidate.FinishReason != 0 {
			result.StopReason = candidate.FinishReason.String()
		}
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if text, ok := part.(genai.Text); ok {
					result.Content += string(text)
				}
			}
		}
	}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return result, nil
}
