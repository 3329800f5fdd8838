package llm

import (
	"context"
	"fmt"

	"github.com/vinayprograms/plasma/ratelimit"
)

// Params are the per-task completion parameters.
type Params struct {
	// MaxTokens bounds the response; zero means the provider default.
	MaxTokens int
}

// CompletionFunc turns a prompt into text. It is the only view of a model
// an agent worker has.
type CompletionFunc func(ctx context.Context, prompt string, params Params) (string, error)

// FromProvider adapts p into a CompletionFunc sending prompt as a single
// user message.
func FromProvider(p Provider) CompletionFunc {
	return func(ctx context.Context, prompt string, params Params) (string, error) {
		resp, err := p.Chat(ctx, ChatRequest{
			Messages:  []Message{{Role: "user", Content: prompt}},
			MaxTokens: params.MaxTokens,
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
}

// Offline returns a CompletionFunc that echoes the prompt, tagged with the
// agent name. It never fails and never touches the network.
func Offline(agent string) CompletionFunc {
	return func(ctx context.Context, prompt string, params Params) (string, error) {
		return fmt.Sprintf("[OFFLINE %s] %s", agent, prompt), nil
	}
}

// WithPreamble prefixes every prompt passed to fn. An empty preamble
// returns fn unchanged.
func WithPreamble(fn CompletionFunc, preamble string) CompletionFunc {
	if preamble == "" {
		return fn
	}
	return func(ctx context.Context, prompt string, params Params) (string, error) {
		return fn(ctx, preamble+prompt, params)
	}
}

// WithRateLimit takes a token for resource from limiter before every call
// to fn. A rate-limit error from fn reduces the resource's capacity; the
// error is still returned.
func WithRateLimit(fn CompletionFunc, limiter ratelimit.Limiter, resource string) CompletionFunc {
	if limiter == nil {
		return fn
	}
	return func(ctx context.Context, prompt string, params Params) (string, error) {
		if err := limiter.Acquire(ctx, resource); err != nil {
			return "", fmt.Errorf("%s rate limit: %w", resource, err)
		}
		text, err := fn(ctx, prompt, params)
		if err != nil && isRateLimitError(err) {
			limiter.AnnounceReduced(resource, err.Error())
		}
		return text, err
	}
}
