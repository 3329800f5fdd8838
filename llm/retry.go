package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry configuration defaults
const (
	defaultMaxRetries  = 5
	defaultInitBackoff = 1 * time.Second
	defaultMaxBackoff  = 60 * time.Second
	backoffFactor      = 2.0
)

// effective returns r with defaults filled in.
func (r RetryConfig) effective() RetryConfig {
	if r.MaxRetries <= 0 {
		r.MaxRetries = defaultMaxRetries
	}
	if r.InitBackoff <= 0 {
		r.InitBackoff = defaultInitBackoff
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = defaultMaxBackoff
	}
	return r
}

// withRetry runs op until it succeeds, fails permanently, exhausts the
// retry budget or ctx ends. Only rate-limit and 5xx errors are retried;
// billing errors are fatal.
func withRetry(ctx context.Context, cfg RetryConfig, name string, op func() error) error {
	cfg = cfg.effective()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = backoffFactor
	b.MaxElapsedTime = 0

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if isBillingError(err) {
			return backoff.Permanent(fmt.Errorf("billing/payment error (fatal): %w", err))
		}
		if !isRetryableError(err) {
			return backoff.Permanent(fmt.Errorf("%s request failed: %w", name, err))
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxRetries)), ctx))

	if err != nil && isRetryableError(err) && !isBillingError(err) {
		return fmt.Errorf("%s request failed after %d attempts: %w", name, attempts, err)
	}
	return err
}

// isRateLimitError checks if the error is a rate limit error.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "capacity")
}

// isServerError checks if the error is a transient server error (5xx).
func isServerError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") ||
		strings.Contains(errStr, "temporarily unavailable")
}

// isRetryableError checks if the error is retryable (rate limit or server error).
func isRetryableError(err error) bool {
	return isRateLimitError(err) || isServerError(err)
}

// isBillingError checks if the error is a billing/payment/quota error (fatal, no retry).
func isBillingError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "credits") ||
		strings.Contains(errStr, "quota exceeded") ||
		strings.Contains(errStr, "insufficient") ||
		strings.Contains(errStr, "402") ||
		strings.Contains(errStr, "subscription") ||
		strings.Contains(errStr, "expired")
}
