// ABOUTME: Retry policy with exponential backoff and full jitter for LLM calls.
// ABOUTME: Retries only errors that declare themselves retryable; honors provider retry-after hints.

package llm

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls how the client retries transient provider errors.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the backoff before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration
	// Multiplier scales the delay between attempts.
	Multiplier float64
}

// DefaultRetryPolicy returns the standard policy: three attempts, 500ms base,
// capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// ShouldRetry reports whether the error may be retried on the given attempt
// (1-based). Only errors implementing Retryable and reporting true qualify;
// context cancellation and deadline expiry never do.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}

// Delay computes the backoff before the given retry attempt (1-based) using
// exponential growth with full jitter. A provider retry-after hint overrides
// the computed delay.
func (p RetryPolicy) Delay(err error, attempt int) time.Duration {
	if hint := retryAfterHint(err); hint > 0 {
		if hint > p.MaxDelay {
			return p.MaxDelay
		}
		return hint
	}

	backoff := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	// Full jitter: uniform over [0, backoff).
	return time.Duration(rand.Float64() * backoff)
}

// retryAfterHint extracts a provider-requested backoff from the error chain.
func retryAfterHint(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.RetryAfter != nil && *pe.RetryAfter > 0 {
		return time.Duration(*pe.RetryAfter * float64(time.Second))
	}
	return 0
}

// sleepContext waits for the duration or until the context is done,
// whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
