package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/sendloop/journey/internal/actions"
	"github.com/sendloop/journey/pkg/schema"
)

// RetryPolicy bounds action retries. MaxAttempts counts the first attempt, so
// MaxAttempts=3 means at most two retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is applied when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   2 * time.Second,
	MaxDelay:    time.Minute,
}

func (p RetryPolicy) orDefault() RetryPolicy {
	if p.MaxAttempts <= 0 {
		return DefaultRetryPolicy
	}
	return p
}

// ComputeBackoff returns the exponential delay before retry number attempt
// (0-based: the delay after the first failure is attempt 0).
func (p RetryPolicy) ComputeBackoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for the given delay or returns early if the context
// is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRetryableError classifies whether a failure should be retried.
// Classified action failures and typed errors decide for themselves; network
// errors and common transport failure strings are retryable; everything else
// defaults to retryable so the attempt cap is the real limit.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Context cancelled means the engine is shutting down, not a flaky effect.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var actErr *actions.ActionError
	if errors.As(err, &actErr) {
		return actErr.Kind == actions.FailureTransient
	}

	var jErr *schema.JourneyError
	if errors.As(err, &jErr) {
		return jErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return true
}
