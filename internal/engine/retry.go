package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/graphrun/pkg/schema"
)

// IsRetryableError classifies whether a node failure may be retried.
// Cancellation of the run's context never is; graph errors decide by code.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ge *schema.GraphError
	if errors.As(err, &ge) {
		return ge.IsRetryable()
	}
	return true
}

// ShouldRetry reports whether a node that failed with err after attempt
// retries (zero-based) gets another one.
func ShouldRetry(policy schema.RetryPolicy, err error, attempt int) bool {
	if !policy.Enabled || attempt >= policy.MaxRetries {
		return false
	}
	return IsRetryableError(err)
}

// ComputeBackoff calculates the delay before retry number attempt+1.
// Intervals are milliseconds; constant is the default backoff.
func ComputeBackoff(policy schema.RetryPolicy, attempt int) time.Duration {
	if policy.RetryInterval <= 0 {
		return 0
	}
	base := time.Duration(policy.RetryInterval) * time.Millisecond

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		multiplier := time.Duration(1)
		for i := 0; i < attempt && i < 30; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case "linear":
		delay = base * time.Duration(attempt+1)
	default:
		delay = base
	}

	if policy.MaxInterval > 0 {
		if maxDelay := time.Duration(policy.MaxInterval) * time.Millisecond; delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if ctx is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
