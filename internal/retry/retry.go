// Package retry provides exponential-backoff retry for transient failures.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/halcyonvault/halcyon/internal/classify"
)

// DefaultMaxAttempts is the attempt count used when Options.MaxAttempts is zero.
const DefaultMaxAttempts = 3

// jitterFraction is the spread applied around the computed delay (±20%).
const jitterFraction = 0.2

// Options controls a single retry loop.
type Options struct {
	// MaxAttempts is the total number of times the operation is invoked.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration
	// ShouldRetry decides whether an error is worth another attempt.
	// When nil, classify.IsRetriable is used, so non-retriable errors
	// propagate immediately without consuming attempts.
	ShouldRetry func(error) bool
	// OnRetry is an observability hook invoked before each backoff sleep.
	// It never affects control flow.
	OnRetry func(attempt int, err error, delay time.Duration)

	// rand overrides the jitter source in tests. Nil uses the global source.
	rand *rand.Rand
}

// Budgets holds the attempt budgets used across the agent. Threaded
// explicitly through call sites instead of living in mutable package state.
type Budgets struct {
	// Default is the budget for ordinary server calls.
	Default int
	// Upload is the budget for archive-body uploads.
	Upload int
	// Report is the budget for failure reporting.
	Report int
}

// DefaultBudgets returns the standard attempt budgets.
func DefaultBudgets() Budgets {
	return Budgets{
		Default: 3,
		Upload:  5,
		Report:  2,
	}
}

// Do invokes op up to MaxAttempts times, sleeping between attempts with
// exponential backoff and ±20% jitter. Errors rejected by ShouldRetry
// propagate immediately. When every attempt fails, the last error is
// returned unchanged so callers can still classify it.
func Do(ctx context.Context, opts Options, op func(context.Context) error) error {
	_, err := DoValue(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, opts Options, op func(context.Context) (T, error)) (T, error) {
	var zero T

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	shouldRetry := opts.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = classify.IsRetriable
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == maxAttempts-1 {
			break
		}
		if !shouldRetry(err) {
			return zero, err
		}

		delay := Delay(attempt, baseDelay, maxDelay, jitter(opts.rand))
		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, lastErr
}

// Delay computes the backoff delay for the given zero-based attempt:
// min(base * 2^attempt * jitterScale, max). A jitterScale of 1 removes
// jitter entirely, which keeps the sequence monotonic.
func Delay(attempt int, base, max time.Duration, jitterScale float64) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt)) * jitterScale
	if backoff > float64(max) {
		return max
	}
	if backoff < 0 {
		return max
	}
	return time.Duration(backoff)
}

// jitter returns a random scale factor in [1-jitterFraction, 1+jitterFraction].
func jitter(r *rand.Rand) float64 {
	var f float64
	if r != nil {
		f = r.Float64()
	} else {
		f = rand.Float64()
	}
	return 1 - jitterFraction + f*2*jitterFraction
}
