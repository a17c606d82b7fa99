// Package retry implements a bounded retry policy with pluggable backoff and
// error classification.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrExhausted matches any error returned after the attempt budget ran out.
var ErrExhausted = errors.New("retries exhausted")

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error // last error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrExhausted, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Backoff returns the delay to wait after the given failed attempt (1-based).
type Backoff func(attempt int) time.Duration

// Exponential returns base*2^(attempt-1) plus a random jitter in [0, jitter),
// capped at max. Jitter is clamped to base so successive delays never decrease.
func Exponential(base, max, jitter time.Duration) Backoff {
	if jitter > base {
		jitter = base
	}
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt && (max <= 0 || d < max); i++ {
			d *= 2
		}
		if jitter > 0 {
			d += rand.N(jitter)
		}
		if max > 0 && d > max {
			d = max
		}
		return d
	}
}

// Constant always waits d.
func Constant(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Policy describes how an operation is retried.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	// Retryable classifies errors. A nil Retryable retries every error.
	Retryable func(error) bool
	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. Non-retryable errors are returned unchanged.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	for attempt := 1; ; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt >= maxAttempts {
			return &ExhaustedError{Attempts: attempt, Err: err}
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, ctx.Err())
		}

		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(attempt)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, err)
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
