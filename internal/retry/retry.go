// Package retry runs provider calls under bounded exponential backoff.
// Only errors classified as retryable are attempted again.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/yourorg/payment-gateway/internal/apperr"
	tracectx "github.com/yourorg/payment-gateway/internal/context"
)

const (
	DefaultMaxRetries     = 3
	DefaultInitialDelay   = time.Second
	DefaultMaxDelay       = 5 * time.Second
	DefaultFactor         = 2.0
	DefaultAttemptTimeout = 10 * time.Second
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy is a bounded exponential backoff policy.
type Policy struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Factor         float64
	AttemptTimeout time.Duration
	Sleep          SleepFunc
	Logger         *slog.Logger
}

// DefaultPolicy allows 3 retries (4 attempts) with delays of 1s, 2s and 4s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     DefaultMaxRetries,
		InitialDelay:   DefaultInitialDelay,
		MaxDelay:       DefaultMaxDelay,
		Factor:         DefaultFactor,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// MaxAttempts is the initial attempt plus MaxRetries.
func (p Policy) MaxAttempts() int { return p.MaxRetries + 1 }

// Delay returns the wait before retry n (1-based), capped at MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 1; i < n; i++ {
		d *= p.Factor
		if time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Budget is the longest a Do call can take: every attempt running to its
// timeout plus every backoff delay.
func (p Policy) Budget() time.Duration {
	total := time.Duration(p.MaxAttempts()) * p.AttemptTimeout
	for n := 1; n <= p.MaxRetries; n++ {
		total += p.Delay(n)
	}
	return total
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. Each attempt runs under its own AttemptTimeout;
// an attempt that overruns it is reported as a TimeoutError.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts(); attempt++ {
		result, err := runAttempt(ctx, p.AttemptTimeout, attempt, fn)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !apperr.IsRetryable(err) {
			return zero, err
		}
		remaining := p.MaxAttempts() - attempt
		if remaining == 0 {
			break
		}
		delay := p.Delay(attempt)
		logger.WarnContext(ctx, "provider attempt failed, retrying",
			"trace_id", tracectx.TraceIDFromContext(ctx),
			"attempt", attempt,
			"max_attempts", p.MaxAttempts(),
			"remaining", remaining,
			"delay", delay,
			"error", err)
		if err := sleep(ctx, delay); err != nil {
			return zero, apperr.Wrap(apperr.Timeout, "Request cancelled while waiting to retry", errors.Join(err, lastErr))
		}
	}
	logger.WarnContext(ctx, "provider retry budget exhausted",
		"trace_id", tracectx.TraceIDFromContext(ctx),
		"max_attempts", p.MaxAttempts(),
		"error", lastErr)
	return zero, lastErr
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, attempt int, fn func(context.Context, int) (T, error)) (T, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	result, err := fn(attemptCtx, attempt)
	if err == nil {
		return result, nil
	}
	if _, classified := apperr.As(err); !classified && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		err = apperr.Wrap(apperr.Timeout, "Upstream request timed out", err)
	}
	return result, err
}
