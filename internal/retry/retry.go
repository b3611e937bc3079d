// Package retry runs an operation with exponential backoff and a per-attempt
// timeout.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrInvalidAttempts is returned when a policy allows no attempts.
var ErrInvalidAttempts = errors.New("retry: attempts must be greater than zero")

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// BaseDelay is the wait after the first failure. It doubles after each
	// further failure, capped at MaxDelay when MaxDelay is set.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Timeout bounds a single attempt. Zero means no per-attempt limit.
	Timeout time.Duration
}

// Delay returns the wait before attempt n+1, after n failed attempts.
func (p Policy) Delay(n int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls op until it succeeds, returns a Permanent error, the attempts are
// exhausted or ctx is done. It reports the number of attempts made and the
// last error.
func Do(ctx context.Context, p Policy, logger *slog.Logger, op func(ctx context.Context) error) (int, error) {
	if p.Attempts <= 0 {
		return 0, ErrInvalidAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		lastErr = call(ctx, p.Timeout, op)
		if lastErr == nil {
			if attempt > 1 {
				logger.Debug("operation succeeded after retry", "attempt", attempt)
			}
			return attempt, nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return attempt, perm.err
		}

		logger.Debug("operation failed, will retry", "attempt", attempt, "max_attempts", p.Attempts, "error", lastErr)

		if attempt == p.Attempts {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return p.Attempts, lastErr
}

func call(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	if timeout <= 0 {
		return op(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := op(actx)
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("attempt timed out after %s: %w", timeout, err)
	}
	return err
}
