package rotate

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/systmms/keyturn/internal/logging"
)

// Defaults for the propagation poll. Rotation is a rare, operator-triggered
// action, so the policy is a fixed interval with a fixed attempt cap
// rather than exponential backoff.
const (
	DefaultMaxAttempts  = 20
	DefaultPollInterval = 3 * time.Second
)

// TimeoutError reports that the poll exhausted its attempt budget without
// the check ever succeeding.
type TimeoutError struct {
	Attempts int
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("check did not succeed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// FixedIntervalWaiter polls at a constant interval up to a fixed number of
// attempts. The timer is replaceable so tests can simulate a full attempt
// budget without wall-clock delay.
type FixedIntervalWaiter struct {
	Interval    time.Duration
	MaxAttempts int
	Logger      *logging.Logger

	// Timer overrides the retry clock; nil uses real time.
	Timer backoff.Timer
}

// NewFixedIntervalWaiter creates a waiter with the given policy; zero values
// fall back to the defaults.
func NewFixedIntervalWaiter(interval time.Duration, maxAttempts int, logger *logging.Logger) *FixedIntervalWaiter {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &FixedIntervalWaiter{Interval: interval, MaxAttempts: maxAttempts, Logger: logger}
}

// PollUntil runs check until it returns nil or the attempt budget is spent.
// Every failure is treated identically (the waiter cannot tell propagation
// lag from a genuinely broken credential), so there is no early bail-out on
// any particular error.
func (w *FixedIntervalWaiter) PollUntil(ctx context.Context, check func(ctx context.Context) error) error {
	// The fields are exported, so a struct-literal waiter can bypass the
	// constructor defaults. Clamp here too: MaxAttempts of 0 must not
	// underflow the retry budget into an effectively unbounded poll.
	maxAttempts := w.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	attempts := 0
	var lastErr error

	op := func() error {
		attempts++
		if err := check(ctx); err != nil {
			lastErr = err
			return err
		}
		return nil
	}

	notify := func(err error, next time.Duration) {
		if w.Logger != nil {
			w.Logger.Debug("verification attempt %d/%d failed, retrying in %s: %v", attempts, maxAttempts, next, err)
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(maxAttempts-1)),
		ctx,
	)

	if err := backoff.RetryNotifyWithTimer(op, policy, notify, w.Timer); err != nil {
		if lastErr == nil {
			lastErr = err // context cancellation before any attempt failed
		}
		return &TimeoutError{Attempts: attempts, Err: lastErr}
	}
	return nil
}
