package connection

import (
	"context"
	"errors"
	"time"
)

// ErrRetriesExhausted indicates the attempt budget ran out.
var ErrRetriesExhausted = errors.New("dial retries exhausted")

// DialFunc attempts to establish a device connection.
type DialFunc func(ctx context.Context) error

// RetryConfig configures a Retry call.
type RetryConfig struct {
	// Backoff parameters; zero values take the package defaults.
	Backoff BackoffConfig

	// MaxAttempts bounds the number of dials; zero means unbounded
	// (until the context is done).
	MaxAttempts int

	// OnRetry is invoked before each wait with the attempt number and
	// upcoming delay (optional).
	OnRetry func(attempt int, delay time.Duration)
}

// Retry dials until success, context cancellation, or the attempt budget
// is spent. The last dial error is wrapped into the result on failure.
func Retry(ctx context.Context, dial DialFunc, cfg RetryConfig) error {
	backoff := NewBackoffWithConfig(cfg.Backoff)

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return joinLast(err, lastErr)
		}

		lastErr = dial(ctx)
		if lastErr == nil {
			return nil
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return joinLast(ErrRetriesExhausted, lastErr)
		}

		delay := backoff.Next()
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return joinLast(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
}

// joinLast pairs a terminal condition with the last dial error.
func joinLast(terminal, last error) error {
	if last == nil {
		return terminal
	}
	return errors.Join(terminal, last)
}
