package providers

import (
	"context"
	"errors"
	"net"
	"time"
)

// transportError marks a failure below the HTTP layer (dial, reset, EOF).
// Only these are retried; provider-declared errors never are.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return "transport: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// isRetryable reports whether err is a transport-level failure.
func isRetryable(err error) bool {
	var te *transportError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && !ne.Timeout()
}

// retryDo runs fn up to maxRetries+1 times with linear backoff, retrying
// only transport-level errors. Context cancellation stops immediately.
func retryDo[T any](ctx context.Context, maxRetries int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return zero, err
		}
	}
	return zero, lastErr
}
