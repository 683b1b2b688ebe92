package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped   = errors.New("queue stopped")
	ErrQueueFull = errors.New("queue full")
)

// NoRetry marks an error as non-retryable.
//
// Handlers wrap schema/validation failures with NoRetry so the queue routes
// the delivery straight to the dead-letter hook instead of burning retries.
//
// Example:
//
//	return queue.NoRetry(fmt.Errorf("bad feed row: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before redelivery.
//
// This is useful when the downstream system returns a Retry-After value
// (e.g., HTTP 429). The queue will respect the hint (bounded by
// RetryMaxDelay) and still apply jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
