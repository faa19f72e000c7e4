package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled    = errors.New("engine disabled")
	ErrStopped     = errors.New("engine stopped")
	ErrStopping    = errors.New("engine stopping")
	ErrQueueFull   = errors.New("engine queue full")
	ErrOverlapSkip = errors.New("job skipped: already queued or running")
	ErrCircuitOpen = errors.New("job skipped: circuit breaker open")
	ErrStale       = errors.New("job dropped: waited too long in queue")
	ErrDiscarded   = errors.New("job discarded: engine stopped before it ran")
)

// Interrupted reports whether err means the engine stopped the job rather
// than the job failing on its own. Such jobs may be submitted again.
func Interrupted(err error) bool {
	return errors.Is(err, ErrDiscarded) || errors.Is(err, ErrStopping) || errors.Is(err, context.Canceled)
}

// NoRetry marks err as permanent so the engine stops retrying.
//
//	return engine.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err was wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before the next attempt. The engine
// caps it at RetryMaxDelay and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors carrying an explicit retry delay.
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
