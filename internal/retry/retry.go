// Package retry runs operations with capped exponential backoff. Only errors
// classified as transient are retried.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// Default is used by the repository and the verification cache writes.
var Default = Policy{Attempts: 3, Initial: 50 * time.Millisecond, Max: time.Second}

// Do calls fn until it succeeds, fails permanently, runs out of attempts or
// ctx ends while waiting. It returns the number of calls made and the last
// error. onRetry, when non-nil, sees each transient error before the wait.
func (p Policy) Do(ctx context.Context, fn func() error, onRetry func(attempt int, err error)) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	wait := p.Initial

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || attempt == attempts || !Transient(err) {
			return attempt, err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
		if wait *= 2; p.Max > 0 && wait > p.Max {
			wait = p.Max
		}
	}
}

// Transient reports whether err is worth another attempt: deadlines and
// network errors that say they are timeouts or temporary.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
