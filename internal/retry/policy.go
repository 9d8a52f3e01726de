// Package retry holds the exponential backoff policy shared by the
// verification classifier and the delivery scheduler.
package retry

import (
	"context"
	"errors"
	"time"
)

const maxShift = 20

// Policy describes delays of Base * 2^n for attempt n, starting at n = 0.
type Policy struct {
	Base       time.Duration
	MaxRetries int
}

func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > maxShift {
		retryCount = maxShift
	}
	return p.Base << uint(retryCount)
}

// Exhausted reports whether retryCount has reached the configured maximum.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that callers stop retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var target *permanentError
	return errors.As(err, &target)
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
