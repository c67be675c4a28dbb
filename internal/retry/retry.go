// Package retry runs an operation again after transient failures, with
// exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy describes how often and how patiently to retry.
type Policy struct {
	Attempts  int           // total calls, including the first
	BaseDelay time.Duration // delay before the second call; doubled afterwards
	// Retryable decides whether err is worth another attempt. Nil retries
	// every error that is not Permanent.
	Retryable func(err error) bool
}

// Compensation is used for reversing ledger writes: the first attempt plus
// exactly one retry.
var Compensation = Policy{Attempts: 2, BaseDelay: 50 * time.Millisecond}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it immediately.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, returns a permanent or non-retryable error,
// attempts run out, or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, fn func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		// +-25% jitter so competing writers spread out.
		sleep := delay
		if q := int64(delay / 4); q > 0 {
			sleep = delay - time.Duration(q) + time.Duration(rand.Int64N(2*q+1))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
	}
	return err
}
