package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errTransient = errors.New("transient")

func TestDo_SucceedsAfterRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, BaseDelay: time.Millisecond}, func() error {
		calls++
		if calls < 2 {
			return errTransient
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Compensation, func() error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 2, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, BaseDelay: time.Millisecond}, func() error {
		calls++
		return Permanent(errTransient)
	})
	assert.ErrorIs(t, err, errTransient)
	var pe *PermanentError
	assert.False(t, errors.As(err, &pe), "permanent wrapper should be stripped")
	assert.Equal(t, 1, calls)
}

func TestDo_RetryablePredicate(t *testing.T) {
	other := errors.New("validation")
	calls := 0
	err := Do(context.Background(), Policy{
		Attempts:  4,
		BaseDelay: time.Millisecond,
		Retryable: func(err error) bool { return errors.Is(err, errTransient) },
	}, func() error {
		calls++
		return other
	})
	assert.ErrorIs(t, err, other)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Policy{Attempts: 3, BaseDelay: time.Second}, func() error {
		return errTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
}
