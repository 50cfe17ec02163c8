package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry(t *testing.T) {
	t.Run("SucceedsAfterFailures", func(t *testing.T) {
		attempts := 0
		op := func(_ context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary error")
			}
			return nil
		}

		err := Retry(context.Background(), op, NewConstantBackoffPolicy(time.Millisecond), nil)

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("NonRetriableError", func(t *testing.T) {
		permanent := errors.New("permanent error")
		attempts := 0
		op := func(_ context.Context) error {
			attempts++
			return permanent
		}
		isRetriable := func(err error) bool { return !errors.Is(err, permanent) }

		err := Retry(context.Background(), op, NewConstantBackoffPolicy(time.Millisecond), isRetriable)

		assert.Equal(t, permanent, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("ExhaustedReturnsLastError", func(t *testing.T) {
		opErr := errors.New("still failing")
		policy := &ConstantBackoffPolicy{Interval: time.Millisecond, MaxRetries: 2}
		attempts := 0

		err := Retry(context.Background(), func(_ context.Context) error {
			attempts++
			return opErr
		}, policy, nil)

		assert.Equal(t, opErr, err)
		assert.Equal(t, 3, attempts) // initial try + 2 retries
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := Retry(ctx, func(ctx context.Context) error {
			return ctx.Err()
		}, NewConstantBackoffPolicy(time.Millisecond), nil)

		assert.Equal(t, context.Canceled, err)
	})
}

func TestExponentialBackoffPolicy(t *testing.T) {
	policy := &ExponentialBackoffPolicy{
		InitialInterval: 500 * time.Millisecond,
		BackoffFactor:   2.0,
		MaxInterval:     4 * time.Second,
		MaxRetries:      5,
	}

	intervals := make([]time.Duration, 0, 5)
	for i := 0; i < 5; i++ {
		interval, err := policy.ComputeNextInterval(i, 0, nil)
		require.NoError(t, err)
		intervals = append(intervals, interval)
	}

	assert.Equal(t, []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		4 * time.Second, // capped
	}, intervals)

	_, err := policy.ComputeNextInterval(5, 0, nil)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestLinearBackoffPolicy(t *testing.T) {
	// The graph-poll schedule: 0s, 5s, 10s, ... with ten attempts.
	policy := &LinearBackoffPolicy{
		InitialInterval: 0,
		Increment:       5 * time.Second,
		MaxRetries:      10,
	}

	var total time.Duration
	for i := 0; i < 10; i++ {
		interval, err := policy.ComputeNextInterval(i, 0, nil)
		require.NoError(t, err)
		total += interval
	}

	assert.Equal(t, 225*time.Second, total)

	_, err := policy.ComputeNextInterval(10, 0, nil)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestRetrierReset(t *testing.T) {
	retrier := NewRetrier(&ConstantBackoffPolicy{Interval: time.Second, MaxRetries: 1})

	_, err := retrier.Next(errors.New("first"))
	require.NoError(t, err)
	_, err = retrier.Next(errors.New("second"))
	require.ErrorIs(t, err, ErrRetriesExhausted)

	retrier.Reset()
	_, err = retrier.Next(errors.New("third"))
	assert.NoError(t, err)
}
