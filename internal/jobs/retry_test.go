package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/tally/internal/config"
	"github.com/rafaeljc/tally/internal/store"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		Multiplier:  2,
		MinDelay:    time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestRetryPolicy_Do(t *testing.T) {
	t.Parallel()

	errTransient := errors.New("connection reset")

	tests := []struct {
		name        string
		attempts    int
		failures    int
		err         error
		wantCalls   int
		wantErr     error
		wantRetries int
	}{
		{
			name:      "Should return nil after first success",
			attempts:  3,
			wantCalls: 1,
		},
		{
			name:        "Should retry transient errors until success",
			attempts:    3,
			failures:    2,
			err:         errTransient,
			wantCalls:   3,
			wantRetries: 2,
		},
		{
			name:        "Should stop after max attempts",
			attempts:    3,
			failures:    10,
			err:         errTransient,
			wantCalls:   3,
			wantErr:     errTransient,
			wantRetries: 2,
		},
		{
			name:      "Should not retry not found errors",
			attempts:  5,
			failures:  10,
			err:       fmt.Errorf("load transaction: %w", store.ErrNotFound),
			wantCalls: 1,
			wantErr:   store.ErrNotFound,
		},
		{
			name:      "Should not retry malformed payloads",
			attempts:  5,
			failures:  10,
			err:       ErrMalformedPayload,
			wantCalls: 1,
			wantErr:   ErrMalformedPayload,
		},
		{
			name:      "Should treat zero attempts as one",
			attempts:  0,
			failures:  10,
			err:       errTransient,
			wantCalls: 1,
			wantErr:   errTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			calls, retries := 0, 0
			var seen []int

			// Act
			err := fastPolicy(tt.attempts).Do(context.Background(), func(_ context.Context, attempt int) error {
				calls++
				seen = append(seen, attempt)
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			}, func(error, time.Duration) { retries++ })

			// Assert
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantRetries, retries)
			for i, a := range seen {
				assert.Equal(t, i+1, a, "attempts are numbered from one")
			}
		})
	}
}

func TestRetryPolicy_Do_Cancelled(t *testing.T) {
	t.Parallel()

	// Arrange
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 10, Multiplier: 1, MinDelay: time.Hour, MaxDelay: time.Hour}

	// Act
	done := make(chan error, 1)
	go func() {
		done <- policy.Do(ctx, func(context.Context, int) error { return errors.New("boom") }, nil)
	}()
	cancel()

	// Assert
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestRetryPolicy_WaitsStayWithinBounds(t *testing.T) {
	t.Parallel()

	// Arrange
	policy := NewRetryPolicy(config.RetryConfig{
		MaxAttempts:       20,
		BackoffMultiplier: 1.8,
		MinDelay:          time.Second,
		MaxDelay:          30 * time.Second,
		Jitter:            0.5,
	})
	var lowest, highest time.Duration

	// Act
	for run := 0; run < 500; run++ {
		b := policy.backOff(context.Background())
		for {
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				break
			}
			if lowest == 0 || wait < lowest {
				lowest = wait
			}
			highest = max(highest, wait)
		}
	}

	// Assert
	assert.GreaterOrEqual(t, lowest, time.Second)
	assert.LessOrEqual(t, highest, 30*time.Second)
	assert.Equal(t, 30*time.Second, highest, "late attempts reach the cap")
}
