package evm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestRetryCallRetriesTransient retries rate limit errors until success.
func TestRetryCallRetriesTransient(t *testing.T) {
	calls := 0
	err := retryCall(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("429 Too Many Requests")
		}
		return nil
	}, 3)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

// TestRetryCallStopsOnPermanent returns a revert without retrying.
func TestRetryCallStopsOnPermanent(t *testing.T) {
	calls := 0
	err := retryCall(context.Background(), func() error {
		calls++
		return errors.New("execution reverted")
	}, 3)
	require.EqualError(t, err, "execution reverted")
	require.Equal(t, 1, calls)
}

// TestRetryCallHonoursContext stops backing off once the context is cancelled.
func TestRetryCallHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retryCall(ctx, func() error {
		return errors.New("connection reset by peer")
	}, 3)
	require.ErrorIs(t, err, context.Canceled)
}

// TestIsTransientError classifies common node failures.
func TestIsTransientError(t *testing.T) {
	require.True(t, isTransientError("read tcp: i/o timeout"))
	require.True(t, isTransientError("502 Bad Gateway"))
	require.True(t, isTransientError("unexpected EOF"))
	require.False(t, isTransientError("execution reverted"))
	require.False(t, isTransientError("circuit breaker is open"))
}
