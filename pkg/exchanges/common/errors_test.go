package common

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindMatching(t *testing.T) {
	err := NewError(KindInsufficientFunds, "bitget", "40001", "insufficient balance")

	assert.True(t, IsKind(err, KindInsufficientFunds))
	assert.False(t, IsKind(err, KindRateLimit))
	assert.Equal(t, KindInsufficientFunds, KindOf(err))

	// Wrapped errors still match on kind.
	wrapped := fmt.Errorf("place order: %w", err)
	assert.True(t, IsKind(wrapped, KindInsufficientFunds))

	var typed *Error
	require.True(t, errors.As(wrapped, &typed))
	assert.Equal(t, "40001", typed.Code)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewError(KindRateLimit, "kraken", "", "throttled")))
	assert.True(t, IsRetryable(NewError(KindNetwork, "", "", "connection reset")))
	assert.False(t, IsRetryable(NewError(KindOrder, "binance", "-2010", "bad precision")))
	assert.False(t, IsRetryable(NewError(KindInsufficientFunds, "bitget", "40001", "no funds")))
	assert.False(t, IsRetryable(errors.New("plain error")))
}

func TestWithRetryStopsOnBusinessError(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, func() error {
		calls++
		return NewError(KindOrder, "binance", "-2010", "bad precision")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls, "business errors must not be retried")
}

func TestWithRetryRetriesTransient(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return NewError(KindNetwork, "", "", "timeout")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}
