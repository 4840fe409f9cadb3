package common

import (
	"context"
	"time"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBase     = 500 * time.Millisecond
)

// WithRetry runs fn, retrying transient failures (rate limit, network) with
// exponential backoff up to attempts tries. Business rejections cross the
// boundary on the first occurrence so callers never double-submit an order
// whose outcome is already definitive.
func WithRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	var err error
	delay := defaultRetryBase
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !IsRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
