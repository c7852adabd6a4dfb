// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryWithBackoff retries fn up to maxAttempts-1 additional times with
// quadratic backoff (attempt^2 * baseDelay, plus a random jitter below one
// baseDelay) whenever fn's error is
// retryable according to isRetryable. It returns fn's last error if every
// attempt is exhausted, or immediately on a non-retryable error or context
// cancellation.
func RetryWithBackoff(ctx context.Context, maxAttempts int, baseDelay time.Duration, isRetryable func(error) bool, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * baseDelay
			if baseDelay > 0 {
				backoff += time.Duration(rand.Int63n(int64(baseDelay)))
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}
	return lastErr
}
