package evm

import (
	"context"
	"strings"
	"time"
)

const callAttempts = 3

// retryCall retries transient failures with 100ms, 200ms, 400ms backoff.
func retryCall(ctx context.Context, fn func() error, attempts int) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransientError(err.Error()) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(100<<attempt) * time.Millisecond):
		}
	}
	return lastErr
}

var transientPatterns = []string{
	"eof",
	"connection reset",
	"timeout",
	"temporary failure",
	"too many requests",
	"rate limit",
	"503",
	"502",
	"504",
}

// isTransientError reports whether a node error is worth retrying.
func isTransientError(errStr string) bool {
	lower := strings.ToLower(errStr)
	for _, pattern := range transientPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
