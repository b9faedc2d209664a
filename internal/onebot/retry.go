package onebot

import (
	"context"
	"strings"
	"time"
)

// Non-retriable failure tokens: the gateway rejected the action itself, so
// repeating it cannot succeed. Matched as lowercased substrings.
var nonRetriableTokens = []string{
	"invalid_path",
	"invalid path",
	"unauthorized",
	"forbidden",
	"bad request",
	"not found",
	"参数错误",
	"invalid",
}

// Retriable failure tokens: connectivity-shaped errors that a later attempt
// may outlive.
var retriableTokens = []string{
	"websocket not open",
	"no reverse ws client connected",
	"closed",
	"timeout",
	"timed out",
	"econnrefused",
	"econnreset",
	"failed to fetch",
	"network",
	"temporarily",
}

// IsRetriable classifies an error message. Non-retriable tokens win over
// retriable ones; an unrecognized message defaults to retriable.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, tok := range nonRetriableTokens {
		if strings.Contains(msg, tok) {
			return false
		}
	}
	for _, tok := range retriableTokens {
		if strings.Contains(msg, tok) {
			return true
		}
	}
	return true
}

// RetryConfig drives the bounded retry loop around upstream calls.
type RetryConfig struct {
	Enabled     bool
	Interval    time.Duration
	MaxAttempts int
}

// Retry runs fn up to MaxAttempts times, sleeping Interval between
// attempts. It stops early on success, on a non-retriable error, or when
// ctx is done. The last attempt's error is surfaced unmodified.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	attempts := cfg.MaxAttempts
	if !cfg.Enabled || attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !IsRetriable(err) || attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(cfg.Interval):
		}
	}
	return zero, lastErr
}
