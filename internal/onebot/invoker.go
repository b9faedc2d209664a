package onebot

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
)

// Invoker is the facade through which the rest of the system issues
// upstream actions. It exposes the four call shapes the downstream RPC
// proxy understands: call (raw response), data (ok-checked payload), ok
// (ok-checked, payload ignored) and retry (data wrapped in the retry
// loop).
type Invoker struct {
	client *Client
	retry  RetryConfig
	logger zerolog.Logger
}

// NewInvoker wraps a client with retry policy.
func NewInvoker(client *Client, retry RetryConfig, logger zerolog.Logger) *Invoker {
	return &Invoker{
		client: client,
		retry:  retry,
		logger: logger.With().Str("component", "invoker").Logger(),
	}
}

// Call returns the raw gateway response, including non-ok statuses.
func (i *Invoker) Call(ctx context.Context, action string, params any) (*Response, error) {
	return i.client.Call(ctx, action, params)
}

// Data returns the response payload, converting a non-ok status into an
// ActionError.
func (i *Invoker) Data(ctx context.Context, action string, params any) (json.RawMessage, error) {
	resp, err := i.client.Call(ctx, action, params)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &ActionError{Action: action, Retcode: resp.Retcode, Text: resp.ErrorText()}
	}
	return resp.Data, nil
}

// OK issues the action and reports only success or failure.
func (i *Invoker) OK(ctx context.Context, action string, params any) error {
	_, err := i.Data(ctx, action, params)
	return err
}

// Retry behaves like Data but drives the bounded retry loop for errors the
// classifier deems retriable.
func (i *Invoker) Retry(ctx context.Context, action string, params any) (json.RawMessage, error) {
	attempt := 0
	return Retry(ctx, i.retry, func() (json.RawMessage, error) {
		attempt++
		data, err := i.Data(ctx, action, params)
		if err != nil && attempt < i.retry.MaxAttempts && IsRetriable(err) {
			i.logger.Warn().
				Str("action", action).
				Int("attempt", attempt).
				Err(err).
				Msg("Upstream call failed, will retry")
		}
		return data, err
	})
}
