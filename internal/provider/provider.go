// Package provider abstracts SMS delivery channels. A Gateway fronts a
// primary and an optional backup SMSProvider, adding bounded retry with
// exponential backoff, failover, batch chunking and rate limiting.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// SendRequest is one provider call: a body delivered to a recipient batch.
type SendRequest struct {
	Recipients []string
	Body       string
	Sender     string
}

// SendResult reports the per-recipient outcome of one provider call.
type SendResult struct {
	Accepted          []string
	Rejected          []string
	ProviderMessageID string
	Provider          string
}

// SMSProvider is a single delivery channel.
type SMSProvider interface {
	Name() string
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
}

// ProviderError describes a failed provider call. Retryable errors (network
// failures, timeouts, 5xx) are retried by the Gateway; permanent errors
// (bad credentials, malformed payload) propagate immediately.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s (status %d, retryable %t)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// IsRetryable reports whether err is a provider error worth retrying.
// Unrecognized errors (transport-level failures wrapped by net/http) are
// treated as retryable.
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return true
}
