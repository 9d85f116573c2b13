package model

import "fmt"

// APIError classifies a provider API failure. Adapters map their SDK errors
// into this type so the errors table gets a stable, groupable code while the
// message keeps the provider detail.
type APIError struct {
	// Provider is the family that produced the error.
	Provider Provider

	// Code is a short classification: "rate_limited", "invalid_api_key",
	// "quota_exceeded", "server_error", "timeout", "api_error".
	Code string

	// Message is the human-readable detail.
	Message string

	// Retryable reports whether the same request could plausibly succeed
	// on a retry.
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}
