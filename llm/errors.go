// ABOUTME: Structured error types for LLM provider failures.
// ABOUTME: Maps HTTP status codes to typed errors carrying retryability and retry-after hints.

package llm

import "encoding/json"

// Retryable is implemented by errors that may be retried by the client.
type Retryable interface {
	IsRetryable() bool
}

// ProviderError is an error returned by a provider's API. It carries the
// HTTP status code, the provider's error code, and the raw error body.
type ProviderError struct {
	Provider   string
	StatusCode int
	ErrorCode  string
	Message    string
	Retryable  bool
	// RetryAfter is the provider's requested backoff in seconds, when given.
	RetryAfter *float64
	Raw        json.RawMessage
}

func (e *ProviderError) Error() string {
	if e.ErrorCode != "" {
		return e.Provider + ": " + e.ErrorCode + ": " + e.Message
	}
	return e.Provider + ": " + e.Message
}

// IsRetryable reports whether the client may retry the request.
func (e *ProviderError) IsRetryable() bool { return e.Retryable }

// RateLimitError is a 429 response. Retryable.
type RateLimitError struct{ ProviderError }

// ServerError is a 5xx response. Retryable.
type ServerError struct{ ProviderError }

// AuthenticationError is a 401 response. Not retryable.
type AuthenticationError struct{ ProviderError }

// AccessDeniedError is a 403 response. Not retryable.
type AccessDeniedError struct{ ProviderError }

// InvalidRequestError is a 400 or 422 response. Not retryable.
type InvalidRequestError struct{ ProviderError }

// ContextLengthError is a 413 response. Not retryable.
type ContextLengthError struct{ ProviderError }

// NotFoundError is a 404 response. Not retryable.
type NotFoundError struct{ ProviderError }

func (e *RateLimitError) Unwrap() error      { return &e.ProviderError }
func (e *ServerError) Unwrap() error         { return &e.ProviderError }
func (e *AuthenticationError) Unwrap() error { return &e.ProviderError }
func (e *AccessDeniedError) Unwrap() error   { return &e.ProviderError }
func (e *InvalidRequestError) Unwrap() error { return &e.ProviderError }
func (e *ContextLengthError) Unwrap() error  { return &e.ProviderError }
func (e *NotFoundError) Unwrap() error       { return &e.ProviderError }

// TimeoutError is a request that exceeded its deadline. Transport timeouts
// abort the calling phase and are never retried by the client.
type TimeoutError struct {
	Message string
	Cause   error
}

func (e *TimeoutError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *TimeoutError) Unwrap() error     { return e.Cause }
func (e *TimeoutError) IsRetryable() bool { return false }

// NetworkError is a connection-level failure (DNS, refused, reset).
type NetworkError struct {
	Message string
	Cause   error
}

func (e *NetworkError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *NetworkError) Unwrap() error     { return e.Cause }
func (e *NetworkError) IsRetryable() bool { return true }

// ConfigurationError is a client misconfiguration (missing API key, unknown
// provider). Not retryable.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string    { return e.Message }
func (e *ConfigurationError) IsRetryable() bool { return false }

// ErrorFromStatusCode maps an HTTP status code to a typed provider error.
// Unknown codes are treated as retryable server-side trouble.
func ErrorFromStatusCode(statusCode int, provider, errorCode, message string, raw json.RawMessage, retryAfter *float64) error {
	base := ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Raw:        raw,
		RetryAfter: retryAfter,
	}

	switch {
	case statusCode == 400 || statusCode == 422:
		return &InvalidRequestError{base}
	case statusCode == 401:
		return &AuthenticationError{base}
	case statusCode == 403:
		return &AccessDeniedError{base}
	case statusCode == 404:
		return &NotFoundError{base}
	case statusCode == 413:
		return &ContextLengthError{base}
	case statusCode == 429:
		base.Retryable = true
		return &RateLimitError{base}
	case statusCode >= 500 && statusCode <= 599:
		base.Retryable = true
		return &ServerError{base}
	default:
		base.Retryable = true
		return &base
	}
}
