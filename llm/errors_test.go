// ABOUTME: Tests for the LLM error taxonomy and status-code mapping.
// ABOUTME: Verifies retryability flags and errors.As behavior across the hierarchy.

package llm

import (
	"errors"
	"testing"
)

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		status    int
		wantRetry bool
		wantType  string
	}{
		{400, false, "invalid_request"},
		{401, false, "authentication"},
		{403, false, "access_denied"},
		{404, false, "not_found"},
		{413, false, "context_length"},
		{422, false, "invalid_request"},
		{429, true, "rate_limit"},
		{500, true, "server"},
		{503, true, "server"},
		{418, true, "provider"},
	}

	for _, tt := range tests {
		err := ErrorFromStatusCode(tt.status, "prov", "code", "msg", nil, nil)
		var r Retryable
		if !errors.As(err, &r) {
			t.Fatalf("status %d: error does not implement Retryable", tt.status)
		}
		if got := r.IsRetryable(); got != tt.wantRetry {
			t.Errorf("status %d: IsRetryable() = %v, want %v", tt.status, got, tt.wantRetry)
		}

		switch tt.wantType {
		case "invalid_request":
			var e *InvalidRequestError
			if !errors.As(err, &e) {
				t.Errorf("status %d: not InvalidRequestError", tt.status)
			}
		case "authentication":
			var e *AuthenticationError
			if !errors.As(err, &e) {
				t.Errorf("status %d: not AuthenticationError", tt.status)
			}
		case "access_denied":
			var e *AccessDeniedError
			if !errors.As(err, &e) {
				t.Errorf("status %d: not AccessDeniedError", tt.status)
			}
		case "not_found":
			var e *NotFoundError
			if !errors.As(err, &e) {
				t.Errorf("status %d: not NotFoundError", tt.status)
			}
		case "context_length":
			var e *ContextLengthError
			if !errors.As(err, &e) {
				t.Errorf("status %d: not ContextLengthError", tt.status)
			}
		case "rate_limit":
			var e *RateLimitError
			if !errors.As(err, &e) {
				t.Errorf("status %d: not RateLimitError", tt.status)
			}
		case "server":
			var e *ServerError
			if !errors.As(err, &e) {
				t.Errorf("status %d: not ServerError", tt.status)
			}
		case "provider":
			var e *ProviderError
			if !errors.As(err, &e) {
				t.Errorf("status %d: not ProviderError", tt.status)
			}
		}
	}
}

func TestProviderErrorUnwrapsFromSubtype(t *testing.T) {
	err := ErrorFromStatusCode(429, "openai", "rate_limited", "slow down", nil, nil)
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatal("RateLimitError did not unwrap to ProviderError")
	}
	if pe.StatusCode != 429 {
		t.Errorf("StatusCode = %d, want 429", pe.StatusCode)
	}
	if pe.Provider != "openai" {
		t.Errorf("Provider = %q, want openai", pe.Provider)
	}
}

func TestTimeoutErrorNotRetryable(t *testing.T) {
	err := &TimeoutError{Message: "deadline"}
	if err.IsRetryable() {
		t.Error("TimeoutError must not be retryable")
	}
}

func TestNetworkErrorRetryable(t *testing.T) {
	err := &NetworkError{Message: "refused"}
	if !err.IsRetryable() {
		t.Error("NetworkError should be retryable")
	}
}
