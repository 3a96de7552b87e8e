// ABOUTME: Tests for the Anthropic provider against a local httptest server.
// ABOUTME: Verifies request translation, role merging, response parsing, and error mapping.

package llm

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAnthropicComplete(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q, want /v1/messages", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "sk-test" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("anthropic-version header missing")
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"model": "claude-test",
			"content": [{"type": "text", "text": "Paris is "}, {"type": "text", "text": "in France."}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 7}
		}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("sk-test", WithAnthropicBaseURL(srv.URL))
	resp, err := p.Complete(t.Context(), Request{
		Model:  "claude-test",
		System: "be brief",
		Messages: []Message{
			{Role: RoleUser, Content: "where is paris"},
			{Role: RoleUser, Content: "answer in one line"},
		},
		Sampling: Voice,
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	if resp.Text != "Paris is in France." {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.FinishReason != "end_turn" {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 7 {
		t.Errorf("Usage = %+v", resp.Usage)
	}

	if captured["system"] != "be brief" {
		t.Errorf("system = %v", captured["system"])
	}
	if captured["temperature"] != 0.7 {
		t.Errorf("temperature = %v, want 0.7 for VOICE", captured["temperature"])
	}
	// Consecutive user messages are merged for strict alternation.
	msgs := captured["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d entries, want 1 merged", len(msgs))
	}
}

func TestAnthropicErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("retry-after", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"type": "rate_limit_error", "message": "overloaded"}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("sk-test", WithAnthropicBaseURL(srv.URL))
	_, err := p.Complete(t.Context(), Request{Model: "m", Messages: []Message{{Role: RoleUser, Content: "hi"}}})

	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("error = %v, want RateLimitError", err)
	}
	if rle.ErrorCode != "rate_limit_error" {
		t.Errorf("ErrorCode = %q", rle.ErrorCode)
	}
	if rle.RetryAfter == nil || *rle.RetryAfter != 3 {
		t.Errorf("RetryAfter = %v, want 3", rle.RetryAfter)
	}
}

func TestAnthropicDefaultMaxTokens(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(`{"model":"m","content":[],"stop_reason":"end_turn","usage":{"input_tokens":0,"output_tokens":0}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k", WithAnthropicBaseURL(srv.URL))
	if _, err := p.Complete(t.Context(), Request{Model: "m", Messages: []Message{{Role: RoleUser, Content: "x"}}}); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if captured["max_tokens"] != float64(anthropicDefaultMaxTok) {
		t.Errorf("max_tokens = %v, want default %d", captured["max_tokens"], anthropicDefaultMaxTok)
	}
}
