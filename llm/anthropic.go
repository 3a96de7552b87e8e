// ABOUTME: Anthropic provider speaking the Messages API over plain HTTP.
// ABOUTME: Uses x-api-key auth and the anthropic-version header; max_tokens is mandatory on this API.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	anthropicBaseURL       = "https://api.anthropic.com"
	anthropicVersion       = "2023-06-01"
	anthropicDefaultMaxTok = 4096
)

// AnthropicProvider implements Provider for the Anthropic Messages API.
type AnthropicProvider struct {
	apiKey  string
	baseURL string
	version string
	http    *http.Client
}

// AnthropicOption configures an AnthropicProvider.
type AnthropicOption func(*AnthropicProvider)

// WithAnthropicBaseURL overrides the API base URL.
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(p *AnthropicProvider) { p.baseURL = url }
}

// WithAnthropicTimeout sets the per-request HTTP timeout.
func WithAnthropicTimeout(d time.Duration) AnthropicOption {
	return func(p *AnthropicProvider) { p.http = &http.Client{Timeout: d} }
}

// WithAnthropicVersion overrides the anthropic-version header.
func WithAnthropicVersion(v string) AnthropicOption {
	return func(p *AnthropicProvider) { p.version = v }
}

// NewAnthropicProvider creates a provider with the given API key.
func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: anthropicBaseURL,
		version: anthropicVersion,
		http:    &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Close releases resources held by the provider.
func (p *AnthropicProvider) Close() error { return nil }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends a messages request.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	body := map[string]any{
		"model":       req.Model,
		"temperature": req.ResolveTemperature(),
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTok
	}
	body["max_tokens"] = maxTokens
	if req.System != "" {
		body["system"] = req.System
	}

	// Anthropic enforces strict user/assistant alternation, so consecutive
	// same-role messages are merged.
	var msgs []anthropicMessage
	for _, m := range req.Messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "assistant"
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content += "\n" + m.Content
			continue
		}
		msgs = append(msgs, anthropicMessage{Role: role, Content: m.Content})
	}
	body["messages"] = msgs

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", p.version)

	resp, err := p.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Message: "anthropic request timed out", Cause: err}
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &NetworkError{Message: "anthropic request failed", Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Message: "reading anthropic response", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.parseError(resp.StatusCode, respBody, resp.Header)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &ProviderError{Provider: "anthropic", Message: "malformed response: " + err.Error(), Raw: respBody}
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &Response{
		Text:         text,
		Model:        parsed.Model,
		FinishReason: parsed.StopReason,
		Usage: Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		},
	}, nil
}

// parseError maps a non-200 response to the typed taxonomy.
func (p *AnthropicProvider) parseError(status int, body []byte, headers http.Header) error {
	var eb anthropicErrorBody
	message := string(body)
	code := ""
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error.Message != "" {
		message = eb.Error.Message
		code = eb.Error.Type
	}

	var retryAfter *float64
	if v := headers.Get("retry-after"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			retryAfter = &secs
		}
	}

	return ErrorFromStatusCode(status, "anthropic", code, message, body, retryAfter)
}
