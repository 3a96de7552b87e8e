// ABOUTME: LLM client wrapping a provider with bounded concurrency and retry.
// ABOUTME: The semaphore caps simultaneous in-flight calls across all turns sharing the client.

package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// Provider is implemented by each model backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	Close() error
}

// Client fronts a Provider with a concurrency cap and a retry policy. One
// client is shared by every concurrently running turn in the process.
type Client struct {
	provider Provider
	sem      *semaphore.Weighted
	retry    RetryPolicy
	model    string
}

// Option configures a Client.
type Option func(*Client)

// WithConcurrency caps simultaneous provider calls. Default 4.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n < 1 {
			n = 1
		}
		c.sem = semaphore.NewWeighted(int64(n))
	}
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithDefaultModel sets the model used when a request leaves Model empty.
func WithDefaultModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// NewClient wraps the provider with the given options.
func NewClient(provider Provider, opts ...Option) *Client {
	c := &Client{
		provider: provider,
		sem:      semaphore.NewWeighted(4),
		retry:    DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider returns the name of the wrapped provider.
func (c *Client) Provider() string {
	return c.provider.Name()
}

// Complete sends the request, waiting for a concurrency slot first. Retryable
// provider errors (rate limits, 5xx) are retried per the policy; timeouts and
// cancellations are returned immediately.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.Model == "" {
		return nil, &ConfigurationError{Message: "no model configured"}
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, wrapTransport(err)
	}
	defer c.sem.Release(1)

	var lastErr error
	for attempt := 1; ; attempt++ {
		start := time.Now()
		resp, err := c.provider.Complete(ctx, req)
		if err == nil {
			resp.Duration = time.Since(start)
			return resp, nil
		}
		lastErr = wrapTransport(err)

		if !c.retry.ShouldRetry(lastErr, attempt) {
			return nil, lastErr
		}
		if err := sleepContext(ctx, c.retry.Delay(lastErr, attempt)); err != nil {
			return nil, wrapTransport(err)
		}
	}
}

// Close releases the underlying provider.
func (c *Client) Close() error {
	return c.provider.Close()
}

// wrapTransport normalizes context and connection failures into the typed
// error taxonomy. Typed provider errors pass through unchanged.
func wrapTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Message: "llm call timed out", Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var r Retryable
	if errors.As(err, &r) {
		return err
	}
	return &NetworkError{Message: "llm transport failure", Cause: err}
}

// NewProvider constructs a provider by name. Supported names are "openai"
// (also serving OpenAI-compatible endpoints via baseURL) and "anthropic".
func NewProvider(name, apiKey, baseURL string, timeout time.Duration) (Provider, error) {
	switch name {
	case "openai":
		return NewOpenAIProvider(apiKey, baseURL, timeout), nil
	case "anthropic":
		var opts []AnthropicOption
		if baseURL != "" {
			opts = append(opts, WithAnthropicBaseURL(baseURL))
		}
		if timeout > 0 {
			opts = append(opts, WithAnthropicTimeout(timeout))
		}
		return NewAnthropicProvider(apiKey, opts...), nil
	default:
		return nil, &ConfigurationError{Message: fmt.Sprintf("unknown llm provider %q", name)}
	}
}
