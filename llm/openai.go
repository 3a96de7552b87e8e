// ABOUTME: OpenAI provider built on the official openai-go SDK.
// ABOUTME: Supports custom base URLs so OpenAI-compatible endpoints (OpenRouter, local gateways) work unchanged.

package llm

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements Provider via the Chat Completions API.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a provider for api.openai.com, or for any
// compatible endpoint when baseURL is non-empty.
func NewOpenAIProvider(apiKey, baseURL string, timeout time.Duration) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...)}
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string { return "openai" }

// Close releases resources held by the provider.
func (p *OpenAIProvider) Close() error { return nil }

// Complete sends a chat completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:       req.Model,
		Temperature: openai.Float(req.ResolveTemperature()),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}
	params.Messages = messages

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: "openai", Message: "response contained no choices"}
	}

	choice := resp.Choices[0]
	return &Response{
		Text:         choice.Message.Content,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

// mapError converts SDK errors into the typed taxonomy.
func (p *OpenAIProvider) mapError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return ErrorFromStatusCode(apierr.StatusCode, "openai", apierr.Code, apierr.Message, nil, nil)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Message: "openai request timed out", Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &NetworkError{Message: "openai request failed", Cause: err}
}
