// ABOUTME: Core types for the LLM client used by the turn pipeline.
// ABOUTME: Defines messages, sampling roles with their temperatures, and the unified request/response shapes.

package llm

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single prompt message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SamplingRole selects the sampling profile for a pipeline phase. Each role
// carries a fixed temperature tuned for its kind of work.
type SamplingRole string

const (
	// Reflex handles classification and gating decisions.
	Reflex SamplingRole = "REFLEX"
	// Nerves handles compression and summarization.
	Nerves SamplingRole = "NERVES"
	// Mind handles reasoning, planning, and validation.
	Mind SamplingRole = "MIND"
	// Voice produces final user-facing text.
	Voice SamplingRole = "VOICE"
)

// Temperature returns the sampling temperature for the role. Unknown roles
// fall back to Mind's temperature.
func (r SamplingRole) Temperature() float64 {
	switch r {
	case Reflex:
		return 0.3
	case Nerves:
		return 0.1
	case Mind:
		return 0.5
	case Voice:
		return 0.7
	default:
		return 0.5
	}
}

// Request is a unified completion request.
type Request struct {
	// Model overrides the client's default model when set.
	Model string
	// System is prepended as the system prompt.
	System string
	// Messages is the conversation, oldest first.
	Messages []Message
	// Sampling selects the temperature unless Temperature is set explicitly.
	Sampling SamplingRole
	// Temperature, when non-nil, wins over Sampling.
	Temperature *float64
	// MaxTokens caps the completion length; 0 uses the provider default.
	MaxTokens int
}

// ResolveTemperature returns the effective sampling temperature.
func (r Request) ResolveTemperature() float64 {
	if r.Temperature != nil {
		return *r.Temperature
	}
	return r.Sampling.Temperature()
}

// Response is a unified completion response.
type Response struct {
	Text         string
	Model        string
	FinishReason string
	Usage        Usage
	Duration     time.Duration
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
