// ABOUTME: Scripted LLM provider for tests, analogous to httptest for HTTP handlers.
// ABOUTME: Replies are selected by substring rules against the rendered prompt; all requests are recorded.

package llmtest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pandora-research/pandora/llm"
)

// Rule pairs a prompt substring with a canned reply. Rules are evaluated in
// order; the first match wins.
type Rule struct {
	// Match is searched for in the system prompt and every message.
	Match string
	// Reply is returned verbatim when the rule matches.
	Reply string
	// Err, when non-nil, is returned instead of a response.
	Err error
	// Delay simulates provider latency before answering.
	Delay time.Duration
}

// Scripted is an llm.Provider whose answers come from a rule table.
type Scripted struct {
	mu       sync.Mutex
	rules    []Rule
	fallback string
	calls    []llm.Request
}

// NewScripted builds a scripted provider. With no rules every request gets
// the fallback reply "ok".
func NewScripted(rules ...Rule) *Scripted {
	return &Scripted{rules: rules, fallback: "ok"}
}

// Add appends rules at runtime.
func (s *Scripted) Add(rules ...Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rules...)
}

// SetFallback replaces the reply used when no rule matches.
func (s *Scripted) SetFallback(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = text
}

// Name implements llm.Provider.
func (s *Scripted) Name() string { return "scripted" }

// Close implements llm.Provider.
func (s *Scripted) Close() error { return nil }

// Complete matches the request against the rule table.
func (s *Scripted) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	rules := make([]Rule, len(s.rules))
	copy(rules, s.rules)
	fallback := s.fallback
	s.mu.Unlock()

	prompt := renderPrompt(req)
	reply := fallback
	var delay time.Duration
	var ruleErr error
	for _, r := range rules {
		if strings.Contains(prompt, r.Match) {
			reply = r.Reply
			delay = r.Delay
			ruleErr = r.Err
			break
		}
	}

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ruleErr != nil {
		return nil, ruleErr
	}

	return &llm.Response{
		Text:         reply,
		Model:        req.Model,
		FinishReason: "stop",
		Usage:        llm.Usage{InputTokens: len(prompt) / 4, OutputTokens: len(reply) / 4},
	}, nil
}

// Calls returns a copy of every request seen so far.
func (s *Scripted) Calls() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many requests have been seen.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func renderPrompt(req llm.Request) string {
	var b strings.Builder
	b.WriteString(req.System)
	for _, m := range req.Messages {
		b.WriteString("\n")
		b.WriteString(m.Content)
	}
	return b.String()
}
