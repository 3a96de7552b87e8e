// ABOUTME: Policy engine mapping modes to tool capabilities and filesystem write permissions.
// ABOUTME: Check is purely functional over a policy snapshot; the engine only stores and serves records.

package policy

import (
	"fmt"
	"sync"
)

// Mode selects the capability envelope for a profile.
type Mode string

const (
	ModeChat Mode = "chat"
	ModeCode Mode = "code"
)

// Valid reports whether m is a recognized mode.
func (m Mode) Valid() bool { return m == ModeChat || m == ModeCode }

// Record is one profile's effective policy. Modifications are explicit Set
// calls; phases never mutate policy.
type Record struct {
	Mode              Mode            `yaml:"mode" json:"mode"`
	AllowWrites       bool            `yaml:"allow_writes" json:"allow_writes"`
	RequireConfirm    bool            `yaml:"require_confirm" json:"require_confirm"`
	AllowedWritePaths []string        `yaml:"allowed_write_paths" json:"allowed_write_paths"`
	// ToolEnables disables tools by name. Tools without an entry are enabled.
	ToolEnables map[string]bool `yaml:"tool_enables" json:"tool_enables"`
}

// ToolEnabled reports whether the named tool may be dispatched at all.
func (r Record) ToolEnabled(name string) bool {
	if r.ToolEnables == nil {
		return true
	}
	enabled, ok := r.ToolEnables[name]
	if !ok {
		return true
	}
	return enabled
}

// Action describes an operation submitted to Check.
type Action struct {
	// Tool is the registered tool name.
	Tool string
	// Writes marks tools that create or modify local files.
	Writes bool
	// WritePaths are the resolved absolute targets of a writing tool.
	WritePaths []string
}

// Verdict is the outcome of a policy check.
type Verdict string

const (
	// Allow permits the action immediately.
	Allow Verdict = "allow"
	// Deny blocks the action; the caller surfaces blocked_by_policy.
	Deny Verdict = "deny"
	// Confirm requires a human permission grant before the action proceeds.
	Confirm Verdict = "confirm"
)

// Decision carries the verdict and, for Deny, a human-readable reason.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Check evaluates the action against a policy snapshot. It is a pure function
// of its inputs: same record and action, same decision.
//
// Write rules: chat mode rejects every writing tool. Code mode requires
// allow_writes; targets under an allowed path proceed (with confirmation when
// require_confirm is set), targets outside the allowlist always require
// confirmation.
func Check(rec Record, action Action) Decision {
	if !rec.ToolEnabled(action.Tool) {
		return Decision{Verdict: Deny, Reason: fmt.Sprintf("tool %q is disabled by policy", action.Tool)}
	}
	if !action.Writes {
		return Decision{Verdict: Allow}
	}

	if rec.Mode != ModeCode {
		return Decision{Verdict: Deny, Reason: "filesystem writes are not permitted in chat mode"}
	}
	if !rec.AllowWrites {
		return Decision{Verdict: Deny, Reason: "policy disables writes"}
	}

	allInside := true
	for _, target := range action.WritePaths {
		if err := CheckWritePath(target, rec.AllowedWritePaths); err != nil {
			allInside = false
			break
		}
	}
	if !allInside || rec.RequireConfirm {
		if !allInside {
			return Decision{Verdict: Confirm, Reason: "target outside allowed write paths"}
		}
		return Decision{Verdict: Confirm, Reason: "policy requires confirmation for writes"}
	}
	return Decision{Verdict: Allow}
}

// Engine stores per-profile policy records over a default. Reads take a read
// lock only; Check itself never touches the engine.
type Engine struct {
	mu       sync.RWMutex
	fallback Record
	profiles map[string]Record
}

// NewEngine creates an engine serving the fallback record for unknown
// profiles.
func NewEngine(fallback Record) *Engine {
	if fallback.Mode == "" {
		fallback.Mode = ModeChat
	}
	return &Engine{
		fallback: fallback,
		profiles: make(map[string]Record),
	}
}

// Get returns the effective record for a profile.
func (e *Engine) Get(profile string) Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if rec, ok := e.profiles[profile]; ok {
		return rec
	}
	return e.fallback
}

// GetMode returns the profile's record with the mode overridden. Used when a
// request selects a mode explicitly.
func (e *Engine) GetMode(profile string, mode Mode) Record {
	rec := e.Get(profile)
	if mode.Valid() {
		rec.Mode = mode
	}
	return rec
}

// Set replaces the record for a profile.
func (e *Engine) Set(profile string, rec Record) error {
	if !rec.Mode.Valid() {
		return fmt.Errorf("invalid policy mode %q", rec.Mode)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profiles[profile] = rec
	return nil
}

// SetDefault replaces the fallback record served to profiles without an
// explicit policy. Used by hot reload.
func (e *Engine) SetDefault(rec Record) error {
	if !rec.Mode.Valid() {
		return fmt.Errorf("invalid policy mode %q", rec.Mode)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallback = rec
	return nil
}

// Check evaluates the action under the profile's current policy.
func (e *Engine) Check(profile string, action Action) Decision {
	return Check(e.Get(profile), action)
}
