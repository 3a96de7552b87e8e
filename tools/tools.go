// ABOUTME: Tool definitions, the typed execution error taxonomy, and the swap-on-write registry.
// ABOUTME: The registry pointer is swapped atomically so runtime registration never blocks dispatch.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pandora-research/pandora/policy"
)

// ErrorKind is the closed set of failure classes Execute can return.
type ErrorKind string

const (
	KindBlockedByPolicy ErrorKind = "blocked_by_policy"
	KindBadArgs         ErrorKind = "bad_args"
	KindTimeout         ErrorKind = "timeout"
	KindToolFailed      ErrorKind = "tool_failed"
	KindCancelled       ErrorKind = "cancelled"
)

// Error is a typed tool execution failure.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Errf builds a typed error with a formatted detail.
func Errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Invocation carries the caller's identity into a tool execution.
type Invocation struct {
	Profile string
	TraceID string
	Mode    policy.Mode
	// TurnDir is the active turn's workspace, handed to tools that read or
	// write turn-scoped files.
	TurnDir string
}

// Handler executes one tool call. The returned string is the tool output as
// shown to the model.
type Handler func(ctx context.Context, inv Invocation, args map[string]any) (string, error)

// Definition describes a tool to the router and the policy engine.
type Definition struct {
	Name        string
	Description string
	// Schema is a JSON Schema for the args object. Empty means no validation.
	Schema json.RawMessage
	// Writes marks tools that create or modify local files; these pass the
	// write-path policy gate before running.
	Writes bool
	// WritePaths extracts the filesystem targets from validated args. Only
	// consulted when Writes is true.
	WritePaths func(args map[string]any) []string
	// Timeout overrides the router's default per-call budget when positive.
	Timeout time.Duration
}

// Tool pairs a definition with its handler and compiled schema.
type Tool struct {
	Definition
	Run    Handler
	schema *jsonschema.Schema
}

// ValidateArgs checks args against the tool's schema.
func (t *Tool) ValidateArgs(args map[string]any) error {
	if t.schema == nil {
		return nil
	}
	// The validator wants plain JSON types; round-trip to normalize numbers.
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return t.schema.Validate(v)
}

// Registry is an immutable name→tool map behind an atomic pointer. Lookups
// are wait-free; registration copies and swaps.
type Registry struct {
	ptr atomic.Pointer[map[string]*Tool]
	mu  sync.Mutex // serializes writers only
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := make(map[string]*Tool)
	r.ptr.Store(&empty)
	return r
}

// Register compiles the schema and adds (or replaces) the tool.
func (r *Registry) Register(def Definition, run Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if run == nil {
		return fmt.Errorf("tool %s has no handler", def.Name)
	}

	tool := &Tool{Definition: def, Run: run}
	if len(def.Schema) > 0 {
		sch, err := jsonschema.CompileString(def.Name+".schema.json", string(def.Schema))
		if err != nil {
			return fmt.Errorf("tool %s schema: %w", def.Name, err)
		}
		tool.schema = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.ptr.Load()
	next := make(map[string]*Tool, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[def.Name] = tool
	r.ptr.Store(&next)
	return nil
}

// Unregister removes a tool. Returns whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.ptr.Load()
	if _, ok := old[name]; !ok {
		return false
	}
	next := make(map[string]*Tool, len(old)-1)
	for k, v := range old {
		if k != name {
			next[k] = v
		}
	}
	r.ptr.Store(&next)
	return true
}

// Get returns the tool, or nil.
func (r *Registry) Get(name string) *Tool {
	return (*r.ptr.Load())[name]
}

// Names returns the registered tool names, unordered.
func (r *Registry) Names() []string {
	m := *r.ptr.Load()
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	return out
}

// Len reports how many tools are registered.
func (r *Registry) Len() int {
	return len(*r.ptr.Load())
}
