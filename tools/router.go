// ABOUTME: Tool router: validated, policy-gated dispatch of named tool calls with stamped results.
// ABOUTME: Confirmation verdicts suspend on a permission request; every result carries observability stamps.

package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/pandora-research/pandora/policy"
)

// Result is the stamped outcome of one Execute call. Status is "ok" or the
// error kind.
type Result struct {
	Tool       string `json:"tool"`
	ArgsDigest string `json:"args_digest"`
	DurationMS int64  `json:"duration_ms"`
	Status     string `json:"status"`
	Size       int    `json:"size"`
	Output     string `json:"output,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Router dispatches tool calls through the registry under the policy engine.
type Router struct {
	registry    *Registry
	policies    *policy.Engine
	permissions *Permissions
	timeout     time.Duration
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithDefaultTimeout overrides the per-call budget applied when the tool's
// definition has none. Default 60s.
func WithDefaultTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.timeout = d }
}

// NewRouter wires the registry, policy engine, and permission broker.
func NewRouter(registry *Registry, policies *policy.Engine, permissions *Permissions, opts ...RouterOption) *Router {
	r := &Router{
		registry:    registry,
		policies:    policies,
		permissions: permissions,
		timeout:     60 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry exposes the underlying registry for runtime registration.
func (r *Router) Registry() *Registry { return r.registry }

// Permissions exposes the permission broker for the UI surface.
func (r *Router) Permissions() *Permissions { return r.permissions }

// Execute runs the named tool. The returned Result is always stamped, even on
// failure; the error, when non-nil, is always a *Error from the taxonomy.
func (r *Router) Execute(ctx context.Context, name string, args map[string]any, inv Invocation) (Result, error) {
	start := time.Now()
	res := Result{Tool: name, ArgsDigest: argsDigest(args)}

	fail := func(e *Error) (Result, error) {
		res.DurationMS = time.Since(start).Milliseconds()
		res.Status = string(e.Kind)
		res.Detail = e.Detail
		return res, e
	}

	tool := r.registry.Get(name)
	if tool == nil {
		return fail(Errf(KindBadArgs, "unknown tool %q", name))
	}

	if err := tool.ValidateArgs(args); err != nil {
		return fail(Errf(KindBadArgs, "invalid args for %s: %v", name, err))
	}

	var writePaths []string
	if tool.Writes && tool.WritePaths != nil {
		for _, p := range tool.WritePaths(args) {
			// Policy sees the same resolved target the tool will write.
			writePaths = append(writePaths, resolvePath(p, inv))
		}
	}
	rec := r.policies.GetMode(inv.Profile, inv.Mode)
	decision := policy.Check(rec, policy.Action{Tool: name, Writes: tool.Writes, WritePaths: writePaths})

	switch decision.Verdict {
	case policy.Deny:
		return fail(Errf(KindBlockedByPolicy, "%s", decision.Reason))
	case policy.Confirm:
		permID := r.permissions.Request(inv.Profile, inv.TraceID, name, writePaths, decision.Reason)
		granted, err := r.permissions.Await(ctx, permID)
		if err != nil {
			return fail(Errf(KindCancelled, "cancelled while awaiting permission"))
		}
		if !granted {
			return fail(Errf(KindBlockedByPolicy, "write permission not granted: %s", decision.Reason))
		}
	}

	budget := tool.Timeout
	if budget <= 0 {
		budget = r.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	output, err := tool.Run(callCtx, inv, args)
	res.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return fail(Errf(KindTimeout, "%s exceeded its %s budget", name, budget))
		case ctx.Err() != nil:
			return fail(Errf(KindCancelled, "%s cancelled", name))
		default:
			var te *Error
			if errors.As(err, &te) {
				return fail(te)
			}
			return fail(Errf(KindToolFailed, "%v", err))
		}
	}

	res.Status = "ok"
	res.Output = output
	res.Size = len(output)
	return res, nil
}

// argsDigest hashes the canonical JSON encoding of the args, shortened for
// log stamping.
func argsDigest(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		if raw, err := json.Marshal(args[k]); err == nil {
			h.Write(raw)
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
