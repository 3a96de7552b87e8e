// ABOUTME: Tests for the registry and router: schema validation, policy gates, the error taxonomy.
// ABOUTME: Policy scenarios use real engines; permission flows resolve from a second goroutine.

package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pandora-research/pandora/policy"
)

func echoTool() (Definition, Handler) {
	def := Definition{
		Name:        "echo",
		Description: "Repeat the message.",
		Schema: []byte(`{
			"type": "object",
			"properties": {"message": {"type": "string"}},
			"required": ["message"],
			"additionalProperties": false
		}`),
	}
	run := func(ctx context.Context, inv Invocation, args map[string]any) (string, error) {
		return args["message"].(string), nil
	}
	return def, run
}

func newTestRouter(t *testing.T, rec policy.Record, opts ...RouterOption) *Router {
	t.Helper()
	reg := NewRegistry()
	def, run := echoTool()
	if err := reg.Register(def, run); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return NewRouter(reg, policy.NewEngine(rec), NewPermissions(time.Minute), opts...)
}

func kindOf(t *testing.T, err error) ErrorKind {
	t.Helper()
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("error %v is not a tools.Error", err)
	}
	return te.Kind
}

func TestRegistrySwapSemantics(t *testing.T) {
	reg := NewRegistry()
	def, run := echoTool()

	if err := reg.Register(def, run); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.Get("echo") == nil {
		t.Fatal("registered tool not found")
	}
	if reg.Len() != 1 {
		t.Errorf("Len = %d, want 1", reg.Len())
	}
	if !reg.Unregister("echo") {
		t.Error("Unregister returned false")
	}
	if reg.Unregister("echo") {
		t.Error("second Unregister returned true")
	}
	if err := reg.Register(Definition{Name: ""}, run); err == nil {
		t.Error("empty name accepted")
	}
	if err := reg.Register(Definition{Name: "bad", Schema: []byte(`{"type":`)}, run); err == nil {
		t.Error("malformed schema accepted")
	}
}

func TestExecuteSuccessStampsResult(t *testing.T) {
	r := newTestRouter(t, policy.Record{Mode: policy.ModeChat})

	res, err := r.Execute(context.Background(), "echo", map[string]any{"message": "hi"}, Invocation{Profile: "alice"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "hi" || res.Status != "ok" || res.Size != 2 {
		t.Errorf("result = %+v", res)
	}
	if res.Tool != "echo" || res.ArgsDigest == "" {
		t.Errorf("missing stamps: %+v", res)
	}

	// Same args, same digest; different args, different digest.
	res2, _ := r.Execute(context.Background(), "echo", map[string]any{"message": "hi"}, Invocation{Profile: "alice"})
	if res2.ArgsDigest != res.ArgsDigest {
		t.Error("digest not deterministic")
	}
	res3, _ := r.Execute(context.Background(), "echo", map[string]any{"message": "bye"}, Invocation{Profile: "alice"})
	if res3.ArgsDigest == res.ArgsDigest {
		t.Error("different args share a digest")
	}
}

func TestExecuteErrorTaxonomy(t *testing.T) {
	r := newTestRouter(t, policy.Record{Mode: policy.ModeChat})

	_, err := r.Execute(context.Background(), "nope", nil, Invocation{Profile: "alice"})
	if kindOf(t, err) != KindBadArgs {
		t.Errorf("unknown tool kind = %v, want bad_args", kindOf(t, err))
	}

	_, err = r.Execute(context.Background(), "echo", map[string]any{"wrong": 1}, Invocation{Profile: "alice"})
	if kindOf(t, err) != KindBadArgs {
		t.Errorf("schema violation kind = %v, want bad_args", kindOf(t, err))
	}
}

func TestExecuteDisabledToolBlocked(t *testing.T) {
	r := newTestRouter(t, policy.Record{
		Mode:        policy.ModeChat,
		ToolEnables: map[string]bool{"echo": false},
	})

	res, err := r.Execute(context.Background(), "echo", map[string]any{"message": "hi"}, Invocation{Profile: "alice"})
	if kindOf(t, err) != KindBlockedByPolicy {
		t.Errorf("kind = %v, want blocked_by_policy", kindOf(t, err))
	}
	if res.Status != string(KindBlockedByPolicy) {
		t.Errorf("result status = %q", res.Status)
	}
}

func TestExecuteChatModeBlocksWrites(t *testing.T) {
	allowed := t.TempDir()
	r := newTestRouter(t, policy.Record{Mode: policy.ModeChat, AllowWrites: true, AllowedWritePaths: []string{allowed}})
	if err := RegisterBuiltins(r.Registry()); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	target := filepath.Join(allowed, "out.txt")
	_, err := r.Execute(context.Background(), "write_file",
		map[string]any{"path": target, "content": "x"}, Invocation{Profile: "alice"})
	if kindOf(t, err) != KindBlockedByPolicy {
		t.Errorf("kind = %v, want blocked_by_policy", kindOf(t, err))
	}
	if _, statErr := os.Stat(target); !os.IsNotExist(statErr) {
		t.Error("blocked write reached the filesystem")
	}
}

func TestExecuteCodeModeWriteInsideAllowlist(t *testing.T) {
	allowed := t.TempDir()
	r := newTestRouter(t, policy.Record{Mode: policy.ModeCode, AllowWrites: true, AllowedWritePaths: []string{allowed}})
	if err := RegisterBuiltins(r.Registry()); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	target := filepath.Join(allowed, "out.txt")
	res, err := r.Execute(context.Background(), "write_file",
		map[string]any{"path": target, "content": "hello"}, Invocation{Profile: "alice", Mode: policy.ModeCode})
	if err != nil {
		t.Fatalf("Execute: %v (%+v)", err, res)
	}
	data, err := os.ReadFile(target)
	if err != nil || string(data) != "hello" {
		t.Errorf("file = %q, %v", data, err)
	}
}

func TestExecuteOutsideAllowlistNeedsPermission(t *testing.T) {
	allowed := t.TempDir()
	outside := filepath.Join(t.TempDir(), "escape.txt")
	reg := NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	perms := NewPermissions(time.Minute)
	r := NewRouter(reg, policy.NewEngine(policy.Record{
		Mode: policy.ModeCode, AllowWrites: true, AllowedWritePaths: []string{allowed},
	}), perms)

	// Grant from a second goroutine once the request appears.
	go func() {
		for i := 0; i < 200; i++ {
			if pending := perms.ListPending(""); len(pending) == 1 {
				perms.Resolve(pending[0].ID, true)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res, err := r.Execute(context.Background(), "write_file",
		map[string]any{"path": outside, "content": "granted"}, Invocation{Profile: "alice", Mode: policy.ModeCode})
	if err != nil {
		t.Fatalf("Execute after grant: %v (%+v)", err, res)
	}
	if _, statErr := os.Stat(outside); statErr != nil {
		t.Errorf("granted write missing: %v", statErr)
	}
}

func TestExecutePermissionDeniedBlocks(t *testing.T) {
	allowed := t.TempDir()
	outside := filepath.Join(t.TempDir(), "escape.txt")
	reg := NewRegistry()
	RegisterBuiltins(reg)
	perms := NewPermissions(time.Minute)
	r := NewRouter(reg, policy.NewEngine(policy.Record{
		Mode: policy.ModeCode, AllowWrites: true, AllowedWritePaths: []string{allowed},
	}), perms)

	go func() {
		for i := 0; i < 200; i++ {
			if pending := perms.ListPending(""); len(pending) == 1 {
				perms.Resolve(pending[0].ID, false)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	_, err := r.Execute(context.Background(), "write_file",
		map[string]any{"path": outside, "content": "nope"}, Invocation{Profile: "alice", Mode: policy.ModeCode})
	if kindOf(t, err) != KindBlockedByPolicy {
		t.Errorf("kind = %v, want blocked_by_policy", kindOf(t, err))
	}
	if _, statErr := os.Stat(outside); !os.IsNotExist(statErr) {
		t.Error("denied write reached the filesystem")
	}
}

func TestExecuteTimeoutAndCancel(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Definition{Name: "slow", Timeout: 30 * time.Millisecond}, func(ctx context.Context, inv Invocation, args map[string]any) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	r := NewRouter(reg, policy.NewEngine(policy.Record{Mode: policy.ModeChat}), NewPermissions(time.Minute))

	_, err := r.Execute(context.Background(), "slow", nil, Invocation{Profile: "alice"})
	if kindOf(t, err) != KindTimeout {
		t.Errorf("kind = %v, want timeout", kindOf(t, err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	reg.Register(Definition{Name: "blocker", Timeout: time.Minute}, func(ctx context.Context, inv Invocation, args map[string]any) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	_, err = r.Execute(ctx, "blocker", nil, Invocation{Profile: "alice"})
	if kindOf(t, err) != KindCancelled {
		t.Errorf("kind = %v, want cancelled", kindOf(t, err))
	}
}

func TestExecuteToolFailed(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Definition{Name: "broken"}, func(ctx context.Context, inv Invocation, args map[string]any) (string, error) {
		return "", errors.New("kaboom")
	})
	r := NewRouter(reg, policy.NewEngine(policy.Record{Mode: policy.ModeChat}), NewPermissions(time.Minute))

	res, err := r.Execute(context.Background(), "broken", nil, Invocation{Profile: "alice"})
	if kindOf(t, err) != KindToolFailed {
		t.Errorf("kind = %v, want tool_failed", kindOf(t, err))
	}
	if res.Detail != "kaboom" {
		t.Errorf("detail = %q", res.Detail)
	}
}
