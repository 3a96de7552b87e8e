// ABOUTME: Tests for policy checks: mode rules, tool enables, confirmation gating.
// ABOUTME: Table tests cover the chat/code write matrix from the capability model.

package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCheckToolEnables(t *testing.T) {
	rec := Record{
		Mode:        ModeChat,
		ToolEnables: map[string]bool{"web_search": false},
	}

	if d := Check(rec, Action{Tool: "web_search"}); d.Verdict != Deny {
		t.Errorf("disabled tool verdict = %s, want deny", d.Verdict)
	}
	if d := Check(rec, Action{Tool: "fetch_page"}); d.Verdict != Allow {
		t.Errorf("unlisted tool verdict = %s, want allow", d.Verdict)
	}
}

func TestCheckWriteMatrix(t *testing.T) {
	allowedRoot := t.TempDir()
	inside := filepath.Join(allowedRoot, "notes.txt")
	outside := filepath.Join(t.TempDir(), "other.txt")

	tests := []struct {
		name   string
		rec    Record
		action Action
		want   Verdict
	}{
		{
			name:   "chat mode rejects writes",
			rec:    Record{Mode: ModeChat, AllowWrites: true, AllowedWritePaths: []string{allowedRoot}},
			action: Action{Tool: "write_file", Writes: true, WritePaths: []string{inside}},
			want:   Deny,
		},
		{
			name:   "code mode without allow_writes rejects",
			rec:    Record{Mode: ModeCode, AllowWrites: false, AllowedWritePaths: []string{allowedRoot}},
			action: Action{Tool: "write_file", Writes: true, WritePaths: []string{inside}},
			want:   Deny,
		},
		{
			name:   "code mode allowed path passes",
			rec:    Record{Mode: ModeCode, AllowWrites: true, AllowedWritePaths: []string{allowedRoot}},
			action: Action{Tool: "write_file", Writes: true, WritePaths: []string{inside}},
			want:   Allow,
		},
		{
			name:   "allowed path with require_confirm asks",
			rec:    Record{Mode: ModeCode, AllowWrites: true, RequireConfirm: true, AllowedWritePaths: []string{allowedRoot}},
			action: Action{Tool: "write_file", Writes: true, WritePaths: []string{inside}},
			want:   Confirm,
		},
		{
			name:   "outside allowlist asks for confirmation",
			rec:    Record{Mode: ModeCode, AllowWrites: true, AllowedWritePaths: []string{allowedRoot}},
			action: Action{Tool: "write_file", Writes: true, WritePaths: []string{outside}},
			want:   Confirm,
		},
		{
			name:   "non-writing tool in chat mode passes",
			rec:    Record{Mode: ModeChat},
			action: Action{Tool: "web_search"},
			want:   Allow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if d := Check(tt.rec, tt.action); d.Verdict != tt.want {
				t.Errorf("verdict = %s (%s), want %s", d.Verdict, d.Reason, tt.want)
			}
		})
	}
}

func TestCheckWritePath(t *testing.T) {
	root := t.TempDir()

	if err := CheckWritePath(filepath.Join(root, "a", "b.txt"), []string{root}); err != nil {
		t.Errorf("nested target under root rejected: %v", err)
	}
	if err := CheckWritePath(filepath.Join(root, "..", "escape.txt"), []string{root}); err == nil {
		t.Error("dot-dot escape accepted")
	}
	if err := CheckWritePath(filepath.Join(root, ".git", "config"), []string{root}); err == nil {
		t.Error("write into .git accepted")
	}
	if err := CheckWritePath(filepath.Join(root, "indexes", "turns.db"), []string{root}); err == nil {
		t.Error("write into indexes accepted")
	}
	if err := CheckWritePath("", []string{root}); err == nil {
		t.Error("empty target accepted")
	}
}

func TestCheckWritePathResolvesSymlinks(t *testing.T) {
	allowed := t.TempDir()
	elsewhere := t.TempDir()

	link := filepath.Join(allowed, "link")
	if err := os.Symlink(elsewhere, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	// The lexical path is under the allowed root but resolves elsewhere.
	if err := CheckWritePath(filepath.Join(link, "file.txt"), []string{allowed}); err == nil {
		t.Error("symlink escape accepted")
	}
}

func TestEngineProfileOverrides(t *testing.T) {
	e := NewEngine(Record{Mode: ModeChat})

	if got := e.Get("alice").Mode; got != ModeChat {
		t.Errorf("default mode = %s, want chat", got)
	}
	if err := e.Set("alice", Record{Mode: ModeCode, AllowWrites: true}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := e.Get("alice").Mode; got != ModeCode {
		t.Errorf("mode after Set = %s, want code", got)
	}
	if got := e.Get("bob").Mode; got != ModeChat {
		t.Errorf("other profile mode = %s, want chat", got)
	}
	if err := e.Set("alice", Record{Mode: "yolo"}); err == nil {
		t.Error("invalid mode accepted")
	}

	rec := e.GetMode("bob", ModeCode)
	if rec.Mode != ModeCode {
		t.Errorf("GetMode override = %s, want code", rec.Mode)
	}
}

func TestWatchReloadsDefault(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(file, []byte("mode: chat\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	e := NewEngine(Record{Mode: ModeChat})
	stop, err := Watch(e, file)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	if err := os.WriteFile(file, []byte("mode: code\nallow_writes: true\n"), 0o644); err != nil {
		t.Fatalf("rewrite policy: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if e.Get("anyone").Mode == ModeCode {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("policy default not reloaded after file change")
}
