// ABOUTME: Tests for config loading, validation, and .env handling.
// ABOUTME: Covers defaults, YAML overrides, env expansion, and rejection of bad values.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() config failed validation: %v", err)
	}
	if cfg.Pipeline.TraceTTLSeconds != 600 {
		t.Errorf("trace_ttl_seconds = %d, want 600", cfg.Pipeline.TraceTTLSeconds)
	}
	if cfg.Pipeline.InterventionTTLSeconds != 900 {
		t.Errorf("intervention_ttl_seconds = %d, want 900", cfg.Pipeline.InterventionTTLSeconds)
	}
	if cfg.LLM.Concurrency != 4 {
		t.Errorf("llm.concurrency = %d, want 4", cfg.LLM.Concurrency)
	}
	if cfg.Policy.Mode != "chat" {
		t.Errorf("policy.mode = %q, want chat", cfg.Policy.Mode)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() on missing file: %v", err)
	}
	if cfg.Server.Addr != ":8600" {
		t.Errorf("addr = %q, want :8600", cfg.Server.Addr)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pandora.yaml")
	body := `
server:
  addr: ":9999"
  sync_deadline_seconds: 5
pipeline:
  max_concurrent_turns: 2
  trace_ttl_seconds: 120
  phase_timeouts:
    execute: 1800
    plan: 45
policy:
  mode: code
  allow_writes: true
  allowed_write_paths:
    - /tmp/pandora
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("addr = %q, want :9999", cfg.Server.Addr)
	}
	if got := cfg.SyncDeadline(); got != 5*time.Second {
		t.Errorf("SyncDeadline() = %v, want 5s", got)
	}
	if cfg.Pipeline.MaxConcurrentTurns != 2 {
		t.Errorf("max_concurrent_turns = %d, want 2", cfg.Pipeline.MaxConcurrentTurns)
	}
	if got := cfg.PhaseTimeout("execute", 30*time.Second); got != 30*time.Minute {
		t.Errorf("PhaseTimeout(execute) = %v, want 30m", got)
	}
	if got := cfg.PhaseTimeout("analyze", 30*time.Second); got != 30*time.Second {
		t.Errorf("PhaseTimeout(analyze) fallback = %v, want 30s", got)
	}
	if cfg.Policy.Mode != "code" || !cfg.Policy.AllowWrites {
		t.Errorf("policy = %+v, want code mode with writes", cfg.Policy)
	}
	// Defaults not mentioned in the file survive the merge.
	if cfg.LLM.Concurrency != 4 {
		t.Errorf("llm.concurrency = %d, want default 4", cfg.LLM.Concurrency)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("PANDORA_TEST_ROOT", "/srv/pandora_data")
	dir := t.TempDir()
	path := filepath.Join(dir, "pandora.yaml")
	body := "storage:\n  root: ${PANDORA_TEST_ROOT}\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Storage.Root != "/srv/pandora_data" {
		t.Errorf("storage.root = %q, want expanded env value", cfg.Storage.Root)
	}
	if got := cfg.IndexPath(); got != filepath.Join("/srv/pandora_data", "index.db") {
		t.Errorf("IndexPath() = %q", got)
	}
}

func TestLoadRejectsBadMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pandora.yaml")
	if err := os.WriteFile(path, []byte("policy:\n  mode: yolo\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted invalid policy mode")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pandora.yaml")
	if err := os.WriteFile(path, []byte("serverr:\n  addr: ':1'\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted unknown top-level key")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	body := "# comment\nPANDORA_DOTENV_A=hello\nPANDORA_DOTENV_B=\"quoted\"\nnot a pair\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PANDORA_DOTENV_B", "preexisting")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error: %v", err)
	}
	if got := os.Getenv("PANDORA_DOTENV_A"); got != "hello" {
		t.Errorf("PANDORA_DOTENV_A = %q, want hello", got)
	}
	// Existing environment wins over the file.
	if got := os.Getenv("PANDORA_DOTENV_B"); got != "preexisting" {
		t.Errorf("PANDORA_DOTENV_B = %q, want preexisting", got)
	}
	os.Unsetenv("PANDORA_DOTENV_A")
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadDotEnv() on missing file: %v", err)
	}
}
