// ABOUTME: Configuration types and loader for the pandora daemon.
// ABOUTME: Parses YAML config files with environment expansion and applies documented defaults.

package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a pandora process.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	LLM      LLMConfig      `yaml:"llm"`
	Research ResearchConfig `yaml:"research"`
	Policy   PolicyConfig   `yaml:"policy"`
	Tools    ToolsConfig    `yaml:"tools"`
}

// ServerConfig controls the HTTP gateway.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// SyncDeadlineSeconds is the soft deadline for synchronous chat
	// completions. Turns that outlive it are answered with a research
	// placeholder and finish in the background.
	SyncDeadlineSeconds int  `yaml:"sync_deadline_seconds"`
	MetricsEnabled      bool `yaml:"metrics_enabled"`
}

// StorageConfig locates the on-disk profile root and the relational index.
type StorageConfig struct {
	// Root is the directory holding per-profile turn documents and indexes.
	Root string `yaml:"root"`
	// IndexPath overrides the default sqlite index location
	// (<root>/index.db) when set.
	IndexPath string `yaml:"index_path"`
	// EmbeddingDims is the dimensionality of the vector index collections.
	EmbeddingDims int `yaml:"embedding_dims"`
}

// PipelineConfig bounds turn scheduling and component retention.
type PipelineConfig struct {
	MaxConcurrentTurns      int `yaml:"max_concurrent_turns"`
	TraceTTLSeconds         int `yaml:"trace_ttl_seconds"`
	JobSweepIntervalSeconds int `yaml:"job_sweep_interval_seconds"`
	InterventionTTLSeconds  int `yaml:"intervention_ttl_seconds"`
	PermissionTTLSeconds    int `yaml:"permission_ttl_seconds"`
	// PhaseTimeouts maps a phase name to its budget in seconds. Phases not
	// listed use the defaults (30s, or 30m for the executor).
	PhaseTimeouts map[string]int `yaml:"phase_timeouts"`
}

// LLMConfig selects the model provider and bounds concurrent calls.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	// APIKeyEnv names the environment variable holding the provider key.
	APIKeyEnv      string `yaml:"api_key_env"`
	Concurrency    int    `yaml:"concurrency"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ResearchConfig bounds the research orchestrator.
type ResearchConfig struct {
	BrowserPoolSize int `yaml:"browser_pool_size"`
	MaxCandidates   int `yaml:"max_candidates"`
	// QualityTarget is the evidence coverage score at which research stops
	// early, in [0,1].
	QualityTarget float64 `yaml:"quality_target"`
	SearchBaseURL string  `yaml:"search_base_url"`
}

// PolicyConfig is the initial policy record applied to new profiles.
type PolicyConfig struct {
	Mode              string   `yaml:"mode"`
	AllowWrites       bool     `yaml:"allow_writes"`
	RequireConfirm    bool     `yaml:"require_confirm"`
	AllowedWritePaths []string `yaml:"allowed_write_paths"`
	// File is an optional policy file watched for hot reload.
	File string `yaml:"file"`
}

// ToolsConfig configures the tool router and external MCP tool servers.
type ToolsConfig struct {
	DefaultTimeoutSeconds int               `yaml:"default_timeout_seconds"`
	MCPServers            []MCPServerConfig `yaml:"mcp_servers"`
}

// MCPServerConfig describes one external tool server launched over stdio.
type MCPServerConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
}

// Default returns a Config populated with the documented defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:                ":8600",
			SyncDeadlineSeconds: 10,
			MetricsEnabled:      true,
		},
		Storage: StorageConfig{
			Root:          defaultRoot(),
			EmbeddingDims: 256,
		},
		Pipeline: PipelineConfig{
			MaxConcurrentTurns:      8,
			TraceTTLSeconds:         600,
			JobSweepIntervalSeconds: 300,
			InterventionTTLSeconds:  900,
			PermissionTTLSeconds:    600,
		},
		LLM: LLMConfig{
			Provider:       "openai",
			Model:          "gpt-4o",
			APIKeyEnv:      "OPENAI_API_KEY",
			Concurrency:    4,
			TimeoutSeconds: 120,
		},
		Research: ResearchConfig{
			BrowserPoolSize: 2,
			MaxCandidates:   8,
			QualityTarget:   0.7,
		},
		Policy: PolicyConfig{
			Mode:        "chat",
			AllowWrites: false,
		},
		Tools: ToolsConfig{
			DefaultTimeoutSeconds: 60,
		},
	}
}

// Load reads a YAML config file, expands ${VAR} references from the
// environment, and merges it over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Pipeline.MaxConcurrentTurns < 1 {
		return fmt.Errorf("pipeline.max_concurrent_turns must be >= 1, got %d", c.Pipeline.MaxConcurrentTurns)
	}
	if c.LLM.Concurrency < 1 {
		return fmt.Errorf("llm.concurrency must be >= 1, got %d", c.LLM.Concurrency)
	}
	if c.Research.BrowserPoolSize < 1 {
		return fmt.Errorf("research.browser_pool_size must be >= 1, got %d", c.Research.BrowserPoolSize)
	}
	switch c.Policy.Mode {
	case "chat", "code":
	default:
		return fmt.Errorf("policy.mode must be chat or code, got %q", c.Policy.Mode)
	}
	for _, srv := range c.Tools.MCPServers {
		if srv.Name == "" || srv.Command == "" {
			return fmt.Errorf("tools.mcp_servers entries need name and command")
		}
	}
	return nil
}

// SyncDeadline returns the gateway soft deadline as a duration.
func (c Config) SyncDeadline() time.Duration {
	return time.Duration(c.Server.SyncDeadlineSeconds) * time.Second
}

// TraceTTL returns the trace retention window as a duration.
func (c Config) TraceTTL() time.Duration {
	return time.Duration(c.Pipeline.TraceTTLSeconds) * time.Second
}

// InterventionTTL returns the intervention expiry window as a duration.
func (c Config) InterventionTTL() time.Duration {
	return time.Duration(c.Pipeline.InterventionTTLSeconds) * time.Second
}

// PermissionTTL returns the permission request expiry window as a duration.
func (c Config) PermissionTTL() time.Duration {
	return time.Duration(c.Pipeline.PermissionTTLSeconds) * time.Second
}

// PhaseTimeout returns the configured budget for a phase, or the fallback
// when the phase has no explicit entry.
func (c Config) PhaseTimeout(phase string, fallback time.Duration) time.Duration {
	if secs, ok := c.Pipeline.PhaseTimeouts[phase]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// IndexPath returns the sqlite index location, honoring the override.
func (c Config) IndexPath() string {
	if c.Storage.IndexPath != "" {
		return c.Storage.IndexPath
	}
	return filepath.Join(c.Storage.Root, "index.db")
}

func defaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pandora"
	}
	return filepath.Join(home, ".pandora")
}

// LoadDotEnv reads KEY=VALUE pairs from the given .env file and sets any
// variables not already present in the environment. Missing files are not an
// error.
func LoadDotEnv(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
	return nil
}
