// Package config handles loopd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loopworks/loopd/internal/search"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./loopd.yaml, ~/.config/loopd/config.yaml, /etc/loopd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"loopd.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "loopd", "config.yaml"))
	}

	paths = append(paths, "/etc/loopd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all loopd configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Vendors   VendorsConfig   `yaml:"vendors"`
	Models    ModelsConfig    `yaml:"models"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Search    search.Config   `yaml:"search"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json

	// Owners restricts session creation to the listed tenants.
	// Empty means any owner is accepted.
	Owners []string `yaml:"owners"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// VendorsConfig holds credentials and base URLs for LLM providers.
type VendorsConfig struct {
	Anthropic VendorConfig `yaml:"anthropic"`
	OpenAI    VendorConfig `yaml:"openai"`
	Gemini    VendorConfig `yaml:"gemini"`
}

// VendorConfig defines a single provider's connection settings.
type VendorConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // Override for proxies/compatible endpoints
}

// Configured reports whether the vendor has an API key set.
func (v VendorConfig) Configured() bool {
	return v.APIKey != ""
}

// ModelsConfig defines model alias routing.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model alias to a provider.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"` // anthropic, openai, gemini
	SupportsTools bool   `yaml:"supports_tools"`
	ContextWindow int    `yaml:"context_window"`
}

// EngineConfig controls the research loop.
type EngineConfig struct {
	SessionTimeoutSeconds int              `yaml:"session_timeout_seconds"`
	EvaluatorSleepSeconds int              `yaml:"evaluator_sleep_seconds"`
	IdleThresholdSeconds  int              `yaml:"idle_threshold_seconds"`
	MaxConversationLength int              `yaml:"max_conversation_length"`
	Compaction            CompactionConfig `yaml:"compaction"`
	Retry                 RetryConfig      `yaml:"retry"`
	Progress              ProgressConfig   `yaml:"progress"`
	Defaults              LLMDefaults      `yaml:"llm_defaults"`
}

// CompactionConfig controls history compaction.
type CompactionConfig struct {
	KeepLast        int `yaml:"keep_last"`
	SummaryLength   int `yaml:"summary_length"` // Target summary size in tokens
	SoftLimitTokens int `yaml:"soft_limit_tokens"`
	HardLimitTokens int `yaml:"hard_limit_tokens"`
}

// RetryConfig controls LLM retry behavior on transient failures.
type RetryConfig struct {
	BaseBackoffMs int `yaml:"base_backoff_ms"`
	MaxAttempts   int `yaml:"max_attempts"`
}

// ProgressConfig controls per-subscriber progress buffering.
type ProgressConfig struct {
	BufferSize int    `yaml:"buffer_size"`
	Overflow   string `yaml:"overflow"` // drop_oldest (default) or block
}

// LLMDefaults are generation parameters applied when a session config
// leaves them unset.
type LLMDefaults struct {
	Temperature     float64 `yaml:"temperature"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	TopP            float64 `yaml:"top_p"`
	Seed            int64   `yaml:"seed"`
}

// SchedulerConfig controls the task scheduler.
type SchedulerConfig struct {
	DBPath          string `yaml:"db_path"`
	LeaseTTLSeconds int    `yaml:"lease_ttl_seconds"`
}

// SnapshotConfig controls session snapshot persistence.
type SnapshotConfig struct {
	DBPath string `yaml:"db_path"`
}

// SessionTimeout returns the per-session wall clock cap as a duration.
func (e EngineConfig) SessionTimeout() time.Duration {
	return time.Duration(e.SessionTimeoutSeconds) * time.Second
}

// EvaluatorSleep returns the evaluator sweep period as a duration.
func (e EngineConfig) EvaluatorSleep() time.Duration {
	return time.Duration(e.EvaluatorSleepSeconds) * time.Second
}

// IdleThreshold returns the idle-abandonment threshold as a duration.
func (e EngineConfig) IdleThreshold() time.Duration {
	return time.Duration(e.IdleThresholdSeconds) * time.Second
}

// Load reads configuration from a YAML file. Environment variables in
// the file body (${VAR} or $VAR) are expanded before parsing, so API
// keys can stay out of the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Port: 8080},
		DataDir: "data",
		Models: ModelsConfig{
			Default: "claude-sonnet",
			Available: []ModelConfig{
				{Name: "claude-sonnet", Provider: "anthropic", SupportsTools: true, ContextWindow: 200000},
				{Name: "gpt-4o", Provider: "openai", SupportsTools: true, ContextWindow: 128000},
				{Name: "gemini-pro", Provider: "gemini", SupportsTools: true, ContextWindow: 1000000},
			},
		},
		Engine: EngineConfig{
			SessionTimeoutSeconds: 1800,
			EvaluatorSleepSeconds: 60,
			IdleThresholdSeconds:  600,
			MaxConversationLength: 200,
			Compaction: CompactionConfig{
				KeepLast:        10,
				SummaryLength:   400,
				SoftLimitTokens: 24000,
				HardLimitTokens: 32000,
			},
			Retry: RetryConfig{
				BaseBackoffMs: 500,
				MaxAttempts:   3,
			},
			Progress: ProgressConfig{
				BufferSize: 64,
				Overflow:   "drop_oldest",
			},
			Defaults: LLMDefaults{
				Temperature:     0.7,
				MaxOutputTokens: 4096,
				TopP:            1.0,
			},
		},
		Scheduler: SchedulerConfig{
			DBPath:          "data/scheduler.db",
			LeaseTTLSeconds: 300,
		},
		Snapshot: SnapshotConfig{
			DBPath: "data/snapshots.db",
		},
	}
}
