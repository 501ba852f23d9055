// Package config holds all conductor configuration. Configuration is loaded
// from a single YAML file (the "critical path file") plus environment
// overrides for secrets. Hot reload is not supported.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a conductor run.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Workspace root; state lives under <workspace>/.conductor
	Workspace string `yaml:"workspace"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Memory    MemoryConfig    `yaml:"memory"`
	HITL      HITLConfig      `yaml:"hitl"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Artifacts ArtifactConfig  `yaml:"artifacts"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	Debug      bool            `yaml:"debug"`
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, text
	Categories map[string]bool `yaml:"categories"`
}

// ArtifactConfig configures the artifact writer.
type ArtifactConfig struct {
	// Root directory for per-task output directories. Empty means
	// <workspace>/.conductor/tasks.
	OutputRoot string `yaml:"output_root"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:      "conductor",
		Version:   "1.0.0",
		Workspace: ".",
		Scheduler: DefaultSchedulerConfig(),
		Memory:    DefaultMemoryConfig(),
		HITL:      DefaultHITLConfig(),
		Dispatch:  DefaultDispatchConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file, applying defaults for absent
// fields and environment overrides for secrets.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides. Secrets never live in the
// config file.
func (c *Config) applyEnv() {
	if key := os.Getenv("CONDUCTOR_MASTER_KEY"); key != "" {
		c.Memory.MasterKey = key
	}
	if key := os.Getenv("CONDUCTOR_GENAI_API_KEY"); key != "" {
		c.Memory.Embedding.GenAIAPIKey = key
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Scheduler.MaxParallel < 1 {
		return fmt.Errorf("scheduler.max_parallel must be >= 1, got %d", c.Scheduler.MaxParallel)
	}
	if c.Scheduler.MaxAttempts < 0 {
		return fmt.Errorf("scheduler.max_attempts must be >= 0, got %d", c.Scheduler.MaxAttempts)
	}
	if c.Memory.L1CacheSize < 0 || c.Memory.L2CacheSize < 0 {
		return fmt.Errorf("memory cache sizes must be >= 0")
	}
	if c.HITL.AutoApproveBelow > c.HITL.EscalateAt {
		return fmt.Errorf("hitl.auto_approve_below (%d) must not exceed hitl.escalate_at (%d)",
			c.HITL.AutoApproveBelow, c.HITL.EscalateAt)
	}
	return nil
}

// parseDuration parses a duration string, returning fallback for empty or
// invalid values.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
