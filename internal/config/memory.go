package config

import "time"

// MemoryConfig configures the memory engine.
type MemoryConfig struct {
	// Store directory; records/, index/ and cache/ live beneath it.
	// Empty means <workspace>/.conductor/memory.
	StorePath string `yaml:"store_path"`

	// Master key material for at-rest encryption. Normally supplied through
	// the CONDUCTOR_MASTER_KEY environment variable, never the config file.
	MasterKey string `yaml:"-"`

	// Cache sizes. L1 is in-memory, L2 is on-disk.
	L1CacheSize int `yaml:"l1_cache_size"` // Default 1000 entries
	L2CacheSize int `yaml:"l2_cache_size"` // Default 10000 entries

	// Tier demotion thresholds for the background sweeper.
	HotToWarm  string `yaml:"hot_to_warm"`  // Default 1h
	WarmToCold string `yaml:"warm_to_cold"` // Default 24h

	// Sweeper wake interval. Zero disables the sweeper.
	SweepInterval string `yaml:"sweep_interval"` // Default 10m

	// Writer stripe lock count. Default 64.
	StripeCount int `yaml:"stripe_count"`

	// Backing store retry policy.
	RetryAttempts int    `yaml:"retry_attempts"` // Default 3
	RetryBase     string `yaml:"retry_base"`     // Default 50ms
	RetryMax      string `yaml:"retry_max"`      // Default 400ms

	Embedding EmbeddingConfig `yaml:"embedding"`
}

// EmbeddingConfig configures the vector embedding engine.
// Supports Ollama (local), GenAI (cloud), and a deterministic local hash
// engine for offline operation.
type EmbeddingConfig struct {
	// Provider: "ollama", "genai", or "local"
	Provider string `yaml:"provider"`

	// Ollama configuration (local embedding server)
	OllamaEndpoint string `yaml:"ollama_endpoint"` // Default: "http://localhost:11434"
	OllamaModel    string `yaml:"ollama_model"`    // Default: "embeddinggemma"

	// GenAI configuration (Google cloud embedding)
	GenAIAPIKey string `yaml:"-"`
	GenAIModel  string `yaml:"genai_model"` // Default: "gemini-embedding-001"

	// Local hash engine dimensionality. Default 256.
	LocalDimensions int `yaml:"local_dimensions"`
}

// DefaultMemoryConfig returns sensible defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		L1CacheSize:   1000,
		L2CacheSize:   10000,
		HotToWarm:     "1h",
		WarmToCold:    "24h",
		SweepInterval: "10m",
		StripeCount:   64,
		RetryAttempts: 3,
		RetryBase:     "50ms",
		RetryMax:      "400ms",
		Embedding: EmbeddingConfig{
			Provider:        "local",
			OllamaEndpoint:  "http://localhost:11434",
			OllamaModel:     "embeddinggemma",
			GenAIModel:      "gemini-embedding-001",
			LocalDimensions: 256,
		},
	}
}

// HotToWarmDuration returns the parsed HOT->WARM idle threshold.
func (c MemoryConfig) HotToWarmDuration() time.Duration {
	return parseDuration(c.HotToWarm, time.Hour)
}

// WarmToColdDuration returns the parsed WARM->COLD idle threshold.
func (c MemoryConfig) WarmToColdDuration() time.Duration {
	return parseDuration(c.WarmToCold, 24*time.Hour)
}

// SweepIntervalDuration returns the parsed sweeper interval.
func (c MemoryConfig) SweepIntervalDuration() time.Duration {
	return parseDuration(c.SweepInterval, 10*time.Minute)
}

// RetryWindow returns the parsed retry base and ceiling.
func (c MemoryConfig) RetryWindow() (base, max time.Duration) {
	return parseDuration(c.RetryBase, 50*time.Millisecond), parseDuration(c.RetryMax, 400*time.Millisecond)
}
