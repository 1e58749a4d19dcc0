// Package config loads the YAML run configuration for the crack
// workflow. Flags override file values; file values override defaults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/credrake/credrake/transport"
)

// Config is the top-level run configuration.
type Config struct {
	Oracle     OracleConfig    `yaml:"oracle"`
	Batch      BatchConfig     `yaml:"batch"`
	Candidates CandidateConfig `yaml:"candidates"`
	Session    SessionConfig   `yaml:"session"`
}

// OracleConfig selects and configures the oracle transport.
type OracleConfig struct {
	// Kind is "http" (direct form oracle) or "nats" (relay agent).
	Kind string `yaml:"kind"`

	HTTP transport.HTTPFormConfig  `yaml:"http"`
	NATS transport.NATSRelayConfig `yaml:"nats"`
}

// BatchConfig controls engine scheduling.
type BatchConfig struct {
	// Concurrency bounds in-flight batches; 1 runs sequentially.
	Concurrency int `yaml:"concurrency"`

	// Retries re-attempts a failed batch before aborting the search.
	Retries int `yaml:"retries"`
}

// CandidateConfig controls candidate formatting.
type CandidateConfig struct {
	BlockSize  int `yaml:"block_size"`
	MaxWordLen int `yaml:"max_word_len"`

	// ExtraForbiddenPadBytes extends the transport's corrupting set,
	// for targets whose own parsing mangles further byte values.
	ExtraForbiddenPadBytes []int `yaml:"extra_forbidden_pad_bytes"`
}

// SessionConfig locates the resumable-run store.
type SessionConfig struct {
	Dir string `yaml:"dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Oracle: OracleConfig{Kind: "http"},
		Batch: BatchConfig{
			Concurrency: 1,
			Retries:     2,
		},
		Candidates: CandidateConfig{
			BlockSize:  16,
			MaxWordLen: 64,
		},
		Session: SessionConfig{
			Dir: ".credrake",
		},
	}
}

// Load reads the configuration file at path, falling back to defaults
// when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.Candidates.BlockSize <= 0 {
		return nil, fmt.Errorf("candidates.block_size must be positive")
	}
	for _, b := range cfg.Candidates.ExtraForbiddenPadBytes {
		if b < 0 || b > 255 {
			return nil, fmt.Errorf("extra_forbidden_pad_bytes entry %d out of byte range", b)
		}
	}
	return cfg, nil
}
