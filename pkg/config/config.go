// Package config loads kernel configuration from environment variables
// with sane defaults, optionally overlaid by a YAML file for the CLI.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds kernel runtime configuration.
type Config struct {
	// StorePath is the sqlite database path for the durable store.
	StorePath string `yaml:"store_path"`
	// LogLevel is the slog level name (DEBUG, INFO, WARN, ERROR).
	LogLevel string `yaml:"log_level"`
	// RootName names the genesis root process.
	RootName string `yaml:"root_name"`
	// DefaultQueueBound is the endpoint queue bound used when an
	// endpoint-create request does not specify one.
	DefaultQueueBound int `yaml:"default_queue_bound"`
	// DurableDispatch makes the gateway wait for the persistence ack
	// before returning success.
	DurableDispatch bool `yaml:"durable_dispatch"`
	// CheckpointDomain is the HKDF domain for the checkpoint signer key.
	CheckpointDomain string `yaml:"checkpoint_domain"`
	// TrustedCheckpointKeys are the hex ed25519 public keys accepted as
	// checkpoint signers at boot. Empty means checkpoints are never
	// resumed from.
	TrustedCheckpointKeys []string `yaml:"trusted_checkpoint_keys"`
}

// Load builds a Config from environment variables.
func Load() *Config {
	cfg := &Config{
		StorePath:         "zeros.db",
		LogLevel:          "INFO",
		RootName:          "root",
		DefaultQueueBound: 64,
		DurableDispatch:   false,
		CheckpointDomain:  "checkpoint",
	}

	if v := os.Getenv("ZEROS_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("ZEROS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ZEROS_ROOT_NAME"); v != "" {
		cfg.RootName = v
	}
	if v := os.Getenv("ZEROS_QUEUE_BOUND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DefaultQueueBound = n
		}
	}
	cfg.DurableDispatch = os.Getenv("ZEROS_DURABLE_DISPATCH") == "true"
	if v := os.Getenv("ZEROS_CHECKPOINT_DOMAIN"); v != "" {
		cfg.CheckpointDomain = v
	}
	if v := os.Getenv("ZEROS_TRUSTED_CHECKPOINT_KEYS"); v != "" {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.TrustedCheckpointKeys = append(cfg.TrustedCheckpointKeys, k)
			}
		}
	}

	return cfg
}

// LoadFile overlays cfg with values from a YAML file.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
