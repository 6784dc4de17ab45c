// Package config loads contextd configuration from an optional YAML file
// with environment overrides. Every knob has a default; a missing config
// file yields a fully working runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all contextd configuration.
type Config struct {
	// Paths to the two persistent files and the user schema catalog.
	StorePath     string `yaml:"store_path"`
	AwarenessPath string `yaml:"awareness_path"`
	SchemaPath    string `yaml:"schema_path"`

	// Local language-model endpoint.
	LM LMConfig `yaml:"lm"`

	// Self-improvement loop.
	Improver ImproverConfig `yaml:"improver"`

	// REST server.
	HTTP HTTPConfig `yaml:"http"`

	// Logging.
	LogLevel string `yaml:"log_level"`
}

// LMConfig configures the optional local LM endpoint.
type LMConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// ImproverConfig configures the background tick and the auto-execute policy.
type ImproverConfig struct {
	TickEnabled       bool   `yaml:"tick_enabled"`
	TickInterval      string `yaml:"tick_interval"`
	TickBudget        string `yaml:"tick_budget"`
	DeepCacheTTL      string `yaml:"deep_cache_ttl"`
	PendingTTL        string `yaml:"pending_ttl"`
	AutoApproveLow    bool   `yaml:"auto_approve_low"`
	AutoApproveMedium bool   `yaml:"auto_approve_medium"`
	AutoApproveHigh   bool   `yaml:"auto_approve_high"`
}

// HTTPConfig configures the REST listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the default configuration. File paths default to
// ~/.contextd/ so the daemon works out of the box.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".contextd")
	return &Config{
		StorePath:     filepath.Join(base, "store.json"),
		AwarenessPath: filepath.Join(base, "awareness.json"),
		SchemaPath:    filepath.Join(base, "schema.json"),
		LM: LMConfig{
			Enabled: true,
			BaseURL: "http://localhost:11434",
			Model:   "llama3.2",
			Timeout: "10s",
		},
		Improver: ImproverConfig{
			TickEnabled:       true,
			TickInterval:      "5m",
			TickBudget:        "30s",
			DeepCacheTTL:      "1h",
			PendingTTL:        "168h",
			AutoApproveLow:    true,
			AutoApproveMedium: false,
			AutoApproveHigh:   false,
		},
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:7466",
		},
		LogLevel: "info",
	}
}

// Load loads configuration from a YAML file. A missing file returns the
// defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies CONTEXTD_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CONTEXTD_STORE_PATH"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("CONTEXTD_AWARENESS_PATH"); v != "" {
		c.AwarenessPath = v
	}
	if v := os.Getenv("CONTEXTD_SCHEMA_PATH"); v != "" {
		c.SchemaPath = v
	}
	if v := os.Getenv("CONTEXTD_LM_URL"); v != "" {
		c.LM.BaseURL = v
	}
	if v := os.Getenv("CONTEXTD_LM_MODEL"); v != "" {
		c.LM.Model = v
	}
	if v := os.Getenv("CONTEXTD_LM_ENABLED"); v != "" {
		c.LM.Enabled = parseBool(v, c.LM.Enabled)
	}
	if v := os.Getenv("CONTEXTD_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("CONTEXTD_TICK_ENABLED"); v != "" {
		c.Improver.TickEnabled = parseBool(v, c.Improver.TickEnabled)
	}
	if v := os.Getenv("AUTO_APPROVE_LOW"); v != "" {
		c.Improver.AutoApproveLow = parseBool(v, c.Improver.AutoApproveLow)
	}
	if v := os.Getenv("AUTO_APPROVE_MEDIUM"); v != "" {
		c.Improver.AutoApproveMedium = parseBool(v, c.Improver.AutoApproveMedium)
	}
	if v := os.Getenv("AUTO_APPROVE_HIGH"); v != "" {
		c.Improver.AutoApproveHigh = parseBool(v, c.Improver.AutoApproveHigh)
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// GetLMTimeout returns the per-call LM timeout as a duration.
func (c *Config) GetLMTimeout() time.Duration {
	return parseDuration(c.LM.Timeout, 10*time.Second)
}

// GetTickInterval returns the interval between improvement ticks.
func (c *Config) GetTickInterval() time.Duration {
	return parseDuration(c.Improver.TickInterval, 5*time.Minute)
}

// GetTickBudget returns the wall-clock cap for one tick.
func (c *Config) GetTickBudget() time.Duration {
	return parseDuration(c.Improver.TickBudget, 30*time.Second)
}

// GetDeepCacheTTL returns the TTL for the analyzer-enriched self-model cache.
func (c *Config) GetDeepCacheTTL() time.Duration {
	return parseDuration(c.Improver.DeepCacheTTL, time.Hour)
}

// GetPendingTTL returns how long a pending action lives before expiring.
func (c *Config) GetPendingTTL() time.Duration {
	return parseDuration(c.Improver.PendingTTL, 7*24*time.Hour)
}
