// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads and validates the agent's single JSON configuration
// file (spec §6), applying environment-variable overrides and field
// defaults the way the teacher's agent config loader does.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const defaultEndpoint = "https://app.plexus.company"

// DefaultPath returns ~/.plexus/config.json, the location spec §6 names.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".plexus", "config.json"), nil
}

// Config is the full agent configuration: the on-wire fields spec §6 names,
// plus the ambient sections (retry, logging, housekeeping, connector) that a
// complete implementation needs but the distilled spec leaves to convention.
type Config struct {
	APIKey            string   `json:"api_key"`
	SourceID          string   `json:"source_id"`
	OrgID             string   `json:"org_id"`
	SourceName        string   `json:"source_name"`
	Endpoint          string   `json:"endpoint"`
	CommandAllowlist  []string `json:"command_allowlist"`
	CommandDenylist   []string `json:"command_denylist"`

	Retry        RetryInfo        `json:"retry"`
	Logging      LoggingInfo      `json:"logging"`
	Connector    ConnectorInfo    `json:"connector"`
	Housekeeping HousekeepingInfo `json:"housekeeping"`
	Buffer       BufferInfo       `json:"buffer"`

	// path is the file this Config was loaded from, kept so Save can
	// persist an auto-generated source_id back to the same location.
	path string
}

// RetryInfo mirrors retry.Policy for JSON configurability.
type RetryInfo struct {
	MaxRetries      int     `json:"max_retries"`
	BaseDelaySec    float64 `json:"base_delay_sec"`
	MaxDelaySec     float64 `json:"max_delay_sec"`
	ExponentialBase float64 `json:"exponential_base"`
	Jitter          *bool   `json:"jitter"`
}

// LoggingInfo mirrors logging.NewLogger's parameters.
type LoggingInfo struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	FilePath   string `json:"file_path"`
	SessionDir string `json:"session_dir"`
}

// ConnectorInfo holds control-channel connection settings.
type ConnectorInfo struct {
	WSURL       string `json:"ws_url"`
	DSCP        string `json:"dscp"`
	TLSCACert   string `json:"tls_ca_cert"`
	PingSec     int    `json:"ping_interval_sec"`
	PingTimeout int    `json:"ping_timeout_sec"`
}

// HousekeepingInfo configures the periodic buffer-compaction/stats runner.
type HousekeepingInfo struct {
	Schedule string `json:"schedule"`
}

// BufferInfo configures the local FIFO buffer backend.
type BufferInfo struct {
	Backend  string `json:"backend"` // "memory" | "sqlite"
	Path     string `json:"path"`
	Capacity int    `json:"capacity"`
}

// Load reads the JSON config at path, merges in defaults for any unset
// field, applies environment overrides, and auto-generates+persists a
// source_id on first run, following original_source/plexus/config.py's
// get_source_id() behavior.
func Load(path string) (*Config, error) {
	cfg := &Config{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		// Missing file is not fatal: an empty config still gets defaults
		// and env overrides applied below.
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.path = path

	cfg.applyEnv()
	cfg.applyDefaults()

	if cfg.SourceID == "" {
		id, err := generateSourceID()
		if err != nil {
			return nil, fmt.Errorf("generating source_id: %w", err)
		}
		cfg.SourceID = id
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("persisting generated source_id: %w", err)
		}
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PLEXUS_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("PLEXUS_ENDPOINT"); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv("PLEXUS_ORG_ID"); v != "" {
		c.OrgID = v
	}
	if v := os.Getenv("PLEXUS_WS_URL"); v != "" {
		c.Connector.WSURL = v
	}
}

func (c *Config) applyDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = defaultEndpoint
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseDelaySec <= 0 {
		c.Retry.BaseDelaySec = 1.0
	}
	if c.Retry.MaxDelaySec <= 0 {
		c.Retry.MaxDelaySec = 30.0
	}
	if c.Retry.ExponentialBase <= 0 {
		c.Retry.ExponentialBase = 2.0
	}
	if c.Retry.Jitter == nil {
		on := true
		c.Retry.Jitter = &on
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Connector.PingSec <= 0 {
		c.Connector.PingSec = 30
	}
	if c.Connector.PingTimeout <= 0 {
		c.Connector.PingTimeout = 10
	}
	if c.Housekeeping.Schedule == "" {
		c.Housekeeping.Schedule = "@every 5m"
	}
	if c.Buffer.Backend == "" {
		c.Buffer.Backend = "memory"
	}
	if c.Buffer.Capacity <= 0 {
		c.Buffer.Capacity = 10000
	}
}

// BaseDelay and MaxDelay convert RetryInfo's float-seconds fields into
// time.Duration, for handoff to retry.Policy.
func (r RetryInfo) BaseDelay() time.Duration { return toDuration(r.BaseDelaySec) }
func (r RetryInfo) MaxDelay() time.Duration  { return toDuration(r.MaxDelaySec) }

func toDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

// Save persists the config back to its source path (used after
// auto-generating a source_id), with mode 0600 since it may carry an API
// key, matching original_source/plexus/config.py's save_config.
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("config has no associated path to save to")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("writing config %s: %w", c.path, err)
	}
	return nil
}

func generateSourceID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "source-" + hex.EncodeToString(buf), nil
}
