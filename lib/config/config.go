// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file for Load.
const EnvironmentVariable = "LOGRELAY_CONFIG"

// Config is the logrelay configuration.
type Config struct {
	// ProducerID names the producer started by "logrelay run". Empty
	// means the wrapped command's base name.
	ProducerID string `yaml:"producer_id"`

	// SocketDir holds producer sockets and the registry socket. Empty
	// means $XDG_RUNTIME_DIR/logrelay (or /tmp/logrelay-<uid>).
	SocketDir string `yaml:"socket_dir"`

	// BufferCapacity is the number of records a producer retains for
	// late observers. Zero disables retention.
	BufferCapacity int `yaml:"buffer_capacity"`

	// HeartbeatInterval is how often idle connections send heartbeats.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HandshakeTimeout bounds connection setup on both sides.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// IncludeBacklogOnAttach makes "logrelay watch" replay retained
	// records before live ones.
	IncludeBacklogOnAttach bool `yaml:"include_backlog_on_attach"`

	// Reconnect keeps watchers attached across producer restarts.
	Reconnect bool `yaml:"reconnect"`

	Backoff BackoffConfig `yaml:"backoff"`

	Registry RegistryConfig `yaml:"registry"`

	// Compression is the codec producers use for large records when an
	// observer supports it: none, lz4, or zstd.
	Compression string `yaml:"compression"`

	// LogLevel is the level of logrelay's own diagnostics: debug, info,
	// warn, or error.
	LogLevel string `yaml:"log_level"`
}

// BackoffConfig configures reconnect delays.
type BackoffConfig struct {
	Base   time.Duration `yaml:"base"`
	Max    time.Duration `yaml:"max"`
	Jitter float64       `yaml:"jitter"`
}

// RegistryConfig configures the discovery registry.
type RegistryConfig struct {
	// Socket is the registry service socket. Empty means
	// registry.sock inside SocketDir.
	Socket string `yaml:"socket"`

	// Disabled stops producers and watchers from contacting the
	// registry at all.
	Disabled bool `yaml:"disabled"`

	// Grace is how long the registry keeps a disconnected session.
	Grace time.Duration `yaml:"grace"`

	// PruneInterval is how often the registry service drops producers
	// whose socket stopped answering.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		BufferCapacity:         2000,
		HeartbeatInterval:      10 * time.Second,
		HandshakeTimeout:       5 * time.Second,
		IncludeBacklogOnAttach: true,
		Reconnect:              true,
		Backoff: BackoffConfig{
			Base:   200 * time.Millisecond,
			Max:    5 * time.Second,
			Jitter: 0.2,
		},
		Registry: RegistryConfig{
			Grace:         10 * time.Second,
			PruneInterval: 30 * time.Second,
		},
		Compression: "zstd",
		LogLevel:    "info",
	}
}

// Load loads the file named by LOGRELAY_CONFIG, or returns Default if
// the variable is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path over the defaults and
// validates it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults, expands variables, and
// validates the result. Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	// An empty file decodes as io.EOF and leaves the defaults.
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} in path fields.
func (c *Config) expandVariables() {
	c.SocketDir = expandVars(c.SocketDir)
	c.Registry.Socket = expandVars(c.Registry.Socket)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

var (
	compressionNames = []string{"none", "lz4", "zstd"}
	logLevelNames    = []string{"debug", "info", "warn", "error"}
)

// Validate checks the configuration, reporting every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.BufferCapacity < 0 {
		errs = append(errs, fmt.Errorf("buffer_capacity must not be negative, got %d", c.BufferCapacity))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat_interval must be positive"))
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("handshake_timeout must be positive"))
	}
	if c.Backoff.Base <= 0 {
		errs = append(errs, fmt.Errorf("backoff.base must be positive"))
	}
	if c.Backoff.Max < c.Backoff.Base {
		errs = append(errs, fmt.Errorf("backoff.max (%v) must be at least backoff.base (%v)", c.Backoff.Max, c.Backoff.Base))
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		errs = append(errs, fmt.Errorf("backoff.jitter must be within [0, 1], got %v", c.Backoff.Jitter))
	}
	if c.Registry.Grace <= 0 {
		errs = append(errs, fmt.Errorf("registry.grace must be positive"))
	}
	if c.Registry.PruneInterval <= 0 {
		errs = append(errs, fmt.Errorf("registry.prune_interval must be positive"))
	}
	if !slices.Contains(compressionNames, c.Compression) {
		errs = append(errs, fmt.Errorf("compression must be one of %v, got %q", compressionNames, c.Compression))
	}
	if !slices.Contains(logLevelNames, c.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level must be one of %v, got %q", logLevelNames, c.LogLevel))
	}

	return errors.Join(errs...)
}
