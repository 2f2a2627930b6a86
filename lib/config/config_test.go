// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.BufferCapacity != 2000 {
		t.Errorf("buffer_capacity = %d, want 2000", cfg.BufferCapacity)
	}
	if cfg.Backoff.Base != 200*time.Millisecond || cfg.Backoff.Max != 5*time.Second {
		t.Errorf("backoff = %+v", cfg.Backoff)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
producer_id: myapp
socket_dir: /run/user/1000/logrelay
buffer_capacity: 0
heartbeat_interval: 2s
include_backlog_on_attach: false
backoff: {base: 100ms, max: 1s, jitter: 0}
registry: {socket: /tmp/reg.sock, grace: 1m}
compression: lz4
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.ProducerID != "myapp" || cfg.SocketDir != "/run/user/1000/logrelay" {
		t.Errorf("identity fields = %q %q", cfg.ProducerID, cfg.SocketDir)
	}
	if cfg.BufferCapacity != 0 {
		t.Errorf("buffer_capacity = %d, want 0", cfg.BufferCapacity)
	}
	if cfg.HeartbeatInterval != 2*time.Second {
		t.Errorf("heartbeat_interval = %v", cfg.HeartbeatInterval)
	}
	if cfg.IncludeBacklogOnAttach {
		t.Error("include_backlog_on_attach still true")
	}
	if cfg.Backoff != (BackoffConfig{Base: 100 * time.Millisecond, Max: time.Second}) {
		t.Errorf("backoff = %+v", cfg.Backoff)
	}
	if cfg.Registry.Socket != "/tmp/reg.sock" || cfg.Registry.Grace != time.Minute {
		t.Errorf("registry = %+v", cfg.Registry)
	}
	// Unset keys keep their defaults.
	if cfg.HandshakeTimeout != 5*time.Second || cfg.Registry.PruneInterval != 30*time.Second {
		t.Errorf("defaults lost: handshake %v, prune %v", cfg.HandshakeTimeout, cfg.Registry.PruneInterval)
	}
	if cfg.Compression != "lz4" {
		t.Errorf("compression = %q", cfg.Compression)
	}
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(empty) = %v", err)
	}
	if *cfg != *Default() {
		t.Errorf("empty document changed the defaults: %+v", cfg)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		message string
	}{
		{"unknown key", "bufer_capacity: 10", "bufer_capacity"},
		{"negative capacity", "buffer_capacity: -1", "buffer_capacity"},
		{"backoff order", "backoff: {base: 2s, max: 1s}", "backoff.max"},
		{"jitter", "backoff: {jitter: 1.5}", "backoff.jitter"},
		{"compression", "compression: gzip", "compression"},
		{"log level", "log_level: loud", "log_level"},
		{"zero heartbeat", "heartbeat_interval: 0s", "heartbeat_interval"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse([]byte(test.yaml))
			if err == nil {
				t.Fatal("Parse succeeded")
			}
			if !strings.Contains(err.Error(), test.message) {
				t.Errorf("error %q does not mention %q", err, test.message)
			}
		})
	}
}

func TestParseExpandsVariables(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/42")
	t.Setenv("LOGRELAY_TEST_UNSET", "")
	cfg, err := Parse([]byte(`
socket_dir: ${XDG_RUNTIME_DIR}/logrelay
registry: {socket: "${LOGRELAY_TEST_UNSET:-/tmp/fallback}/registry.sock"}
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SocketDir != "/run/user/42/logrelay" {
		t.Errorf("socket_dir = %q", cfg.SocketDir)
	}
	if cfg.Registry.Socket != "/tmp/fallback/registry.sock" {
		t.Errorf("registry.socket = %q", cfg.Registry.Socket)
	}
}

func TestLoadUsesEnvironmentVariable(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")
	cfg, err := Load()
	if err != nil || cfg.BufferCapacity != Default().BufferCapacity {
		t.Fatalf("Load without %s = %+v, %v", EnvironmentVariable, cfg, err)
	}

	path := filepath.Join(t.TempDir(), "logrelay.yaml")
	if err := os.WriteFile(path, []byte("buffer_capacity: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvironmentVariable, path)
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BufferCapacity != 7 {
		t.Errorf("buffer_capacity = %d, want 7", cfg.BufferCapacity)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("LoadFile(missing) = %v, want a not-exist error", err)
	}
}
