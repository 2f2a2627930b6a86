// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/logrelay/cmd/logrelay/cli"
	"github.com/bureau-foundation/logrelay/lib/config"
	"github.com/bureau-foundation/logrelay/registry"
	"github.com/bureau-foundation/logrelay/relay"
)

// settings holds the flags every subcommand shares.
type settings struct {
	configPath     string
	registrySocket string
}

func (s *settings) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&s.configPath, "config", "", "configuration file (default $"+config.EnvironmentVariable+")")
	flagSet.StringVar(&s.registrySocket, "registry", "", "registry service socket (default <socket_dir>/registry.sock)")
}

// load reads the configuration named by --config, falling back to
// LOGRELAY_CONFIG and then the defaults.
func (s *settings) load() (*config.Config, error) {
	if s.configPath != "" {
		return config.LoadFile(s.configPath)
	}
	return config.Load()
}

// registrySocketPath resolves the registry socket: the --registry
// flag, then the config file, then registry.sock in the socket
// directory.
func (s *settings) registrySocketPath(cfg *config.Config) string {
	if s.registrySocket != "" {
		return s.registrySocket
	}
	if cfg.Registry.Socket != "" {
		return cfg.Registry.Socket
	}
	return filepath.Join(socketDir(cfg), "registry.sock")
}

// registryClient returns a client for the registry service, or nil if
// the registry is disabled.
func (s *settings) registryClient(cfg *config.Config, logger *slog.Logger) *registry.Client {
	if cfg.Registry.Disabled {
		return nil
	}
	return registry.NewClient(s.registrySocketPath(cfg), logger)
}

func socketDir(cfg *config.Config) string {
	if cfg.SocketDir != "" {
		return cfg.SocketDir
	}
	return relay.DefaultSocketDir()
}

func backoffPolicy(cfg *config.Config) relay.BackoffPolicy {
	return relay.BackoffPolicy{
		Base:   cfg.Backoff.Base,
		Max:    cfg.Backoff.Max,
		Jitter: cfg.Backoff.Jitter,
	}
}

// newLogger builds the logger for logrelay's own diagnostics at the
// configured level.
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return nil, fmt.Errorf("log_level: %w", err)
		}
	}
	return cli.NewCommandLogger(level), nil
}
