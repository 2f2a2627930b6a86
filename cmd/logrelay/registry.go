// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/logrelay/cmd/logrelay/cli"
	"github.com/bureau-foundation/logrelay/registry"
)

func registryCommand() *cli.Command {
	var (
		common        settings
		socketPath    string
		grace         time.Duration
		pruneInterval time.Duration
	)
	return &cli.Command{
		Name:    "registry",
		Summary: "Run the producer registry service",
		Description: `Run the registry service. Producers started with "logrelay run"
announce themselves here, and watchers use it to find producers by name
and to follow new ones with "watch --all".

Producers whose socket stops answering are removed periodically. An
observer session that disconnects is kept for the grace window so a
quick reconnect continues the same session.`,
		Usage: "logrelay registry [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("registry", pflag.ContinueOnError)
			common.addFlags(flagSet)
			flagSet.StringVar(&socketPath, "socket", "", "socket to serve on (default --registry, else <socket_dir>/registry.sock)")
			flagSet.DurationVar(&grace, "grace", 0, "how long to keep disconnected sessions (default registry.grace from config)")
			flagSet.DurationVar(&pruneInterval, "prune-interval", 0, "how often to drop unreachable producers (default registry.prune_interval from config)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			cfg, err := common.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			if socketPath == "" {
				socketPath = common.registrySocketPath(cfg)
			}
			if grace <= 0 {
				grace = cfg.Registry.Grace
			}
			if pruneInterval <= 0 {
				pruneInterval = cfg.Registry.PruneInterval
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			directory := registry.New(registry.Config{GraceWindow: grace, Logger: logger})
			if pruneInterval > 0 {
				go directory.RunPruner(ctx, pruneInterval)
			}
			return registry.NewService(directory, socketPath, logger).Serve(ctx)
		},
	}
}
