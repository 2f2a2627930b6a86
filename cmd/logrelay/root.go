// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import "github.com/bureau-foundation/logrelay/cmd/logrelay/cli"

func root() *cli.Command {
	return &cli.Command{
		Name:    "logrelay",
		Summary: "Stream logs between processes over Unix sockets",
		Description: `logrelay carries log records from producer processes to any number of
observers. A producer keeps a bounded backlog so late observers see
recent history, and observers reconnect and resume where they left off
when a producer restarts.

Producers announce themselves to an optional registry service so
observers can attach by name.`,
		Subcommands: []*cli.Command{
			runCommand(),
			watchCommand(),
			listCommand(),
			registryCommand(),
			versionCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "Start the registry",
				Command:     "logrelay registry &",
			},
			{
				Description: "Run a server as producer \"api\"",
				Command:     "logrelay run --producer-id api -- ./server --port 8080",
			},
			{
				Description: "Follow every producer, warnings and up",
				Command:     "logrelay watch --all --level warn",
			},
		},
	}
}
