// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/logrelay/cmd/logrelay/cli"
	"github.com/bureau-foundation/logrelay/registry"
)

const listTimeout = 5 * time.Second

// listing is the --json output of "logrelay list".
type listing struct {
	Producers []registry.Entry   `json:"producers"`
	Sessions  []registry.Session `json:"sessions"`
}

func listCommand() *cli.Command {
	var (
		common     settings
		jsonOutput bool
	)
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Summary: "List registered producers and observer sessions",
		Usage:   "logrelay list [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			common.addFlags(flagSet)
			flagSet.BoolVar(&jsonOutput, "json", false, "print JSON instead of a table")
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
			client := common.registryClient(cfg, logger)
			if client == nil {
				return fmt.Errorf("the registry is disabled in the configuration")
			}

			ctx, cancel := context.WithTimeout(ctx, listTimeout)
			defer cancel()
			producers, err := client.List(ctx)
			if err != nil {
				return fmt.Errorf("listing producers: %w", err)
			}
			sessions, err := client.Sessions(ctx)
			if err != nil {
				return fmt.Errorf("listing sessions: %w", err)
			}
			return writeListing(os.Stdout, listing{Producers: producers, Sessions: sessions}, jsonOutput, time.Now())
		},
	}
}

// writeListing prints producers and sessions. Ages are relative to now.
func writeListing(w io.Writer, result listing, jsonOutput bool, now time.Time) error {
	if jsonOutput {
		if result.Producers == nil {
			result.Producers = []registry.Entry{}
		}
		if result.Sessions == nil {
			result.Sessions = []registry.Session{}
		}
		return cli.WriteJSON(w, result)
	}

	if len(result.Producers) == 0 {
		fmt.Fprintln(w, "No producers registered.")
	} else {
		writer := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		fmt.Fprintf(writer, "PRODUCER\tENDPOINT\tREGISTERED\n")
		for _, entry := range result.Producers {
			fmt.Fprintf(writer, "%s\t%s\t%s ago\n",
				entry.ProducerID, entry.Endpoint.Path, formatAge(now.Sub(entry.RegisteredAt)))
		}
		writer.Flush()
	}

	if len(result.Sessions) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	writer := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintf(writer, "OBSERVER\tPRODUCER\tSTATE\tSINCE\n")
	for _, session := range result.Sessions {
		since := session.ConnectedSince
		if session.State == registry.SessionDisconnected {
			since = session.DisconnectedAt
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s ago\n",
			session.ObserverID, session.ProducerID, session.State, formatAge(now.Sub(since)))
	}
	return writer.Flush()
}

// formatAge rounds a duration for display: seconds under a minute,
// then minutes, then hours.
func formatAge(age time.Duration) string {
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(age.Hours()))
	}
}
