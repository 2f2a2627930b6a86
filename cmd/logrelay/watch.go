// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/logrelay/cmd/logrelay/cli"
	"github.com/bureau-foundation/logrelay/lib/clock"
	"github.com/bureau-foundation/logrelay/lib/config"
	"github.com/bureau-foundation/logrelay/lib/tui"
	"github.com/bureau-foundation/logrelay/registry"
	"github.com/bureau-foundation/logrelay/relay"
)

// registryLookupTimeout bounds resolving producer names at startup.
const registryLookupTimeout = 2 * time.Second

func watchCommand() *cli.Command {
	var (
		common      settings
		noBacklog   bool
		noReconnect bool
		all         bool
		levelName   string
		jsonOutput  bool
		noColor     bool
		observerID  string
	)
	return &cli.Command{
		Name:    "watch",
		Aliases: []string{"tail"},
		Summary: "Print records from one or more producers",
		Description: `Attach to producers and print their records as they arrive.

A target is a socket path (anything containing "/" or starting with
"unix:") or a producer name, which is looked up in the registry and
otherwise assumed to live in the socket directory. With --all, every
registered producer is watched, including ones that register later.

Records from one producer are printed in the order it emitted them.
When records were lost because the producer's backlog overflowed, a
notice with the number of missing records is printed in their place.`,
		Usage: "logrelay watch [flags] [TARGET...]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
			common.addFlags(flagSet)
			flagSet.BoolVar(&noBacklog, "no-backlog", false, "print only records emitted after attaching")
			flagSet.BoolVar(&noReconnect, "no-reconnect", false, "exit when a producer goes away instead of waiting for it")
			flagSet.BoolVarP(&all, "all", "a", false, "watch every registered producer")
			flagSet.StringVarP(&levelName, "level", "l", "", "minimum level to print (trace, debug, info, warn, error)")
			flagSet.BoolVar(&jsonOutput, "json", false, "print one JSON object per line")
			flagSet.BoolVar(&noColor, "no-color", false, "disable colors even on a terminal")
			flagSet.StringVar(&observerID, "observer-id", "", "id presented to producers (default random)")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Watch a producer by name",
				Command:     "logrelay watch api",
			},
			{
				Description: "Export errors from every producer as JSON lines",
				Command:     "logrelay watch --all --level error --json",
			},
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) == 0 && !all {
				return fmt.Errorf("no producers given (pass a socket or name, or --all)")
			}
			cfg, err := common.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			minimum := relay.LevelTrace
			if levelName != "" {
				if minimum, err = relay.ParseLevel(levelName); err != nil {
					return err
				}
			}

			registryClient := common.registryClient(cfg, logger)
			if all && registryClient == nil {
				return fmt.Errorf("--all needs the registry, which is disabled in the configuration")
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			output := &printer{
				out:     os.Stdout,
				json:    jsonOutput,
				color:   !noColor && term.IsTerminal(int(os.Stdout.Fd())),
				theme:   tui.DefaultTheme,
				minimum: minimum,
			}
			session := watchSession{
				cfg:        cfg,
				registry:   registryClient,
				observerID: observerID,
				options: relay.AttachOptions{
					IncludeBacklog: cfg.IncludeBacklogOnAttach && !noBacklog,
					Reconnect:      cfg.Reconnect && !noReconnect,
					Backoff:        backoffPolicy(cfg),
				},
				logger: logger,
				clock:  clock.Real(),
			}
			return session.run(ctx, args, all, output)
		},
	}
}

// watchSession attaches to producers and prints their merged records.
type watchSession struct {
	cfg        *config.Config
	registry   *registry.Client // nil when the registry is disabled
	observerID string
	options    relay.AttachOptions
	logger     *slog.Logger
	clock      clock.Clock

	mutex    sync.Mutex
	attached map[string]*relay.Handle // live handles by socket path
}

// run attaches to targets and prints until ctx ends or, without
// follow, until every handle has ended.
func (w *watchSession) run(ctx context.Context, targets []string, follow bool, output *printer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	clientConfig := relay.ClientConfig{
		ObserverID:        w.observerID,
		HandshakeTimeout:  w.cfg.HandshakeTimeout,
		HeartbeatInterval: w.cfg.HeartbeatInterval,
		Logger:            w.logger,
	}
	if w.registry != nil {
		clientConfig.Sessions = w.registry
	}
	client, err := relay.NewClient(clientConfig)
	if err != nil {
		return err
	}
	defer client.Close()

	feed := relay.NewFeed()
	defer feed.Close()

	for _, target := range targets {
		endpoint := w.resolve(ctx, target)
		if err := w.attach(ctx, client, feed, endpoint); err != nil {
			return fmt.Errorf("attaching to %s: %w", target, err)
		}
	}

	if follow {
		go w.follow(ctx, client, feed)
	} else {
		go func() {
			feed.Wait()
			cancel()
		}()
	}

	for {
		event, err := feed.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := output.print(event); err != nil {
			return err
		}
	}
}

// attach adds a handle for endpoint to the feed unless a live one
// exists. A producer relaunched on the same socket gets a new handle
// once the old one has ended.
func (w *watchSession) attach(ctx context.Context, client *relay.Client, feed *relay.Feed, endpoint relay.Endpoint) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.attached == nil {
		w.attached = make(map[string]*relay.Handle)
	}
	if existing := w.attached[endpoint.Path]; existing != nil {
		select {
		case <-existing.Done():
		default:
			return nil
		}
	}
	handle, err := client.Attach(ctx, endpoint, w.options)
	if err != nil {
		return err
	}
	if err := feed.Add(handle); err != nil {
		handle.Detach()
		return err
	}
	w.attached[endpoint.Path] = handle
	go w.release(endpoint.Path, handle)
	return nil
}

// release forgets handle once it ends so its endpoint can be attached
// again.
func (w *watchSession) release(path string, handle *relay.Handle) {
	<-handle.Done()
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.attached[path] == handle {
		delete(w.attached, path)
	}
}

// follow attaches to every producer the registry reports, now and
// later. A dropped watch stream is re-established after a delay.
func (w *watchSession) follow(ctx context.Context, client *relay.Client, feed *relay.Feed) {
	for ctx.Err() == nil {
		for change, err := range w.registry.Watch(ctx) {
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("registry watch failed", "error", err)
				}
				break
			}
			switch change.Kind {
			case registry.ChangeAdded:
				if err := w.attach(ctx, client, feed, change.Entry.Endpoint); err != nil && ctx.Err() == nil {
					w.logger.Warn("attaching to producer failed",
						"producer_id", change.Entry.ProducerID, "error", err)
				}
			case registry.ChangeOverflow:
				w.logger.Warn("registry watch fell behind, resubscribing")
			}
		}
		select {
		case <-ctx.Done():
		case <-w.clock.After(w.options.Backoff.Max):
		}
	}
}

// resolve turns a target into an endpoint. Paths are used as given;
// names are looked up in the registry, falling back to the socket
// directory convention.
func (w *watchSession) resolve(ctx context.Context, target string) relay.Endpoint {
	if isSocketTarget(target) {
		if endpoint, err := relay.ParseEndpoint(target); err == nil {
			return endpoint
		}
	}
	if w.registry != nil {
		lookupContext, cancel := context.WithTimeout(ctx, registryLookupTimeout)
		defer cancel()
		entries, err := w.registry.List(lookupContext)
		if err != nil {
			w.logger.Debug("registry unavailable, using socket directory", "error", err)
		}
		for _, entry := range entries {
			if entry.ProducerID == target {
				return entry.Endpoint
			}
		}
	}
	return relay.EndpointFor(socketDir(w.cfg), target)
}

func isSocketTarget(target string) bool {
	return strings.HasPrefix(target, "unix:") || strings.ContainsRune(target, '/') || strings.HasSuffix(target, ".sock")
}
