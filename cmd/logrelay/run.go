// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/logrelay/cmd/logrelay/cli"
	"github.com/bureau-foundation/logrelay/relay"
)

// Tags of records produced by "logrelay run".
const (
	tagStdout   = "stdout"
	tagStderr   = "stderr"
	tagLogrelay = "logrelay"
)

// exitCodeStartFailed is returned when the child cannot be started,
// matching the shell's "found but not executable" status.
const exitCodeStartFailed = 126

var forwardedSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT}

func runCommand() *cli.Command {
	var (
		common     settings
		producerID string
		socketPath string
		directory  string
		buffer     int
		noRegistry bool
		raw        bool
	)
	return &cli.Command{
		Name:    "run",
		Summary: "Run a command and publish its output as a producer",
		Description: `Run a command as a log producer. Each line the command writes to stdout
becomes an INFO record tagged "stdout"; each stderr line becomes a WARN
record tagged "stderr". The output is still passed through to the
terminal unchanged.

Lines that are JSON objects, as written by structured loggers, are
parsed: their level, time, message, and logger name fill the record,
and other fields are appended as key=value. Use --raw to keep such
lines verbatim.

Signals (INT, TERM, HUP, QUIT) are forwarded to the command, and
logrelay exits with the command's exit code.`,
		Usage: "logrelay run [flags] [--] <command> [args...]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
			common.addFlags(flagSet)
			flagSet.StringVar(&producerID, "producer-id", "", "producer name (default producer_id from config, else the command's base name)")
			flagSet.StringVar(&socketPath, "socket", "", "socket to listen on (default <socket-dir>/<producer-id>.sock)")
			flagSet.StringVar(&directory, "socket-dir", "", "directory for the producer socket (default socket_dir from config)")
			flagSet.IntVar(&buffer, "buffer", -1, "records retained for late observers (default buffer_capacity from config)")
			flagSet.BoolVar(&noRegistry, "no-registry", false, "do not announce the producer to the registry")
			flagSet.BoolVar(&raw, "raw", false, "do not parse JSON log lines")
			// Everything after the command name belongs to the command.
			flagSet.SetInterspersed(false)
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Publish a build's output",
				Command:     "logrelay run --producer-id build -- make -j8",
			},
		},
		Run: func(ctx context.Context, args []string) error {
			command, err := parseArgs(args)
			if err != nil {
				return err
			}
			cfg, err := common.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			if producerID == "" {
				producerID = cfg.ProducerID
			}
			if producerID == "" {
				producerID = filepath.Base(command[0])
			}
			capacity := cfg.BufferCapacity
			if buffer >= 0 {
				capacity = buffer
			}
			compression, err := relay.ParseCompressionCodec(cfg.Compression)
			if err != nil {
				return err
			}

			endpoint, err := producerEndpoint(socketPath, directory, socketDir(cfg), producerID)
			if err != nil {
				return err
			}

			senderConfig := relay.SenderConfig{
				ProducerID:        producerID,
				BufferCapacity:    capacity,
				HeartbeatInterval: cfg.HeartbeatInterval,
				HandshakeTimeout:  cfg.HandshakeTimeout,
				Compression:       compression,
				Logger:            logger.With("producer_id", producerID),
			}
			if !noRegistry {
				if client := common.registryClient(cfg, logger); client != nil {
					senderConfig.Registry = client
				}
			}
			sender, err := relay.NewSender(senderConfig)
			if err != nil {
				return err
			}
			if err := sender.Start(ctx, endpoint); err != nil {
				return err
			}
			defer sender.Stop()

			code := runChild(command, sender, childOptions{parseJSON: !raw}, os.Stdin, os.Stdout, os.Stderr, logger)
			sender.Stop()
			if code != 0 {
				return &cli.ExitError{Code: code}
			}
			return nil
		},
	}
}

// producerEndpoint picks the socket for a producer: an explicit
// --socket, else <producer-id>.sock in --socket-dir or the configured
// directory.
func producerEndpoint(socketPath, flagDirectory, configDirectory, producerID string) (relay.Endpoint, error) {
	if socketPath != "" {
		return relay.ParseEndpoint(socketPath)
	}
	directory := configDirectory
	if flagDirectory != "" {
		directory = flagDirectory
	}
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return relay.Endpoint{}, fmt.Errorf("creating socket directory: %w", err)
	}
	return relay.EndpointFor(directory, producerID), nil
}

// childOptions control how a child's output becomes records.
type childOptions struct {
	// parseJSON turns JSON log lines into structured records.
	parseJSON bool
}

// runChild runs command with its output teed into emitter and returns
// its exit code. A final record reports how the command exited.
func runChild(command []string, emitter relay.Emitter, options childOptions, stdin io.Reader, stdout, stderr io.Writer, logger *slog.Logger) int {
	child := exec.Command(command[0], command[1:]...)
	child.Stdin = stdin
	stdoutPipe, err := child.StdoutPipe()
	if err != nil {
		fmt.Fprintf(stderr, "logrelay: %v\n", err)
		return exitCodeStartFailed
	}
	stderrPipe, err := child.StderrPipe()
	if err != nil {
		fmt.Fprintf(stderr, "logrelay: %v\n", err)
		return exitCodeStartFailed
	}

	if err := child.Start(); err != nil {
		fmt.Fprintf(stderr, "logrelay: starting %s: %v\n", command[0], err)
		emitter.Emit(relay.NewRecord(relay.LevelError, tagLogrelay, fmt.Sprintf("starting %s: %v", command[0], err)))
		return exitCodeStartFailed
	}
	processID := uint32(child.Process.Pid)
	logger.Debug("child started", "command", command[0], "pid", processID)

	signals := make(chan os.Signal, 4)
	signal.Notify(signals, forwardedSignals...)
	go forwardSignals(signals, child.Process)
	defer func() {
		signal.Stop(signals)
		close(signals)
	}()

	// Both pipes must reach EOF before Wait, which closes them.
	var pumps sync.WaitGroup
	pump := func(source io.Reader, echo io.Writer, level relay.Level, tag string) {
		defer pumps.Done()
		var parser *relay.JSONLineParser
		if options.parseJSON {
			parser = &relay.JSONLineParser{}
		}
		if err := pumpLines(source, echo, emitter, parser, level, tag, processID); err != nil {
			logger.Warn("reading child output failed", "stream", tag, "error", err)
		}
	}
	pumps.Add(2)
	go pump(stdoutPipe, stdout, relay.LevelInfo, tagStdout)
	go pump(stderrPipe, stderr, relay.LevelWarn, tagStderr)
	pumps.Wait()

	code := exitCode(child.Wait())
	level := relay.LevelInfo
	if code != 0 {
		level = relay.LevelError
	}
	record := relay.NewRecord(level, tagLogrelay, fmt.Sprintf("%s exited with code %d", command[0], code))
	record.ProcessID = processID
	emitter.Emit(record)
	return code
}

// pumpLines copies source to echo and emits one record per line. A
// final line without a newline is still emitted. With a parser, JSON
// lines become structured records; level and tag are their defaults.
func pumpLines(source io.Reader, echo io.Writer, emitter relay.Emitter, parser *relay.JSONLineParser, level relay.Level, tag string, processID uint32) error {
	reader := bufio.NewReader(source)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			echo.Write([]byte(line))
			emitter.Emit(lineRecord(parser, strings.TrimRight(line, "\r\n"), level, tag, processID))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func lineRecord(parser *relay.JSONLineParser, line string, level relay.Level, tag string, processID uint32) relay.Record {
	record := relay.Record{Level: level, Tag: tag, Message: line}
	if parser != nil {
		if parsed, ok := parser.Parse(line, level); ok {
			record = parsed
			if record.Tag == "" {
				record.Tag = tag
			}
		}
	}
	if record.Time.IsZero() {
		record.Time = time.Now()
	}
	record.ProcessID = processID
	return record
}

// exitCode converts the result of Wait into a shell-style status: the
// exit code, or 128 plus the signal number if the child was killed.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 1
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return exitErr.ExitCode()
}

// forwardSignals relays signals to the child until the channel closes.
// Delivery errors mean the child already exited.
func forwardSignals(signals <-chan os.Signal, process *os.Process) {
	for received := range signals {
		if sysSignal, ok := received.(syscall.Signal); ok {
			_ = process.Signal(sysSignal)
		}
	}
}

// parseArgs extracts the command from the arguments left after flag
// parsing. A leading "--" is dropped.
func parseArgs(args []string) ([]string, error) {
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("no command specified\n\nUsage: logrelay run [flags] [--] <command> [args...]")
	}
	return args, nil
}
