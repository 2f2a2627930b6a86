// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command framework behind the logrelay binary.
//
// A [Command] tree dispatches on the first positional argument, parses
// per-command flags with spf13/pflag, and prints structured help. An
// unknown command or flag gets a "did you mean" suggestion based on
// edit distance.
//
// [NewCommandLogger] picks a text or JSON slog handler depending on
// whether stderr is a terminal. Commands that have already reported
// their outcome return an [ExitError] to set the exit code without an
// extra error line.
package cli
