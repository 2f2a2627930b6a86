// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tui holds the terminal styling shared by logrelay's
// human-readable output: a 256-color [Theme] with per-level colors and
// a stable color per producer, rendered with lipgloss.
package tui
