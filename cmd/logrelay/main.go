// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command logrelay wraps processes as log producers, watches them, and
// runs the registry that lets watchers find them by name.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := run(); err != nil {
		// "logrelay run" reports the wrapped command's status through
		// an ExitError; the command already wrote its own output.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return root().Execute(context.Background(), os.Args[1:])
}
