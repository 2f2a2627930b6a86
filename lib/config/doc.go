// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for logrelay.
//
// Configuration comes from at most one file, named by the --config
// flag (via [LoadFile]) or the LOGRELAY_CONFIG environment variable
// (via [Load]). There is no automatic file search. Without a file the
// [Default] values apply; command-line flags override either.
//
// Path fields support ${HOME}, ${XDG_RUNTIME_DIR}, and ${VAR:-default}
// expansion after loading. No environment variable overrides a value
// directly.
//
// This package depends on no other logrelay packages.
package config
