// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"

	"github.com/bureau-foundation/logrelay/relay"
)

// Set via -ldflags at build time.
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Info returns a one-line version string.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full adds the wire protocol version, the Go version, and the
// platform to Info.
func Full() string {
	return fmt.Sprintf("%s\n  Protocol: %d.%d\n  Go: %s\n  Platform: %s/%s",
		Info(), relay.ProtocolMajor, relay.ProtocolMinor, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
