// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import "golang.org/x/sys/unix"

// currentThreadID returns the OS thread id of the calling goroutine's
// current thread. Goroutines migrate between threads, so this
// identifies where the log call ran, not a stable goroutine identity.
func currentThreadID() uint32 {
	return uint32(unix.Gettid())
}
