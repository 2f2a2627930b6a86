// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by the relay and registry
// tests.
//
// [SocketDir] returns a short directory under /tmp for Unix sockets;
// t.TempDir() paths can exceed the 108-byte sun_path limit.
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so tests fail instead of hanging when a goroutine never
// delivers.
package testutil
