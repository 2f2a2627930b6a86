// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package relay

func currentThreadID() uint32 {
	return 0
}
