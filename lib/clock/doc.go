// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the injectable time source used by the relay's
// timers: heartbeat tickers, reconnect backoff waits, and registry
// session grace windows.
//
// Production code holds a Clock field set to Real(). Tests use Fake(),
// which only moves when Advance is called:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go supervisor(c)
//	c.WaitForTimers(1)         // supervisor is now blocked in After
//	c.Advance(time.Second)     // release it deterministically
//
// Socket read and write deadlines are not routed through Clock: the
// kernel compares them against wall time, so they always use time.Now.
package clock
