// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import "fmt"

// EventKind distinguishes what an observer received.
type EventKind uint8

const (
	// EventRecord carries one record in Event.Record.
	EventRecord EventKind = iota + 1

	// EventDropped reports records lost to eviction in Event.Dropped.
	// It precedes the first record delivered after the gap.
	EventDropped
)

// Event is one item from a Handle.
type Event struct {
	Kind    EventKind
	Record  Record
	Dropped DropNotice
}

// String formats the event for display.
func (event Event) String() string {
	switch event.Kind {
	case EventRecord:
		return event.Record.String()
	case EventDropped:
		return fmt.Sprintf("[%d records dropped from sequence %d]", event.Dropped.Count, event.Dropped.FromCursor)
	default:
		return fmt.Sprintf("event(%d)", uint8(event.Kind))
	}
}

// State is the lifecycle position of one producer/observer connection,
// seen from either end.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateStreaming
	StateDraining
	StateClosed
)

// String returns the state's name.
func (state State) String() string {
	switch state {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(state))
	}
}
