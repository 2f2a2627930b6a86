// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"iter"
	"sync"
)

// DefaultBufferCapacity is the default number of records a Sender
// retains for backlog replay.
const DefaultBufferCapacity = 2000

// RingBuffer is a fixed-capacity circular buffer of values addressed by
// cursor. The cursor is the total number of values ever pushed before a
// given value, so it increases monotonically and survives wrap-around:
// observers remember "the next cursor I want" and ask for everything
// from there on reconnect.
//
// Push never blocks and never fails. When the buffer is full the oldest
// value is evicted. A capacity of zero disables retention entirely:
// cursors still advance, but nothing can be read back.
//
// All methods are safe for concurrent use. The mutex is held only for
// O(1) work and never across a caller's code.
type RingBuffer[T any] struct {
	mutex    sync.Mutex
	data     []T
	capacity int
	// totalPushed is the next cursor to assign. The retained values
	// span cursors [totalPushed - stored, totalPushed) where
	// stored = min(totalPushed, capacity).
	totalPushed uint64
}

// NewRingBuffer creates a ring buffer holding at most capacity values.
// Negative capacities are treated as zero.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &RingBuffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends value and returns the cursor it was assigned. evicted
// reports whether the oldest retained value was overwritten (or, with
// capacity zero, whether the value itself was discarded).
func (ring *RingBuffer[T]) Push(value T) (cursor uint64, evicted bool) {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()

	cursor = ring.totalPushed
	ring.totalPushed++
	if ring.capacity == 0 {
		return cursor, true
	}
	evicted = cursor >= uint64(ring.capacity)
	ring.data[cursor%uint64(ring.capacity)] = value
	return cursor, evicted
}

// Get returns the value at cursor if it is still retained.
func (ring *RingBuffer[T]) Get(cursor uint64) (T, bool) {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()

	var zero T
	if cursor >= ring.totalPushed || cursor < ring.oldestLocked() {
		return zero, false
	}
	return ring.data[cursor%uint64(ring.capacity)], true
}

// CurrentCursor returns the cursor the next Push will assign. An
// observer that wants only live values starts here.
func (ring *RingBuffer[T]) CurrentCursor() uint64 {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()
	return ring.totalPushed
}

// OldestCursor returns the cursor of the oldest retained value, or
// CurrentCursor when nothing is retained. An observer that wants the
// full backlog starts here.
func (ring *RingBuffer[T]) OldestCursor() uint64 {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()
	return ring.oldestLocked()
}

func (ring *RingBuffer[T]) oldestLocked() uint64 {
	if ring.totalPushed <= uint64(ring.capacity) {
		if ring.capacity == 0 {
			return ring.totalPushed
		}
		return 0
	}
	return ring.totalPushed - uint64(ring.capacity)
}

// Len returns the number of retained values.
func (ring *RingBuffer[T]) Len() int {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()
	return int(ring.totalPushed - ring.oldestLocked())
}

// Capacity returns the maximum number of retained values.
func (ring *RingBuffer[T]) Capacity() int {
	return ring.capacity
}

// Evicted returns how many values have been pushed out (or discarded,
// with capacity zero) since the buffer was created.
func (ring *RingBuffer[T]) Evicted() uint64 {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()
	return ring.oldestLocked()
}

// SnapshotFrom returns the retained values with cursors at or after
// cursor, in push order. The sequence is bounded by the newest cursor
// at the moment iteration begins, so it always terminates even while
// producers keep pushing. Ranging over it again starts a fresh
// snapshot. If a value is evicted between elements, iteration jumps
// forward to the oldest value still retained.
func (ring *RingBuffer[T]) SnapshotFrom(cursor uint64) iter.Seq2[uint64, T] {
	return func(yield func(uint64, T) bool) {
		end := ring.CurrentCursor()
		next := cursor
		for next < end {
			ring.mutex.Lock()
			if oldest := ring.oldestLocked(); next < oldest {
				next = oldest
			}
			if next >= end || ring.capacity == 0 {
				ring.mutex.Unlock()
				return
			}
			value := ring.data[next%uint64(ring.capacity)]
			ring.mutex.Unlock()

			if !yield(next, value) {
				return
			}
			next++
		}
	}
}
