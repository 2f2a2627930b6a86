// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Sink receives the frames a Sender streams to one observer. A Sink is
// used by a single goroutine at a time; Close may be called
// concurrently with Send to abort it.
type Sink interface {
	Send(frame Frame) error
	Close() error
}

// defaultWriteTimeout bounds one frame write to a socket observer. An
// observer that cannot absorb a frame in this time is dropped.
const defaultWriteTimeout = 5 * time.Second

// connSink writes frames to a socket. Writes are serialized because
// the send loop and the shutdown path both send frames.
type connSink struct {
	conn         net.Conn
	mutex        sync.Mutex
	writeTimeout atomic.Int64
}

func newConnSink(conn net.Conn) *connSink {
	sink := &connSink{conn: conn}
	sink.writeTimeout.Store(int64(defaultWriteTimeout))
	return sink
}

func (sink *connSink) Send(frame Frame) error {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	sink.conn.SetWriteDeadline(time.Now().Add(time.Duration(sink.writeTimeout.Load())))
	return WriteFrame(sink.conn, frame.Kind, frame.Payload)
}

// shorten caps every subsequent write, and any write in progress, at
// timeout.
func (sink *connSink) shorten(timeout time.Duration) {
	sink.writeTimeout.Store(int64(timeout))
	sink.conn.SetWriteDeadline(time.Now().Add(timeout))
}

func (sink *connSink) Close() error {
	return sink.conn.Close()
}

// MemorySink collects frames in memory. It serves in-process consumers
// attached with Sender.AttachSink and tests.
type MemorySink struct {
	mutex   sync.Mutex
	frames  []Frame
	closed  bool
	failure error
	notify  chan struct{}
}

// NewMemorySink returns an empty, open sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{notify: make(chan struct{}, 1)}
}

// Send appends frame, or returns the failure set with Fail.
func (sink *MemorySink) Send(frame Frame) error {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	if sink.closed {
		return ErrClosed
	}
	if sink.failure != nil {
		return sink.failure
	}
	sink.frames = append(sink.frames, Frame{Kind: frame.Kind, Payload: append([]byte(nil), frame.Payload...)})
	select {
	case sink.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close marks the sink closed. Later sends fail with ErrClosed.
func (sink *MemorySink) Close() error {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	sink.closed = true
	return nil
}

// Fail makes every later Send return err.
func (sink *MemorySink) Fail(err error) {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	sink.failure = err
}

// Closed reports whether Close has been called.
func (sink *MemorySink) Closed() bool {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	return sink.closed
}

// Notify receives a value after frames arrive. Multiple arrivals may
// coalesce into one notification.
func (sink *MemorySink) Notify() <-chan struct{} {
	return sink.notify
}

// Frames returns a copy of every frame received.
func (sink *MemorySink) Frames() []Frame {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	return append([]Frame(nil), sink.frames...)
}

// Events decodes the received record and drop frames in order.
// Heartbeats and Byes are skipped.
func (sink *MemorySink) Events() ([]Event, error) {
	var events []Event
	for _, frame := range sink.Frames() {
		event, ok, err := decodeEvent(frame)
		if err != nil {
			return events, err
		}
		if ok {
			events = append(events, event)
		}
	}
	return events, nil
}

// Records returns the decoded records received so far.
func (sink *MemorySink) Records() ([]Record, error) {
	events, err := sink.Events()
	var records []Record
	for _, event := range events {
		if event.Kind == EventRecord {
			records = append(records, event.Record)
		}
	}
	return records, err
}

// decodeEvent turns a record or drop frame into an Event. ok is false
// for frame kinds that carry no event.
func decodeEvent(frame Frame) (event Event, ok bool, err error) {
	switch frame.Kind {
	case FrameRecord:
		record, err := DecodeRecord(frame.Payload)
		if err != nil {
			return Event{}, false, err
		}
		return Event{Kind: EventRecord, Record: record}, true, nil
	case FrameRecordCompressed:
		payload, err := decompressPayload(frame.Payload, MaxFrameLength)
		if err != nil {
			return Event{}, false, err
		}
		record, err := DecodeRecord(payload)
		if err != nil {
			return Event{}, false, err
		}
		return Event{Kind: EventRecord, Record: record}, true, nil
	case FrameDropped:
		notice, err := DecodeDropNotice(frame.Payload)
		if err != nil {
			return Event{}, false, err
		}
		return Event{Kind: EventDropped, Dropped: notice}, true, nil
	}
	return Event{}, false, nil
}
