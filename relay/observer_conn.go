// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// dropLogInterval limits how often a lagging observer is logged.
const dropLogInterval = 10 * time.Second

// observerConn is the producer side of one attached observer. Its send
// loop owns the observer's cursor and is the only writer of record
// frames; Emit only nudges it through wake (or, with retention
// disabled, feeds queue).
type observerConn struct {
	sender      *Sender
	id          uint64
	sink        Sink
	conn        net.Conn // nil for in-process sinks
	peerPID     uint32
	connectedAt time.Time

	state atomic.Int32

	// Set by begin before the send loop starts.
	mutex         sync.Mutex
	observerID    string
	capabilities  Capabilities
	peerHeartbeat time.Duration
	logger        *slog.Logger

	// next is the cursor of the next record to send. Owned by the send
	// loop.
	next uint64

	// busy is set when a frame went out since the last heartbeat tick.
	// Owned by the send loop.
	busy bool

	wake  chan struct{}
	queue chan Record

	stop      chan struct{}
	stopOnce  sync.Once
	byeReason atomic.Uint32

	readerStarted bool
	readerDone    chan struct{}
	readerErr     error

	finishOnce sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64
	dropLog rate.Sometimes
}

func (s *Sender) newObserver(sink Sink, conn net.Conn) *observerConn {
	observer := &observerConn{
		sender:      s,
		id:          s.nextID.Add(1),
		sink:        sink,
		conn:        conn,
		connectedAt: s.clock.Now(),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		readerDone:  make(chan struct{}),
		logger:      s.logger,
		dropLog:     rate.Sometimes{First: 1, Interval: dropLogInterval},
	}
	if conn != nil {
		observer.peerPID = peerProcessID(conn)
	}
	if s.ring.Capacity() == 0 {
		observer.queue = make(chan Record, s.config.QueueLength)
	}
	return observer
}

// begin records the negotiated parameters and the start cursor.
func (o *observerConn) begin(hello Hello, negotiated Capabilities, start uint64) {
	o.mutex.Lock()
	if hello.ObserverID != "" {
		o.observerID = hello.ObserverID
	}
	o.capabilities = negotiated
	if negotiated.Has(CapabilityHeartbeat) {
		o.peerHeartbeat = hello.heartbeatInterval()
	}
	o.logger = o.sender.logger.With("observer", o.observerID)
	o.mutex.Unlock()

	o.next = start
	o.setState(StateStreaming)
}

func (o *observerConn) setState(state State) {
	o.state.Store(int32(state))
}

func (o *observerConn) info() ObserverInfo {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return ObserverInfo{
		ObserverID:   o.observerID,
		ProcessID:    o.peerPID,
		State:        State(o.state.Load()),
		ConnectedAt:  o.connectedAt,
		Capabilities: o.capabilities,
		Sent:         o.sent.Load(),
		Dropped:      o.dropped.Load(),
	}
}

// notify wakes the send loop without blocking. One pending wake covers
// any number of pushes.
func (o *observerConn) notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// enqueue offers a record to the live queue. Reports false if the
// queue was full and the record was dropped for this observer.
func (o *observerConn) enqueue(record Record) bool {
	select {
	case o.queue <- record:
		return true
	default:
		return false
	}
}

// shutdown asks the send loop to say Bye with reason and exit. Writes
// still in progress are cut short after byeTimeout.
func (o *observerConn) shutdown(reason ByeReason) {
	o.stopOnce.Do(func() {
		o.byeReason.Store(uint32(reason))
		close(o.stop)
		if sink, ok := o.sink.(*connSink); ok {
			sink.shorten(byeTimeout)
		}
		if State(o.state.Load()) < StateStreaming {
			// Still handshaking: nothing to say Bye on yet.
			o.sink.Close()
		}
	})
}

// run is the send loop.
func (o *observerConn) run() {
	defer o.finish()

	var heartbeat <-chan time.Time
	if o.capabilities.Has(CapabilityHeartbeat) {
		ticker := o.sender.clock.NewTicker(o.sender.config.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	var readerDone <-chan struct{}
	if o.conn != nil {
		o.readerStarted = true
		readerDone = o.readerDone
		go o.readLoop()
	}

	for {
		if err := o.drain(o.stop); err != nil {
			o.disconnected(err)
			return
		}

		select {
		case <-o.wake:
		case record := <-o.queue:
			if err := o.deliver(record); err != nil {
				o.disconnected(err)
				return
			}
		case <-heartbeat:
			if o.busy {
				o.busy = false
				continue
			}
			if err := o.sink.Send(Frame{Kind: FrameHeartbeat}); err != nil {
				o.disconnected(err)
				return
			}
		case <-o.stop:
			o.setState(StateDraining)
			// Flush what was emitted before the stop, bounded in time,
			// so the last records of an exiting producer still arrive.
			deadline := make(chan struct{})
			timer := time.AfterFunc(byeTimeout, func() { close(deadline) })
			if err := o.drain(deadline); err == nil {
				o.sendBye(ByeReason(o.byeReason.Load()))
			}
			timer.Stop()
			o.logger.Debug("observer stream closed", "reason", ByeReason(o.byeReason.Load()).String())
			return
		case <-readerDone:
			o.readerFinished()
			return
		}
	}
}

// drain sends everything from o.next up to the newest record. It
// returns nil early when interrupt fires.
func (o *observerConn) drain(interrupt <-chan struct{}) error {
	ring := o.sender.ring
	if ring.Capacity() == 0 {
		return o.drainQueue(interrupt)
	}
	for {
		select {
		case <-interrupt:
			return nil
		default:
		}

		if oldest := ring.OldestCursor(); o.next < oldest {
			if err := o.reportDrop(oldest); err != nil {
				return err
			}
		}
		record, ok := ring.Get(o.next)
		if !ok {
			if o.next >= ring.CurrentCursor() {
				return nil
			}
			// Evicted between the two reads; report it next pass.
			continue
		}
		record.Sequence = o.next
		if err := o.sendRecord(record); err != nil {
			return err
		}
		o.next++
	}
}

// drainQueue empties the live queue without waiting for more.
func (o *observerConn) drainQueue(interrupt <-chan struct{}) error {
	for {
		select {
		case <-interrupt:
			return nil
		case record := <-o.queue:
			if err := o.deliver(record); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// deliver sends a record taken from the live queue. A gap in sequence
// numbers means the queue overflowed.
func (o *observerConn) deliver(record Record) error {
	if record.Sequence < o.next {
		return nil
	}
	if record.Sequence > o.next {
		if err := o.reportDrop(record.Sequence); err != nil {
			return err
		}
	}
	if err := o.sendRecord(record); err != nil {
		return err
	}
	o.next = record.Sequence + 1
	return nil
}

// reportDrop skips the cursor forward to resume and tells the observer
// how many records it lost, if it negotiated drop notices.
func (o *observerConn) reportDrop(resume uint64) error {
	notice := DropNotice{Count: resume - o.next, FromCursor: o.next}
	o.next = resume
	o.dropped.Add(notice.Count)
	o.dropLog.Do(func() {
		o.logger.Warn("observer fell behind",
			"dropped", notice.Count, "from_cursor", notice.FromCursor, "dropped_total", o.dropped.Load())
	})

	if !o.capabilities.Has(CapabilityDropNotice) {
		return nil
	}
	payload, err := EncodeDropNotice(notice)
	if err != nil {
		return err
	}
	o.busy = true
	return o.sink.Send(Frame{Kind: FrameDropped, Payload: payload})
}

func (o *observerConn) sendRecord(record Record) error {
	payload, err := EncodeRecord(record)
	if err != nil {
		return fmt.Errorf("encoding record %d: %w", record.Sequence, err)
	}
	compression := CompressionNone
	if o.capabilities.Has(CapabilityCompression) {
		compression = o.sender.config.Compression
	}
	if err := o.sink.Send(recordFrame(payload, compression)); err != nil {
		return err
	}
	o.busy = true
	o.sent.Add(1)
	return nil
}

func (o *observerConn) sendHello(hello Hello) error {
	payload, err := EncodeHello(hello)
	if err != nil {
		return err
	}
	return o.sink.Send(Frame{Kind: FrameHello, Payload: payload})
}

// sendBye is best effort: the connection is closing either way.
func (o *observerConn) sendBye(reason ByeReason) {
	payload, err := EncodeBye(reason)
	if err != nil {
		return
	}
	o.sink.Send(Frame{Kind: FrameBye, Payload: payload})
}

// readLoop consumes the observer's frames: heartbeats keep the
// connection alive, Bye ends it, anything else is ignored. Silence
// beyond three of the observer's heartbeat intervals ends it too.
func (o *observerConn) readLoop() {
	defer close(o.readerDone)
	for {
		if o.peerHeartbeat > 0 {
			o.conn.SetReadDeadline(time.Now().Add(silenceLimit(o.peerHeartbeat)))
		}
		frame, err := ReadFrame(o.conn, MaxFrameLength)
		if err != nil {
			o.readerErr = err
			return
		}
		if frame.Kind == FrameBye {
			reason, _ := DecodeBye(frame.Payload)
			o.readerErr = &peerByeError{reason: reason}
			return
		}
	}
}

// peerByeError records that the peer closed the connection on purpose.
type peerByeError struct {
	reason ByeReason
}

func (e *peerByeError) Error() string {
	return "peer said bye: " + e.reason.String()
}

// readerFinished handles the end of the observer's half of the
// connection.
func (o *observerConn) readerFinished() {
	err := o.readerErr
	var bye *peerByeError
	var netErr net.Error
	switch {
	case errors.As(err, &bye):
		o.logger.Info("observer detached", "reason", bye.reason.String())
	case errors.Is(err, ErrFrameTooLarge):
		o.sendBye(ByeFrameTooLarge)
		o.logger.Warn("observer sent an oversized frame", "error", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		o.logger.Warn("observer went silent", "error", fmt.Errorf("%w: no traffic for %v", ErrConnectionLost, silenceLimit(o.peerHeartbeat)))
	case errors.Is(err, io.EOF):
		o.logger.Info("observer disconnected")
	default:
		o.logger.Info("observer connection failed", "error", err)
	}
}

// disconnected handles a failed send. Only this observer is affected.
func (o *observerConn) disconnected(err error) {
	o.sender.sendFailure.Add(1)
	o.logger.Info("observer dropped after send failure", "error", err, "sent", o.sent.Load())
}

// finish removes the observer from the fan-out set and releases its
// connection. Safe to call more than once.
func (o *observerConn) finish() {
	o.finishOnce.Do(func() {
		o.setState(StateClosed)
		o.sender.forget(o)
		o.sink.Close()
		if o.readerStarted {
			<-o.readerDone
		}
		o.sender.connections.Done()
	})
}
