// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/logrelay/lib/clock"
)

// Announcer publishes a producer's endpoint so observers can find it.
// Implemented by the registry client. Announcement is advisory: a
// failure is logged and the Sender keeps running.
type Announcer interface {
	Register(ctx context.Context, producerID string, endpoint Endpoint) error
	Unregister(ctx context.Context, producerID string) error
}

// Sender defaults.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultQueueLength       = 256

	// byeTimeout bounds how long Stop waits to deliver Bye to each
	// observer before closing its socket.
	byeTimeout = time.Second

	// announceTimeout bounds each registry call made by Start and Stop.
	announceTimeout = 2 * time.Second
)

// SenderConfig configures a Sender.
type SenderConfig struct {
	// ProducerID names this producer to observers and the registry.
	// Defaults to the executable name.
	ProducerID string

	// BufferCapacity is the number of records retained for backlog
	// replay. The value is taken literally: zero disables retention,
	// in which case records reach only observers attached at the
	// moment of Emit. Use DefaultBufferCapacity for the usual size.
	BufferCapacity int

	// HeartbeatInterval is how often an idle connection sends a
	// heartbeat. Zero means DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration

	// HandshakeTimeout bounds the wait for an observer's Hello. Zero
	// means DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// QueueLength is the per-observer queue of live records used when
	// BufferCapacity is zero. Records that do not fit are dropped for
	// that observer and reported with a drop notice. Zero means
	// DefaultQueueLength.
	QueueLength int

	// Capabilities restricts the optional features offered to
	// observers. Zero means AllCapabilities.
	Capabilities Capabilities

	// Compression selects the codec for large records when an observer
	// negotiates compression. CompressionNone withdraws the capability.
	Compression CompressionCodec

	// Registry, if set, is told about the endpoint on Start and Stop.
	Registry Announcer

	// Logger receives operational messages. Nil discards them.
	Logger *slog.Logger

	// Clock drives heartbeats. Nil means the real clock.
	Clock clock.Clock
}

// Sender is the producer end of the relay. Emit hands it records from
// any goroutine; Start makes them available to observers on a Unix
// socket.
//
// Records emitted before Start are retained in the ring like any other
// and form the backlog of the first observers.
type Sender struct {
	config       SenderConfig
	capabilities Capabilities
	logger       *slog.Logger
	clock        clock.Clock

	ring *RingBuffer[Record]

	// instance distinguishes this Sender from earlier ones that served
	// the same endpoint, so observers never apply a resume cursor from
	// a previous run.
	instance  string
	startedAt time.Time

	// fanout is the current set of streaming observers. Emit loads it
	// without locking; attach and detach replace it under mutex.
	fanout atomic.Pointer[[]*observerConn]

	// liveMutex orders cursor assignment with enqueueing when
	// BufferCapacity is zero, so queues see records in push order, and
	// makes an observer's start cursor consistent with the records it
	// is enqueued for.
	liveMutex sync.Mutex

	mutex     sync.Mutex
	listener  *net.UnixListener
	endpoint  Endpoint
	started   bool
	stopped   bool
	observers map[*observerConn]struct{}

	connections sync.WaitGroup
	stopOnce    sync.Once
	done        chan struct{}

	emitted     atomic.Uint64
	nextID      atomic.Uint64
	queueDrops  atomic.Uint64
	sendFailure atomic.Uint64
}

// NewSender validates config and returns an unstarted Sender.
func NewSender(config SenderConfig) (*Sender, error) {
	if config.BufferCapacity < 0 {
		return nil, fmt.Errorf("%w: buffer capacity %d is negative", ErrInvalidOptions, config.BufferCapacity)
	}
	if config.HeartbeatInterval < 0 || config.HandshakeTimeout < 0 || config.QueueLength < 0 {
		return nil, fmt.Errorf("%w: negative interval or queue length", ErrInvalidOptions)
	}
	if config.ProducerID == "" {
		config.ProducerID = filepath.Base(os.Args[0])
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if config.QueueLength == 0 {
		config.QueueLength = DefaultQueueLength
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	capabilities := config.Capabilities
	if capabilities == 0 {
		capabilities = AllCapabilities
	}
	if config.Compression == CompressionNone {
		capabilities &^= CapabilityCompression
	} else if _, err := ParseCompressionCodec(config.Compression.String()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if config.BufferCapacity == 0 {
		capabilities &^= CapabilityBacklog
	}

	sender := &Sender{
		config:       config,
		capabilities: capabilities,
		logger:       config.Logger.With("producer_id", config.ProducerID),
		clock:        config.Clock,
		ring:         NewRingBuffer[Record](config.BufferCapacity),
		instance:     uuid.NewString(),
		startedAt:    time.Now(),
		observers:    make(map[*observerConn]struct{}),
		done:         make(chan struct{}),
	}
	sender.fanout.Store(&[]*observerConn{})
	return sender, nil
}

// ProducerID returns the configured producer id.
func (s *Sender) ProducerID() string {
	return s.config.ProducerID
}

// Endpoint returns the endpoint passed to Start, or the zero Endpoint
// before Start.
func (s *Sender) Endpoint() Endpoint {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.endpoint
}

// Done is closed when Stop has finished.
func (s *Sender) Done() <-chan struct{} {
	return s.done
}

// Start binds endpoint and begins accepting observers. A socket file
// left by a producer that no longer runs is replaced; one that a live
// process still answers on fails with ErrBindUnavailable. ctx bounds
// only the bind and the registry announcement.
func (s *Sender) Start(ctx context.Context, endpoint Endpoint) error {
	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mutex.Unlock()
		return fmt.Errorf("%w: sender already started on %s", ErrInvalidOptions, s.endpoint)
	}

	listener, err := endpoint.listen(ctx)
	if err != nil {
		s.mutex.Unlock()
		return err
	}
	s.listener = listener
	s.endpoint = endpoint
	s.started = true

	s.connections.Add(1)
	go s.acceptLoop(listener)
	s.mutex.Unlock()

	s.logger.Info("log relay listening",
		"endpoint", endpoint.Path,
		"buffer_capacity", s.ring.Capacity(),
		"capabilities", s.capabilities.String(),
	)

	if s.config.Registry != nil {
		announceContext, cancel := context.WithTimeout(ctx, announceTimeout)
		defer cancel()
		if err := s.config.Registry.Register(announceContext, s.config.ProducerID, endpoint); err != nil {
			s.logger.Warn("registering with registry failed", "error", err)
		}
	}
	return nil
}

// Stop closes the listener, says Bye to every observer, waits for
// their connections to finish, and removes the socket file. It is
// idempotent and safe to call concurrently with Emit and with
// observers streaming. Records emitted after Stop are retained in the
// ring but delivered to nobody.
func (s *Sender) Stop() {
	s.stopOnce.Do(func() {
		s.mutex.Lock()
		s.stopped = true
		listener := s.listener
		endpoint := s.endpoint
		observers := make([]*observerConn, 0, len(s.observers))
		for observer := range s.observers {
			observers = append(observers, observer)
		}
		s.mutex.Unlock()

		if listener != nil {
			listener.Close()
		}
		for _, observer := range observers {
			observer.shutdown(ByeShutdown)
		}
		s.connections.Wait()

		if listener != nil {
			if err := os.Remove(endpoint.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("removing socket file failed", "endpoint", endpoint.Path, "error", err)
			}
			if s.config.Registry != nil {
				ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
				if err := s.config.Registry.Unregister(ctx, s.config.ProducerID); err != nil {
					s.logger.Warn("unregistering from registry failed", "error", err)
				}
				cancel()
			}
			s.logger.Info("log relay stopped",
				"emitted", s.emitted.Load(),
				"evicted", s.ring.Evicted(),
			)
		}
		close(s.done)
	})
}

// Emit records one log statement and wakes every attached observer. It
// never blocks on observers and never fails: with no observers, or
// with slow ones, records accumulate in the ring and the oldest are
// evicted. Zero Time, ProcessID, and ThreadID fields are filled in.
// Returns the sequence assigned to the record.
func (s *Sender) Emit(record Record) uint64 {
	if record.Time.IsZero() {
		record.Time = s.clock.Now()
	}
	if record.ProcessID == 0 {
		record.ProcessID = uint32(os.Getpid())
	}
	if record.ThreadID == 0 {
		record.ThreadID = currentThreadID()
	}
	record = record.sanitized()
	record.Monotonic = time.Since(s.startedAt)
	s.emitted.Add(1)

	if s.ring.Capacity() == 0 {
		s.liveMutex.Lock()
		defer s.liveMutex.Unlock()
		sequence, _ := s.ring.Push(record)
		record.Sequence = sequence
		for _, observer := range *s.fanout.Load() {
			if !observer.enqueue(record) {
				s.queueDrops.Add(1)
			}
		}
		return sequence
	}

	sequence, _ := s.ring.Push(record)
	for _, observer := range *s.fanout.Load() {
		observer.notify()
	}
	return sequence
}

// EmitMessage is shorthand for Emit(NewRecord(level, tag, message)).
func (s *Sender) EmitMessage(level Level, tag, message string) uint64 {
	return s.Emit(NewRecord(level, tag, message))
}

// SenderStats is a point-in-time snapshot of a Sender's counters.
type SenderStats struct {
	// Emitted counts every record passed to Emit.
	Emitted uint64

	// Evicted counts records pushed out of the ring (or, with
	// retention disabled, every record).
	Evicted uint64

	// Retained is the number of records currently in the ring.
	Retained int

	// Observers is the number of attached observers.
	Observers int

	// QueueDrops counts records dropped from full per-observer queues.
	QueueDrops uint64

	// SendFailures counts observers disconnected by a failed send.
	SendFailures uint64
}

// Stats returns the current counters.
func (s *Sender) Stats() SenderStats {
	return SenderStats{
		Emitted:      s.emitted.Load(),
		Evicted:      s.ring.Evicted(),
		Retained:     s.ring.Len(),
		Observers:    len(*s.fanout.Load()),
		QueueDrops:   s.queueDrops.Load(),
		SendFailures: s.sendFailure.Load(),
	}
}

// ObserverInfo describes one attached observer.
type ObserverInfo struct {
	ObserverID   string
	ProcessID    uint32
	State        State
	ConnectedAt  time.Time
	Capabilities Capabilities
	Sent         uint64
	Dropped      uint64
}

// Observers lists attached observers, including ones still
// handshaking.
func (s *Sender) Observers() []ObserverInfo {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	infos := make([]ObserverInfo, 0, len(s.observers))
	for observer := range s.observers {
		infos = append(infos, observer.info())
	}
	return infos
}

// AttachSink streams records to an in-process sink through the same
// fan-out path as socket observers. With wantBacklog the sink first
// receives every retained record. The returned function detaches the
// sink; it is also detached, and closed, when Stop runs or a Send
// fails.
func (s *Sender) AttachSink(sink Sink, wantBacklog bool) (detach func(), err error) {
	observer := s.newObserver(sink, nil)
	if !s.track(observer) {
		return nil, ErrClosed
	}
	hello := Hello{Major: ProtocolMajor, Minor: ProtocolMinor, Capabilities: s.capabilities, WantBacklog: wantBacklog}
	observer.observerID = fmt.Sprintf("sink-%d", observer.id)
	// In-process sinks have no reader, so heartbeats and compression
	// buy nothing.
	negotiated := s.capabilities &^ (CapabilityHeartbeat | CapabilityCompression)
	s.admit(observer, hello, negotiated)
	go observer.run()
	return func() { observer.shutdown(ByeDetach) }, nil
}

func (s *Sender) acceptLoop(listener *net.UnixListener) {
	defer s.connections.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		observer := s.newObserver(newConnSink(conn), conn)
		if !s.track(observer) {
			conn.Close()
			return
		}
		go s.serveObserver(observer)
	}
}

// track adds observer to the observer set and counts it as an active
// connection. Fails once Stop has begun.
func (s *Sender) track(observer *observerConn) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.stopped {
		return false
	}
	s.observers[observer] = struct{}{}
	s.connections.Add(1)
	return true
}

// admit fixes the observer's start cursor and adds it to the fan-out
// set. Records emitted from here on wake or reach its queue, so none
// fall between the start cursor and the first delivery.
func (s *Sender) admit(observer *observerConn, hello Hello, negotiated Capabilities) uint64 {
	s.liveMutex.Lock()
	defer s.liveMutex.Unlock()
	start := s.startCursor(hello, negotiated)
	observer.begin(hello, negotiated, start)
	s.addFanout(observer)
	return start
}

// startCursor picks where an observer's stream begins. A resume cursor
// from this Sender's instance continues where the observer left off.
// A resume cursor from an earlier instance means the producer
// restarted while the observer was away, so everything this instance
// still retains is new to it. Otherwise backlog starts at the oldest
// retained record and live-only at the next record.
func (s *Sender) startCursor(hello Hello, negotiated Capabilities) uint64 {
	current := s.ring.CurrentCursor()
	if hello.ResumeCursor != nil {
		if hello.Instance == s.instance {
			return min(*hello.ResumeCursor, current)
		}
		if s.ring.Capacity() > 0 {
			return 0
		}
		return current
	}
	if hello.WantBacklog && negotiated.Has(CapabilityBacklog) {
		return s.ring.OldestCursor()
	}
	return current
}

func (s *Sender) addFanout(observer *observerConn) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	current := *s.fanout.Load()
	next := make([]*observerConn, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, observer)
	s.fanout.Store(&next)
}

// forget removes observer from the observer and fan-out sets.
func (s *Sender) forget(observer *observerConn) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.observers, observer)
	current := *s.fanout.Load()
	next := make([]*observerConn, 0, len(current))
	for _, existing := range current {
		if existing != observer {
			next = append(next, existing)
		}
	}
	s.fanout.Store(&next)
}

// serveObserver runs the handshake on an accepted connection and, on
// success, hands it to the send loop.
func (s *Sender) serveObserver(observer *observerConn) {
	conn := observer.conn
	logger := s.logger.With("peer_pid", observer.peerPID)

	observer.setState(StateHandshaking)
	conn.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))
	frame, err := ReadFrame(conn, MaxFrameLength)
	if err != nil {
		var netErr net.Error
		switch {
		case errors.Is(err, io.EOF):
			// Liveness probes connect and hang up without a Hello.
			logger.Debug("connection closed before hello")
		case errors.As(err, &netErr) && netErr.Timeout():
			err = fmt.Errorf("%w: no hello within %v", ErrHandshakeTimeout, s.config.HandshakeTimeout)
			logger.Warn("observer handshake failed", "error", err)
		default:
			logger.Warn("observer handshake failed", "error", err)
		}
		observer.finish()
		return
	}
	if frame.Kind != FrameHello {
		logger.Warn("observer handshake failed", "error", fmt.Errorf("%w: expected hello, got %s", ErrMalformedFrame, frame.Kind))
		observer.sendBye(ByeProtocolError)
		observer.finish()
		return
	}
	hello, err := DecodeHello(frame.Payload)
	if err != nil {
		logger.Warn("observer handshake failed", "error", err)
		observer.sendBye(ByeProtocolError)
		observer.finish()
		return
	}
	conn.SetReadDeadline(time.Time{})
	observer.observerID = hello.ObserverID
	logger = logger.With("observer", hello.ObserverID)

	if err := CheckVersion(hello); err != nil {
		// Answer with our Hello first so the observer can report which
		// version we speak.
		observer.sendHello(s.localHello(0))
		observer.sendBye(ByeProtocolError)
		logger.Warn("observer rejected", "error", err)
		observer.finish()
		return
	}

	negotiated := Negotiate(s.capabilities, hello.Capabilities)
	start := s.admit(observer, hello, negotiated)
	if err := observer.sendHello(s.localHello(start)); err != nil {
		logger.Warn("sending hello failed", "error", err)
		observer.finish()
		return
	}

	logger.Info("observer attached",
		"start_cursor", start,
		"want_backlog", hello.WantBacklog,
		"resumed", hello.ResumeCursor != nil,
		"capabilities", negotiated.String(),
	)
	observer.run()
}

func (s *Sender) localHello(start uint64) Hello {
	return Hello{
		Major:        ProtocolMajor,
		Minor:        ProtocolMinor,
		ProducerID:   s.config.ProducerID,
		Capabilities: s.capabilities,
		Instance:     s.instance,
		ProcessID:    uint32(os.Getpid()),
		StartCursor:  start,
		HeartbeatMs:  uint32(s.config.HeartbeatInterval / time.Millisecond),
	}
}
