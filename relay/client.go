// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/logrelay/lib/clock"
)

// SessionTracker is told when an observer's connection to a producer
// opens, drops, and ends for good. Implemented by the registry.
// Calls must not block for long; the registry client applies its own
// timeout.
type SessionTracker interface {
	OpenSession(producerID, observerID string)
	SessionDisconnected(producerID, observerID string)
	CloseSession(producerID, observerID string)
}

// DefaultEventBuffer is the number of events a Handle buffers between
// its receive goroutine and Next.
const DefaultEventBuffer = 1024

// ClientConfig configures a Client.
type ClientConfig struct {
	// ObserverID identifies this observer to producers and the
	// registry. Defaults to a random UUID.
	ObserverID string

	// HandshakeTimeout bounds dial plus Hello exchange. Zero means
	// DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// HeartbeatInterval is how often the observer sends heartbeats.
	// Zero means DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration

	// Capabilities restricts what the observer asks for. Zero means
	// AllCapabilities.
	Capabilities Capabilities

	// Sessions, if set, is told about connection lifecycle.
	Sessions SessionTracker

	Logger *slog.Logger
	Clock  clock.Clock
}

// Client is the observer end of the relay. One Client can hold any
// number of Handles to different producers.
type Client struct {
	config ClientConfig
	logger *slog.Logger
	clock  clock.Clock

	mutex   sync.Mutex
	handles map[*Handle]struct{}
	closed  bool
}

// NewClient returns a Client with defaults applied.
func NewClient(config ClientConfig) (*Client, error) {
	if config.HandshakeTimeout < 0 || config.HeartbeatInterval < 0 {
		return nil, fmt.Errorf("%w: negative timeout", ErrInvalidOptions)
	}
	if config.ObserverID == "" {
		config.ObserverID = uuid.NewString()
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.Capabilities == 0 {
		config.Capabilities = AllCapabilities
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &Client{
		config:  config,
		logger:  config.Logger.With("observer", config.ObserverID),
		clock:   config.Clock,
		handles: make(map[*Handle]struct{}),
	}, nil
}

// ObserverID returns the id this client presents to producers.
func (c *Client) ObserverID() string {
	return c.config.ObserverID
}

// AttachOptions control one attachment.
type AttachOptions struct {
	// IncludeBacklog asks for every record the producer still retains
	// before live records.
	IncludeBacklog bool

	// Reconnect keeps the handle alive across disconnects, retrying
	// with Backoff and resuming where the stream left off.
	Reconnect bool

	// Backoff governs reconnect delays. Zero means DefaultBackoff.
	Backoff BackoffPolicy

	// BufferLength is the number of events buffered ahead of Next.
	// Zero means DefaultEventBuffer.
	BufferLength int
}

func (options *AttachOptions) normalize() error {
	if options.Backoff == (BackoffPolicy{}) {
		options.Backoff = DefaultBackoff()
	}
	if err := options.Backoff.Validate(); err != nil {
		return err
	}
	if options.BufferLength < 0 {
		return fmt.Errorf("%w: buffer length %d is negative", ErrInvalidOptions, options.BufferLength)
	}
	if options.BufferLength == 0 {
		options.BufferLength = DefaultEventBuffer
	}
	return nil
}

// Attach connects to the producer at endpoint and returns a Handle
// streaming its records.
//
// The first dial and handshake happen before Attach returns, bounded
// by ctx and the handshake timeout. A producer speaking another major
// protocol version always fails with ErrProtocolMismatch. Other
// connection failures are returned when Reconnect is false; with
// Reconnect they are retried in the background and Attach succeeds.
func (c *Client) Attach(ctx context.Context, endpoint Endpoint, options AttachOptions) (*Handle, error) {
	if err := options.normalize(); err != nil {
		return nil, err
	}
	if endpoint.Path == "" {
		return nil, fmt.Errorf("%w: empty endpoint", ErrInvalidOptions)
	}

	supervisorContext, cancel := context.WithCancel(context.Background())
	handle := &Handle{
		client:   c,
		endpoint: endpoint,
		options:  options,
		logger:   c.logger.With("endpoint", endpoint.Path),
		events:   make(chan Event, options.BufferLength),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	handle.producerID.Store("")

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		cancel()
		return nil, ErrClosed
	}
	c.handles[handle] = struct{}{}
	c.mutex.Unlock()

	connection, err := handle.connect(ctx)
	if err != nil && (errors.Is(err, ErrProtocolMismatch) || !options.Reconnect) {
		cancel()
		handle.setState(StateClosed)
		close(handle.events)
		close(handle.done)
		c.forget(handle)
		return nil, err
	}
	if err != nil {
		handle.logger.Info("initial connection failed, retrying in background", "error", err)
	}

	go handle.supervise(supervisorContext, connection)
	return handle, nil
}

// Detach detaches handle. Equivalent to handle.Detach().
func (c *Client) Detach(handle *Handle) {
	handle.Detach()
}

// Close detaches every handle. Attach fails with ErrClosed afterwards.
func (c *Client) Close() {
	c.mutex.Lock()
	c.closed = true
	handles := make([]*Handle, 0, len(c.handles))
	for handle := range c.handles {
		handles = append(handles, handle)
	}
	c.mutex.Unlock()

	for _, handle := range handles {
		handle.Detach()
	}
}

func (c *Client) forget(handle *Handle) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.handles, handle)
}

// Handle is one observer attachment to one producer.
type Handle struct {
	client   *Client
	endpoint Endpoint
	options  AttachOptions
	logger   *slog.Logger

	events chan Event

	state      atomic.Int32
	producerID atomic.Value // string
	detached   atomic.Bool

	mutex   sync.Mutex
	current *connection
	err     error

	// Resume position, owned by the supervisor goroutine (and by
	// Attach before the supervisor starts).
	instance     string
	nextSequence uint64
	hasPosition  bool

	cancel     context.CancelFunc
	done       chan struct{}
	detachOnce sync.Once
}

// Endpoint returns the producer endpoint.
func (h *Handle) Endpoint() Endpoint {
	return h.endpoint
}

// ProducerID returns the producer id announced in the most recent
// handshake, or "" before the first one.
func (h *Handle) ProducerID() string {
	return h.producerID.Load().(string)
}

// State returns the connection state. StateConnecting covers backoff
// between reconnect attempts.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Err returns the error that ended the handle, if it ended on its own.
// A handle ended by Detach reports nil.
func (h *Handle) Err() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.err
}

// Done is closed when the handle's supervisor has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Next waits for the next event. It returns io.EOF once the handle is
// detached or has ended without reconnecting; Err then says why.
func (h *Handle) Next(ctx context.Context) (Event, error) {
	if h.detached.Load() {
		return Event{}, io.EOF
	}
	select {
	case event, ok := <-h.events:
		if !ok || h.detached.Load() {
			return Event{}, io.EOF
		}
		return event, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Records yields records until ctx ends or the handle finishes. Drop
// notices are skipped. The sequence consumes the handle's events, so
// it cannot be restarted.
func (h *Handle) Records(ctx context.Context) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for {
			event, err := h.Next(ctx)
			if err != nil {
				return
			}
			if event.Kind != EventRecord {
				continue
			}
			if !yield(event.Record) {
				return
			}
		}
	}
}

// Detach ends the attachment: it says Bye to the producer if
// connected, stops reconnecting, and waits for the supervisor to exit.
// Idempotent and safe to call from any goroutine.
func (h *Handle) Detach() {
	h.detachOnce.Do(func() {
		h.detached.Store(true)

		h.mutex.Lock()
		connection := h.current
		h.mutex.Unlock()
		if connection != nil {
			connection.sendBye(ByeDetach)
		}

		h.cancel()
		<-h.done
		h.client.forget(h)

		if producerID := h.ProducerID(); producerID != "" && h.client.config.Sessions != nil {
			h.client.config.Sessions.CloseSession(producerID, h.client.config.ObserverID)
		}
		h.logger.Debug("detached")
	})
}

func (h *Handle) setState(state State) {
	h.state.Store(int32(state))
}

func (h *Handle) setErr(err error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.err = err
}

func (h *Handle) setCurrent(connection *connection) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.current = connection
}

// connection is one established socket to the producer.
type connection struct {
	conn       net.Conn
	peer       Hello
	negotiated Capabilities

	writeMutex sync.Mutex
}

func (c *connection) send(kind FrameKind, payload []byte) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return WriteFrame(c.conn, kind, payload)
}

func (c *connection) sendBye(reason ByeReason) {
	payload, err := EncodeBye(reason)
	if err != nil {
		return
	}
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(byeTimeout))
	WriteFrame(c.conn, FrameBye, payload)
}

// connect dials the producer and exchanges Hellos. On success the
// handle's resume position is updated for the producer instance it
// reached.
func (h *Handle) connect(ctx context.Context) (*connection, error) {
	config := h.client.config
	h.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(ctx, config.HandshakeTimeout)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", h.endpoint.Path)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", h.endpoint, err)
	}
	h.setState(StateHandshaking)
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stopWatch := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stopWatch()

	hello := Hello{
		Major:        ProtocolMajor,
		Minor:        ProtocolMinor,
		Capabilities: config.Capabilities,
		ObserverID:   config.ObserverID,
		WantBacklog:  h.options.IncludeBacklog,
		HeartbeatMs:  uint32(config.HeartbeatInterval / time.Millisecond),
	}
	if h.hasPosition {
		resume := h.nextSequence
		hello.ResumeCursor = &resume
		hello.Instance = h.instance
	}

	peer, err := exchangeHello(conn, hello)
	if err != nil {
		conn.Close()
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %s: %v", ErrHandshakeTimeout, h.endpoint, err)
		}
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	h.instance = peer.Instance
	h.nextSequence = peer.StartCursor
	h.hasPosition = true
	h.producerID.Store(peer.ProducerID)

	connection := &connection{
		conn:       conn,
		peer:       peer,
		negotiated: Negotiate(config.Capabilities, peer.Capabilities),
	}
	h.setState(StateStreaming)
	h.logger.Info("attached to producer",
		"producer_id", peer.ProducerID,
		"producer_pid", peer.ProcessID,
		"start_cursor", peer.StartCursor,
		"capabilities", connection.negotiated.String(),
	)
	if config.Sessions != nil {
		config.Sessions.OpenSession(peer.ProducerID, config.ObserverID)
	}
	return connection, nil
}

// exchangeHello sends hello and reads the producer's reply. A producer
// on another major version answers with its Hello and then Bye; either
// way the result is ErrProtocolMismatch.
func exchangeHello(conn net.Conn, hello Hello) (Hello, error) {
	payload, err := EncodeHello(hello)
	if err != nil {
		return Hello{}, err
	}
	if err := WriteFrame(conn, FrameHello, payload); err != nil {
		return Hello{}, err
	}

	frame, err := ReadFrame(conn, MaxFrameLength)
	if err != nil {
		return Hello{}, fmt.Errorf("reading producer hello: %w", err)
	}
	switch frame.Kind {
	case FrameHello:
	case FrameBye:
		reason, _ := DecodeBye(frame.Payload)
		if reason == ByeProtocolError {
			return Hello{}, fmt.Errorf("%w: producer refused the handshake", ErrProtocolMismatch)
		}
		return Hello{}, fmt.Errorf("%w: producer said bye during handshake (%s)", ErrConnectionLost, reason)
	default:
		return Hello{}, fmt.Errorf("%w: expected hello, got %s", ErrMalformedFrame, frame.Kind)
	}

	peer, err := DecodeHello(frame.Payload)
	if err != nil {
		return Hello{}, err
	}
	if err := CheckVersion(peer); err != nil {
		WriteFrame(conn, FrameBye, mustEncodeBye(ByeProtocolError))
		return Hello{}, err
	}
	return peer, nil
}

func mustEncodeBye(reason ByeReason) []byte {
	payload, _ := EncodeBye(reason)
	return payload
}

// supervise runs the handle's connect, receive, backoff loop until
// detach or a terminal error. connection is the result of the initial
// connect, nil if it failed.
func (h *Handle) supervise(ctx context.Context, connection *connection) {
	defer close(h.done)
	defer close(h.events)
	defer h.setState(StateClosed)

	config := h.client.config
	attempt := 0
	for {
		if connection == nil {
			delay := h.options.Backoff.Delay(attempt, nil)
			attempt++
			h.setState(StateConnecting)
			h.logger.Debug("reconnecting", "attempt", attempt, "delay", delay)
			select {
			case <-h.client.clock.After(delay):
			case <-ctx.Done():
				return
			}

			var err error
			connection, err = h.connect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, ErrProtocolMismatch) {
					h.logger.Error("producer speaks an incompatible protocol", "error", err)
					h.setErr(err)
					return
				}
				h.logger.Debug("reconnect failed", "error", err)
				continue
			}
			attempt = 0
		}

		h.setCurrent(connection)
		err := h.receive(ctx, connection)
		h.setCurrent(nil)
		connection.conn.Close()
		// A detach can race the producer closing its end after our Bye;
		// that is not a disconnect.
		ending := ctx.Err() != nil || h.detached.Load()
		if producerID := connection.peer.ProducerID; config.Sessions != nil && !ending {
			config.Sessions.SessionDisconnected(producerID, config.ObserverID)
		}
		connection = nil

		if ending {
			return
		}
		if !h.options.Reconnect {
			h.logger.Info("producer connection ended", "error", err)
			h.setErr(err)
			return
		}
		h.logger.Info("producer connection lost, reconnecting", "error", err)
	}
}

// receive reads frames until the connection fails or ctx ends,
// forwarding records and drop notices to the events channel in
// arrival order.
func (h *Handle) receive(ctx context.Context, c *connection) error {
	config := h.client.config
	stopWatch := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stopWatch()

	if c.negotiated.Has(CapabilityHeartbeat) {
		heartbeatContext, stopHeartbeat := context.WithCancel(ctx)
		defer stopHeartbeat()
		go h.heartbeat(heartbeatContext, c, config.HeartbeatInterval)
	}
	silence := silenceLimit(c.peer.heartbeatInterval())

	for {
		if silence > 0 && c.negotiated.Has(CapabilityHeartbeat) {
			c.conn.SetReadDeadline(time.Now().Add(silence))
		}
		frame, err := ReadFrame(c.conn, MaxFrameLength)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrFrameTooLarge) {
				c.sendBye(ByeFrameTooLarge)
				return err
			}
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}

		switch frame.Kind {
		case FrameRecord, FrameRecordCompressed, FrameDropped:
			event, _, err := decodeEvent(frame)
			if err != nil {
				c.sendBye(ByeProtocolError)
				return err
			}
			if !h.accept(event) {
				continue
			}
			select {
			case h.events <- event:
			case <-ctx.Done():
				return ctx.Err()
			}
		case FrameBye:
			reason, _ := DecodeBye(frame.Payload)
			return fmt.Errorf("%w: producer said bye (%s)", ErrConnectionLost, reason)
		case FrameHeartbeat:
		default:
			// Frame kinds from a newer minor version.
		}
	}
}

// accept advances the resume position past event and reports whether
// it is new. Records already delivered on an earlier connection are
// dropped here, so a resumed stream never repeats one.
func (h *Handle) accept(event Event) bool {
	switch event.Kind {
	case EventRecord:
		if event.Record.Sequence < h.nextSequence {
			return false
		}
		h.nextSequence = event.Record.Sequence + 1
	case EventDropped:
		end := event.Dropped.FromCursor + event.Dropped.Count
		if end <= h.nextSequence {
			return false
		}
		h.nextSequence = end
	}
	return true
}

// heartbeat sends a Heartbeat every interval until ctx ends or a
// write fails.
func (h *Handle) heartbeat(ctx context.Context, c *connection, interval time.Duration) {
	ticker := h.client.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(FrameHeartbeat, nil); err != nil {
				return
			}
		}
	}
}
