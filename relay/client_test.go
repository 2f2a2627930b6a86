// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/logrelay/lib/clock"
	"github.com/bureau-foundation/logrelay/lib/testutil"
)

func TestAttachWithBacklogThenLive(t *testing.T) {
	t.Parallel()
	sender, endpoint := startSender(t, SenderConfig{BufferCapacity: 10})
	emitAll(sender, "A", "B", "C")

	client := newTestClient(t, ClientConfig{})
	handle := attach(t, client, endpoint, AttachOptions{IncludeBacklog: true})
	records := expectMessages(t, handle, "A", "B", "C")
	for i, record := range records {
		if record.Sequence != uint64(i) {
			t.Errorf("record %q sequence = %d, want %d", record.Message, record.Sequence, i)
		}
	}

	emitAll(sender, "D")
	expectMessages(t, handle, "D")
	if handle.ProducerID() != "test-producer" {
		t.Errorf("ProducerID = %q", handle.ProducerID())
	}
	if handle.State() != StateStreaming {
		t.Errorf("State = %s, want streaming", handle.State())
	}
}

func TestAttachWithoutBacklogSeesOnlyNewRecords(t *testing.T) {
	t.Parallel()
	sender, endpoint := startSender(t, SenderConfig{BufferCapacity: 10})
	emitAll(sender, "old")

	client := newTestClient(t, ClientConfig{})
	handle := attach(t, client, endpoint, AttachOptions{})
	emitAll(sender, "new")
	expectMessages(t, handle, "new")
}

func TestBacklogHoldsNewestRecords(t *testing.T) {
	t.Parallel()
	sender, endpoint := startSender(t, SenderConfig{BufferCapacity: 2})
	emitAll(sender, "A", "B", "C")

	client := newTestClient(t, ClientConfig{})
	handle := attach(t, client, endpoint, AttachOptions{IncludeBacklog: true})
	expectMessages(t, handle, "B", "C")
	expectQuiet(t, handle)
}

func TestObserversSeeIdenticalOrder(t *testing.T) {
	t.Parallel()
	sender, endpoint := startSender(t, SenderConfig{BufferCapacity: 1000})

	client := newTestClient(t, ClientConfig{})
	first := attach(t, client, endpoint, AttachOptions{IncludeBacklog: true})
	second := attach(t, client, endpoint, AttachOptions{IncludeBacklog: true})

	var emitters sync.WaitGroup
	for worker := range 4 {
		emitters.Add(1)
		go func() {
			defer emitters.Done()
			for i := range 50 {
				sender.EmitMessage(LevelInfo, "worker", strings.Repeat("x", worker+i%3))
			}
		}()
	}
	emitters.Wait()

	for i := range 200 {
		a := nextRecord(t, first)
		b := nextRecord(t, second)
		if a.Sequence != uint64(i) || b.Sequence != uint64(i) {
			t.Fatalf("position %d: sequences %d and %d", i, a.Sequence, b.Sequence)
		}
		if a.Message != b.Message {
			t.Fatalf("position %d: observers disagree: %q vs %q", i, a.Message, b.Message)
		}
	}
}

func TestLargeRecordsAreCompressed(t *testing.T) {
	t.Parallel()
	sender, endpoint := startSender(t, SenderConfig{BufferCapacity: 10, Compression: CompressionZstd})
	message := strings.Repeat("stack frame at relay.(*Sender).Emit\n", 200)
	emitAll(sender, message)

	client := newTestClient(t, ClientConfig{})
	handle := attach(t, client, endpoint, AttachOptions{IncludeBacklog: true})
	if got := nextRecord(t, handle); got.Message != message {
		t.Errorf("message changed in transit: %d bytes, want %d", len(got.Message), len(message))
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	t.Parallel()
	sender, endpoint := startSender(t, SenderConfig{BufferCapacity: 10})
	client := newTestClient(t, ClientConfig{ObserverID: "leaving"})
	handle := attach(t, client, endpoint, AttachOptions{Reconnect: true, Backoff: fastBackoff})

	testutil.Eventually(t, testTimeout, func() bool { return sender.Stats().Observers == 1 }, "observer never attached")

	handle.Detach()
	client.Detach(handle)
	handle.Detach()

	if _, err := handle.Next(context.Background()); err != io.EOF {
		t.Errorf("Next after Detach = %v, want io.EOF", err)
	}
	if handle.State() != StateClosed {
		t.Errorf("State = %s, want closed", handle.State())
	}
	if handle.Err() != nil {
		t.Errorf("Err after Detach = %v, want nil", handle.Err())
	}
	testutil.Eventually(t, testTimeout, func() bool { return sender.Stats().Observers == 0 }, "producer still lists the observer")

	// Emitting after the observer left must be unaffected.
	emitAll(sender, "after detach")
}

func TestProducerStopEndsHandleWithoutReconnect(t *testing.T) {
	t.Parallel()
	sender, endpoint := startSender(t, SenderConfig{BufferCapacity: 10})
	client := newTestClient(t, ClientConfig{})
	handle := attach(t, client, endpoint, AttachOptions{})

	emitAll(sender, "final")
	sender.Stop()

	expectMessages(t, handle, "final")
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if _, err := handle.Next(ctx); err != io.EOF {
		t.Fatalf("Next after producer stop = %v, want io.EOF", err)
	}
	if !errors.Is(handle.Err(), ErrConnectionLost) {
		t.Errorf("Err = %v, want ErrConnectionLost", handle.Err())
	}
}

func TestAttachToMissingProducer(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, ClientConfig{})
	endpoint := UnixEndpoint(testutil.SocketPath(t, "nobody.sock"))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if _, err := client.Attach(ctx, endpoint, AttachOptions{}); err == nil {
		t.Fatal("Attach without reconnect succeeded against a missing producer")
	}

	// With reconnect the handle waits for the producer to appear.
	handle := attach(t, client, endpoint, AttachOptions{IncludeBacklog: true, Reconnect: true, Backoff: fastBackoff})
	if handle.State() == StateStreaming {
		t.Fatal("handle streaming before any producer exists")
	}

	sender, _ := startSenderAt(t, endpoint, SenderConfig{BufferCapacity: 10})
	emitAll(sender, "arrived")
	expectMessages(t, handle, "arrived")
}

func TestReconnectAfterProducerRestart(t *testing.T) {
	t.Parallel()
	path := testutil.SocketPath(t, "restart.sock")
	first, endpoint := startSenderAt(t, UnixEndpoint(path), SenderConfig{BufferCapacity: 10})

	client := newTestClient(t, ClientConfig{})
	handle := attach(t, client, endpoint, AttachOptions{Reconnect: true, Backoff: fastBackoff})
	emitAll(first, "before restart")
	expectMessages(t, handle, "before restart")

	first.Stop()
	second, _ := startSenderAt(t, endpoint, SenderConfig{BufferCapacity: 10})
	// Emitted before the observer reconnects: a new producer instance
	// owes the observer everything it still retains.
	emitAll(second, "after restart")
	expectMessages(t, handle, "after restart")

	emitAll(second, "live again")
	expectMessages(t, handle, "live again")
	expectQuiet(t, handle)
}

// breakConnection closes the observer's socket from the client side,
// simulating a transport failure while both processes stay up.
func breakConnection(t *testing.T, handle *Handle) {
	t.Helper()
	testutil.Eventually(t, testTimeout, func() bool {
		handle.mutex.Lock()
		defer handle.mutex.Unlock()
		return handle.current != nil
	}, "handle never connected")
	handle.mutex.Lock()
	handle.current.conn.Close()
	handle.mutex.Unlock()
}

func TestResumeDoesNotRepeatRecords(t *testing.T) {
	t.Parallel()
	sender, endpoint := startSender(t, SenderConfig{BufferCapacity: 100})
	client := newTestClient(t, ClientConfig{})
	handle := attach(t, client, endpoint, AttachOptions{IncludeBacklog: true, Reconnect: true, Backoff: fastBackoff})

	emitAll(sender, "A", "B")
	expectMessages(t, handle, "A", "B")

	breakConnection(t, handle)
	emitAll(sender, "C")

	record := nextRecord(t, handle)
	if record.Message != "C" {
		t.Fatalf("after resume got %q, want C (backlog must not replay)", record.Message)
	}
	if record.Sequence != 2 {
		t.Errorf("sequence = %d, want 2", record.Sequence)
	}
}

func TestResumeAfterEvictionReportsDrop(t *testing.T) {
	t.Parallel()
	sender, endpoint := startSender(t, SenderConfig{BufferCapacity: 2})

	fake := clock.Fake(time.Now())
	client := newTestClient(t, ClientConfig{
		Clock:        fake,
		Capabilities: AllCapabilities &^ CapabilityHeartbeat,
	})
	handle := attach(t, client, endpoint, AttachOptions{Reconnect: true, Backoff: BackoffPolicy{Base: time.Second, Max: time.Second}})

	emitAll(sender, "A")
	expectMessages(t, handle, "A")

	breakConnection(t, handle)
	// The supervisor is now waiting out its backoff on the fake clock.
	fake.WaitForTimers(1)
	emitAll(sender, "B", "C", "D", "E")
	fake.Advance(time.Second)

	event := nextEvent(t, handle)
	if event.Kind != EventDropped || event.Dropped != (DropNotice{Count: 2, FromCursor: 1}) {
		t.Fatalf("first event after resume = %+v, want drop of 2 from 1", event)
	}
	expectMessages(t, handle, "D", "E")
}

func TestProtocolMismatchIsTerminal(t *testing.T) {
	t.Parallel()
	endpoint := fakeProducer(t, func(conn net.Conn) {
		readHello(t, conn)
		writeHello(t, conn, Hello{Major: ProtocolMajor + 1, ProducerID: "future"})
		payload, _ := EncodeBye(ByeProtocolError)
		WriteFrame(conn, FrameBye, payload)
	})

	client := newTestClient(t, ClientConfig{})
	for _, reconnect := range []bool{false, true} {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		_, err := client.Attach(ctx, endpoint, AttachOptions{Reconnect: reconnect, Backoff: fastBackoff})
		cancel()
		if !errors.Is(err, ErrProtocolMismatch) {
			t.Errorf("Attach(reconnect=%v) = %v, want ErrProtocolMismatch", reconnect, err)
		}
	}
}

func TestProducerRejectsNewerMajor(t *testing.T) {
	t.Parallel()
	_, endpoint := startSender(t, SenderConfig{BufferCapacity: 10})

	conn, err := net.Dial("unix", endpoint.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(testTimeout))
	writeHello(t, conn, Hello{Major: ProtocolMajor + 1})

	frame, err := ReadFrame(conn, 0)
	if err != nil || frame.Kind != FrameHello {
		t.Fatalf("expected the producer's hello first: %v %v", frame.Kind, err)
	}
	frame, err = ReadFrame(conn, 0)
	if err != nil || frame.Kind != FrameBye {
		t.Fatalf("expected bye: %v %v", frame.Kind, err)
	}
	if reason, _ := DecodeBye(frame.Payload); reason != ByeProtocolError {
		t.Errorf("bye reason = %s, want protocol_error", reason)
	}
}

func TestClientHandshakeTimeout(t *testing.T) {
	t.Parallel()
	endpoint := fakeProducer(t, func(conn net.Conn) {
		// Accept and say nothing.
		io.Copy(io.Discard, conn)
	})

	client := newTestClient(t, ClientConfig{HandshakeTimeout: 50 * time.Millisecond})
	_, err := client.Attach(context.Background(), endpoint, AttachOptions{})
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("Attach = %v, want ErrHandshakeTimeout", err)
	}
}

func TestSilentProducerIsDetected(t *testing.T) {
	t.Parallel()
	endpoint := fakeProducer(t, func(conn net.Conn) {
		readHello(t, conn)
		writeHello(t, conn, Hello{
			Major:        ProtocolMajor,
			ProducerID:   "mute",
			Capabilities: AllCapabilities,
			HeartbeatMs:  20,
		})
		// Promise heartbeats, then never send one.
		io.Copy(io.Discard, conn)
	})

	client := newTestClient(t, ClientConfig{})
	handle := attach(t, client, endpoint, AttachOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if _, err := handle.Next(ctx); err != io.EOF {
		t.Fatalf("Next = %v, want io.EOF after heartbeat silence", err)
	}
	if !errors.Is(handle.Err(), ErrConnectionLost) {
		t.Errorf("Err = %v, want ErrConnectionLost", handle.Err())
	}
}

func TestObserverSendsHeartbeats(t *testing.T) {
	t.Parallel()
	heartbeats := make(chan struct{}, 8)
	endpoint := fakeProducer(t, func(conn net.Conn) {
		readHello(t, conn)
		writeHello(t, conn, Hello{Major: ProtocolMajor, Capabilities: AllCapabilities})
		for {
			frame, err := ReadFrame(conn, 0)
			if err != nil {
				return
			}
			if frame.Kind == FrameHeartbeat {
				heartbeats <- struct{}{}
			}
		}
	})

	fake := clock.Fake(time.Now())
	client := newTestClient(t, ClientConfig{Clock: fake, HeartbeatInterval: time.Second})
	attach(t, client, endpoint, AttachOptions{})

	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	testutil.RequireReceive(t, heartbeats, testTimeout, "no heartbeat after one interval")
}

func TestRecordsIterator(t *testing.T) {
	t.Parallel()
	sender, endpoint := startSender(t, SenderConfig{BufferCapacity: 10})
	emitAll(sender, "1", "2", "3")

	client := newTestClient(t, ClientConfig{})
	handle := attach(t, client, endpoint, AttachOptions{IncludeBacklog: true})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	var seen []string
	for record := range handle.Records(ctx) {
		seen = append(seen, record.Message)
		if len(seen) == 3 {
			break
		}
	}
	if strings.Join(seen, ",") != "1,2,3" {
		t.Errorf("Records yielded %v", seen)
	}
}

func TestAttachRejectsInvalidOptions(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, ClientConfig{})
	tests := []AttachOptions{
		{Backoff: BackoffPolicy{Base: time.Second, Max: time.Millisecond}},
		{BufferLength: -1},
	}
	for _, options := range tests {
		_, err := client.Attach(context.Background(), UnixEndpoint("/tmp/unused.sock"), options)
		if !errors.Is(err, ErrInvalidOptions) {
			t.Errorf("Attach(%+v) = %v, want ErrInvalidOptions", options, err)
		}
	}
	if _, err := client.Attach(context.Background(), Endpoint{}, AttachOptions{}); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("Attach(empty endpoint) = %v, want ErrInvalidOptions", err)
	}
}

func TestClientCloseDetachesEverything(t *testing.T) {
	t.Parallel()
	_, endpoint := startSender(t, SenderConfig{BufferCapacity: 10})
	client := newTestClient(t, ClientConfig{})
	first := attach(t, client, endpoint, AttachOptions{})
	second := attach(t, client, endpoint, AttachOptions{})

	client.Close()
	for _, handle := range []*Handle{first, second} {
		testutil.RequireClosed(t, handle.Done(), testTimeout)
	}
	if _, err := client.Attach(context.Background(), endpoint, AttachOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Attach after Close = %v, want ErrClosed", err)
	}
}

type sessionCall struct {
	kind       string
	producerID string
	observerID string
}

type recordingSessions struct {
	calls chan sessionCall
}

func (r *recordingSessions) OpenSession(producerID, observerID string) {
	r.calls <- sessionCall{"open", producerID, observerID}
}

func (r *recordingSessions) SessionDisconnected(producerID, observerID string) {
	r.calls <- sessionCall{"disconnected", producerID, observerID}
}

func (r *recordingSessions) CloseSession(producerID, observerID string) {
	r.calls <- sessionCall{"close", producerID, observerID}
}

func TestSessionLifecycleReported(t *testing.T) {
	t.Parallel()
	_, endpoint := startSender(t, SenderConfig{ProducerID: "tracked", BufferCapacity: 10})
	sessions := &recordingSessions{calls: make(chan sessionCall, 16)}
	client := newTestClient(t, ClientConfig{ObserverID: "obs", Sessions: sessions})

	handle := attach(t, client, endpoint, AttachOptions{Reconnect: true, Backoff: fastBackoff})
	if call := testutil.RequireReceive(t, sessions.calls, testTimeout); call != (sessionCall{"open", "tracked", "obs"}) {
		t.Errorf("first call = %+v", call)
	}

	breakConnection(t, handle)
	if call := testutil.RequireReceive(t, sessions.calls, testTimeout); call.kind != "disconnected" {
		t.Errorf("after break = %+v, want disconnected", call)
	}
	if call := testutil.RequireReceive(t, sessions.calls, testTimeout); call.kind != "open" {
		t.Errorf("after reconnect = %+v, want open", call)
	}

	handle.Detach()
	if call := testutil.RequireReceive(t, sessions.calls, testTimeout); call != (sessionCall{"close", "tracked", "obs"}) {
		t.Errorf("after detach = %+v, want close", call)
	}
}
