// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/logrelay/lib/testutil"
)

const testTimeout = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// logBuffer collects log output written from other goroutines.
type logBuffer struct {
	mutex  sync.Mutex
	buffer bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buffer.Write(p)
}

func (b *logBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buffer.String()
}

// debugLogger writes every level to output as text.
func debugLogger(output *logBuffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fastBackoff keeps reconnect tests quick.
var fastBackoff = BackoffPolicy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}

// startSender starts a sender on a fresh socket and stops it when the
// test ends.
func startSender(t *testing.T, config SenderConfig) (*Sender, Endpoint) {
	t.Helper()
	return startSenderAt(t, UnixEndpoint(testutil.SocketPath(t, "producer.sock")), config)
}

func startSenderAt(t *testing.T, endpoint Endpoint, config SenderConfig) (*Sender, Endpoint) {
	t.Helper()
	if config.ProducerID == "" {
		config.ProducerID = "test-producer"
	}
	if config.Logger == nil {
		config.Logger = testLogger()
	}
	sender, err := NewSender(config)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	if err := sender.Start(context.Background(), endpoint); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(sender.Stop)
	return sender, endpoint
}

func newTestClient(t *testing.T, config ClientConfig) *Client {
	t.Helper()
	if config.Logger == nil {
		config.Logger = testLogger()
	}
	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func attach(t *testing.T, client *Client, endpoint Endpoint, options AttachOptions) *Handle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	handle, err := client.Attach(ctx, endpoint, options)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return handle
}

func nextEvent(t *testing.T, handle *Handle) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	event, err := handle.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return event
}

func nextRecord(t *testing.T, handle *Handle) Record {
	t.Helper()
	event := nextEvent(t, handle)
	if event.Kind != EventRecord {
		t.Fatalf("got %s, want a record", event)
	}
	return event.Record
}

// expectMessages reads one record per message and checks the text.
func expectMessages(t *testing.T, handle *Handle, messages ...string) []Record {
	t.Helper()
	records := make([]Record, 0, len(messages))
	for _, want := range messages {
		record := nextRecord(t, handle)
		if record.Message != want {
			t.Fatalf("message = %q, want %q", record.Message, want)
		}
		records = append(records, record)
	}
	return records
}

// expectQuiet checks that no event arrives within a short window.
func expectQuiet(t *testing.T, handle *Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if event, err := handle.Next(ctx); err == nil {
		t.Fatalf("unexpected event %s", event)
	}
}

func emitAll(sender *Sender, messages ...string) {
	for _, message := range messages {
		sender.EmitMessage(LevelInfo, "test", message)
	}
}

func messagesOf(records []Record) []string {
	messages := make([]string, len(records))
	for i, record := range records {
		messages[i] = record.Message
	}
	return messages
}

// fakeProducer listens on a socket and runs serve for every accepted
// connection.
func fakeProducer(t *testing.T, serve func(conn net.Conn)) Endpoint {
	t.Helper()
	path := testutil.SocketPath(t, "fake.sock")
	listener, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				serve(conn)
			}()
		}
	}()
	return UnixEndpoint(path)
}

// readHello reads an observer's Hello from conn.
func readHello(t *testing.T, conn net.Conn) Hello {
	t.Helper()
	frame, err := ReadFrame(conn, 0)
	if err != nil {
		t.Errorf("reading hello: %v", err)
		return Hello{}
	}
	hello, err := DecodeHello(frame.Payload)
	if err != nil {
		t.Errorf("decoding hello: %v", err)
	}
	return hello
}

func writeHello(t *testing.T, conn net.Conn, hello Hello) {
	t.Helper()
	payload, err := EncodeHello(hello)
	if err != nil {
		t.Errorf("encoding hello: %v", err)
		return
	}
	if err := WriteFrame(conn, FrameHello, payload); err != nil {
		t.Errorf("writing hello: %v", err)
	}
}

// blockingSink holds each Send until released, signalling entered
// first.
type blockingSink struct {
	*MemorySink
	entered chan struct{}
	release chan struct{}
}

func newBlockingSink() *blockingSink {
	return &blockingSink{
		MemorySink: NewMemorySink(),
		entered:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
}

func (sink *blockingSink) Send(frame Frame) error {
	select {
	case sink.entered <- struct{}{}:
	default:
	}
	<-sink.release
	return sink.MemorySink.Send(frame)
}

func recordMessages(t *testing.T, sink *MemorySink) []string {
	t.Helper()
	records, err := sink.Records()
	if err != nil {
		t.Fatalf("decoding sink records: %v", err)
	}
	return messagesOf(records)
}

func waitForMessages(t *testing.T, sink *MemorySink, want ...string) {
	t.Helper()
	testutil.Eventually(t, testTimeout, func() bool {
		records, _ := sink.Records()
		return slices.Equal(messagesOf(records), want)
	}, "sink messages never became %v", want)
}
