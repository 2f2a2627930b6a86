// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/logrelay/lib/codec"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		kind    FrameKind
		payload []byte
	}{
		{"heartbeat", FrameHeartbeat, nil},
		{"record", FrameRecord, []byte("payload bytes")},
		{"binary", FrameHello, []byte{0x00, 0xff, 0x10}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			var buffer bytes.Buffer
			if err := WriteFrame(&buffer, test.kind, test.payload); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			if buffer.Len() != frameHeaderLength+1+len(test.payload) {
				t.Errorf("encoded length = %d, want %d", buffer.Len(), frameHeaderLength+1+len(test.payload))
			}

			frame, err := ReadFrame(&buffer, 0)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if frame.Kind != test.kind {
				t.Errorf("kind = %s, want %s", frame.Kind, test.kind)
			}
			if !bytes.Equal(frame.Payload, test.payload) {
				t.Errorf("payload = %q, want %q", frame.Payload, test.payload)
			}
		})
	}
}

func TestFrameLayout(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, FrameRecord, []byte("ab")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	want := []byte{0, 0, 0, 3, 0x02, 'a', 'b'}
	if !bytes.Equal(buffer.Bytes(), want) {
		t.Errorf("encoded = %v, want %v", buffer.Bytes(), want)
	}
}

func TestReadFrameRejectsOversizedBeforeReading(t *testing.T) {
	t.Parallel()
	// Only the header is present: if ReadFrame tried to read the body
	// it would fail with an unexpected EOF instead.
	header := binary.BigEndian.AppendUint32(nil, 4096)
	_, err := ReadFrame(bytes.NewReader(header), 1024)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("ReadFrame error = %v, want ErrFrameTooLarge", err)
	}
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	t.Parallel()
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}), 0)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("ReadFrame error = %v, want ErrMalformedFrame", err)
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	t.Parallel()
	_, err := ReadFrame(bytes.NewReader(nil), 0)
	if err != io.EOF {
		t.Fatalf("ReadFrame on empty stream = %v, want io.EOF", err)
	}

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0}), 0)
	if err == nil || err == io.EOF {
		t.Fatalf("ReadFrame on truncated header = %v, want a wrapped error", err)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	err := WriteFrame(&buffer, FrameRecord, make([]byte, MaxFrameLength))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("WriteFrame error = %v, want ErrFrameTooLarge", err)
	}
	if buffer.Len() != 0 {
		t.Errorf("WriteFrame wrote %d bytes for a rejected frame", buffer.Len())
	}
}

func TestHelloRoundTrip(t *testing.T) {
	t.Parallel()
	resume := uint64(42)
	hello := Hello{
		Major:        ProtocolMajor,
		Minor:        ProtocolMinor,
		ProducerID:   "builder",
		Capabilities: CapabilityBacklog | CapabilityHeartbeat,
		ObserverID:   "observer-1",
		WantBacklog:  true,
		ResumeCursor: &resume,
		Instance:     "instance-a",
		ProcessID:    1234,
		StartCursor:  40,
		HeartbeatMs:  10000,
	}
	payload, err := EncodeHello(hello)
	if err != nil {
		t.Fatalf("EncodeHello: %v", err)
	}
	decoded, err := DecodeHello(payload)
	if err != nil {
		t.Fatalf("DecodeHello: %v", err)
	}
	if decoded.ResumeCursor == nil || *decoded.ResumeCursor != 42 {
		t.Fatalf("ResumeCursor = %v, want 42", decoded.ResumeCursor)
	}
	decoded.ResumeCursor, hello.ResumeCursor = nil, nil
	if decoded != hello {
		t.Errorf("decoded = %+v, want %+v", decoded, hello)
	}
}

func TestHelloIgnoresUnknownFields(t *testing.T) {
	t.Parallel()
	// A newer minor version adds key 50. This version must still
	// decode everything it knows.
	payload, err := codec.Marshal(map[int]any{
		1:  ProtocolMajor,
		2:  7,
		3:  "future",
		4:  uint32(CapabilityBacklog),
		50: "something new",
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	hello, err := DecodeHello(payload)
	if err != nil {
		t.Fatalf("DecodeHello: %v", err)
	}
	if hello.ProducerID != "future" || hello.Minor != 7 {
		t.Errorf("decoded = %+v", hello)
	}
	if err := CheckVersion(hello); err != nil {
		t.Errorf("CheckVersion on same major, newer minor: %v", err)
	}
}

func TestCheckVersionMajorMismatch(t *testing.T) {
	t.Parallel()
	err := CheckVersion(Hello{Major: ProtocolMajor + 1})
	if !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("CheckVersion = %v, want ErrProtocolMismatch", err)
	}
}

func TestNegotiate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		local, remote, want Capabilities
	}{
		{AllCapabilities, AllCapabilities, AllCapabilities},
		{AllCapabilities, CapabilityBacklog, CapabilityBacklog},
		{CapabilityHeartbeat | CapabilityCompression, CapabilityCompression | CapabilityDropNotice, CapabilityCompression},
		{0, AllCapabilities, 0},
	}
	for _, test := range tests {
		if got := Negotiate(test.local, test.remote); got != test.want {
			t.Errorf("Negotiate(%s, %s) = %s, want %s", test.local, test.remote, got, test.want)
		}
	}
}

func TestCapabilitiesString(t *testing.T) {
	t.Parallel()
	if got := (CapabilityBacklog | CapabilityDropNotice).String(); got != "backlog|drop_notice" {
		t.Errorf("String = %q", got)
	}
	if got := Capabilities(0).String(); got != "none" {
		t.Errorf("String of empty set = %q", got)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	t.Parallel()
	record := Record{
		Time:      time.Date(2026, 3, 4, 5, 6, 7, 123456789, time.UTC),
		Monotonic: 1500 * time.Millisecond,
		Level:     LevelWarn,
		Tag:       "net",
		Message:   "retrying connection",
		ProcessID: 100,
		ThreadID:  101,
		Sequence:  77,
	}
	payload, err := EncodeRecord(record)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	decoded, err := DecodeRecord(payload)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if !decoded.Time.Equal(record.Time) {
		t.Errorf("Time = %v, want %v", decoded.Time, record.Time)
	}
	decoded.Time, record.Time = time.Time{}, time.Time{}
	if decoded != record {
		t.Errorf("decoded = %+v, want %+v", decoded, record)
	}
}

func TestRecordMillisecondOnlyPeer(t *testing.T) {
	t.Parallel()
	// An older peer that omits the sub-millisecond field still yields
	// a millisecond-precision timestamp.
	payload, err := codec.Marshal(map[int]any{1: uint64(1_700_000_000_123), 2: 2, 3: "t", 4: "m"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	record, err := DecodeRecord(payload)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if record.Time.UnixMilli() != 1_700_000_000_123 {
		t.Errorf("UnixMilli = %d", record.Time.UnixMilli())
	}
	if record.Level != LevelInfo {
		t.Errorf("Level = %s, want INFO", record.Level)
	}
}

func TestDecodeRecordMalformed(t *testing.T) {
	t.Parallel()
	_, err := DecodeRecord([]byte{0xff, 0x00})
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("DecodeRecord error = %v, want ErrMalformedFrame", err)
	}
}

func TestByeAndDropNoticeRoundTrip(t *testing.T) {
	t.Parallel()
	payload, err := EncodeBye(ByeSlowConsumer)
	if err != nil {
		t.Fatalf("EncodeBye: %v", err)
	}
	reason, err := DecodeBye(payload)
	if err != nil || reason != ByeSlowConsumer {
		t.Errorf("DecodeBye = %s, %v; want slow_consumer", reason, err)
	}
	if reason, _ := DecodeBye(nil); reason != ByeShutdown {
		t.Errorf("DecodeBye(empty) = %s, want shutdown", reason)
	}

	payload, err = EncodeDropNotice(DropNotice{Count: 9, FromCursor: 3})
	if err != nil {
		t.Fatalf("EncodeDropNotice: %v", err)
	}
	notice, err := DecodeDropNotice(payload)
	if err != nil || notice != (DropNotice{Count: 9, FromCursor: 3}) {
		t.Errorf("DecodeDropNotice = %+v, %v", notice, err)
	}
}

func TestLevelParseAndString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input string
		want  Level
	}{
		{"trace", LevelTrace},
		{"DEBUG", LevelDebug},
		{" info ", LevelInfo},
		{"warning", LevelWarn},
		{"Err", LevelError},
	}
	for _, test := range tests {
		got, err := ParseLevel(test.input)
		if err != nil || got != test.want {
			t.Errorf("ParseLevel(%q) = %s, %v; want %s", test.input, got, err, test.want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) should fail")
	}
	if got := Level(9).String(); !strings.HasPrefix(got, "LEVEL(") {
		t.Errorf("unknown level String = %q", got)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	t.Parallel()
	message := strings.Repeat("connection reset by peer; retrying in 200ms\n", 100)
	for _, compression := range []CompressionCodec{CompressionLZ4, CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			t.Parallel()
			payload, err := EncodeRecord(Record{Level: LevelError, Tag: "net", Message: message})
			if err != nil {
				t.Fatalf("EncodeRecord: %v", err)
			}
			frame := recordFrame(payload, compression)
			if frame.Kind != FrameRecordCompressed {
				t.Fatalf("kind = %s, want record_compressed", frame.Kind)
			}
			if len(frame.Payload) >= len(payload) {
				t.Errorf("compressed %d bytes into %d", len(payload), len(frame.Payload))
			}
			restored, err := decompressPayload(frame.Payload, MaxFrameLength)
			if err != nil {
				t.Fatalf("decompressPayload: %v", err)
			}
			if !bytes.Equal(restored, payload) {
				t.Error("round trip changed the payload")
			}
		})
	}
}

func TestRecordFrameSkipsSmallPayloads(t *testing.T) {
	t.Parallel()
	frame := recordFrame([]byte("short"), CompressionZstd)
	if frame.Kind != FrameRecord {
		t.Errorf("kind = %s, want record", frame.Kind)
	}
	frame = recordFrame(bytes.Repeat([]byte("a"), 4096), CompressionNone)
	if frame.Kind != FrameRecord {
		t.Errorf("kind with CompressionNone = %s, want record", frame.Kind)
	}
}

func TestDecompressRejectsOversizedDeclaration(t *testing.T) {
	t.Parallel()
	payload := binary.AppendUvarint([]byte{byte(CompressionLZ4)}, MaxFrameLength*8)
	payload = append(payload, 0x00)
	_, err := decompressPayload(payload, MaxFrameLength)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("decompressPayload error = %v, want ErrFrameTooLarge", err)
	}
}
