// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/bureau-foundation/logrelay/lib/codec"
)

// Protocol version. Peers with different major versions refuse each
// other. Minor versions only add optional payload fields.
const (
	ProtocolMajor uint8 = 1
	ProtocolMinor uint8 = 0
)

// Capabilities is a bit set of optional protocol features. Each side
// advertises what it supports in its Hello; a feature is used only if
// both advertise it.
type Capabilities uint32

const (
	// CapabilityBacklog: the producer can replay retained records.
	CapabilityBacklog Capabilities = 1 << iota

	// CapabilityHeartbeat: the peer sends heartbeats while idle and
	// treats prolonged silence as a lost connection.
	CapabilityHeartbeat

	// CapabilityCompression: large record payloads may be sent as
	// FrameRecordCompressed.
	CapabilityCompression

	// CapabilityDropNotice: the producer reports evicted records with
	// FrameDropped instead of skipping them silently.
	CapabilityDropNotice
)

// AllCapabilities is every capability this version implements.
const AllCapabilities = CapabilityBacklog | CapabilityHeartbeat | CapabilityCompression | CapabilityDropNotice

// Has reports whether every bit of flag is set.
func (capabilities Capabilities) Has(flag Capabilities) bool {
	return capabilities&flag == flag
}

// String lists the set capability names joined by "|".
func (capabilities Capabilities) String() string {
	names := []struct {
		flag Capabilities
		name string
	}{
		{CapabilityBacklog, "backlog"},
		{CapabilityHeartbeat, "heartbeat"},
		{CapabilityCompression, "compression"},
		{CapabilityDropNotice, "drop_notice"},
	}
	var parts []string
	for _, entry := range names {
		if capabilities.Has(entry.flag) {
			parts = append(parts, entry.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Negotiate returns the capabilities both sides support.
func Negotiate(local, remote Capabilities) Capabilities {
	return local & remote
}

// Hello is the first frame in each direction.
//
// Fields use integer CBOR keys. Decoders ignore keys they do not know,
// so new optional fields can be added in a minor version.
type Hello struct {
	Major        uint8        `cbor:"1,keyasint"`
	Minor        uint8        `cbor:"2,keyasint"`
	ProducerID   string       `cbor:"3,keyasint,omitempty"`
	Capabilities Capabilities `cbor:"4,keyasint"`

	// Observer to producer only.
	ObserverID  string `cbor:"5,keyasint,omitempty"`
	WantBacklog bool   `cbor:"6,keyasint,omitempty"`

	// ResumeCursor is the first sequence the observer still needs,
	// set when reconnecting. Honored only if Instance matches the
	// producer's current instance.
	ResumeCursor *uint64 `cbor:"7,keyasint,omitempty"`

	// Instance identifies one run of a producer's Sender. The producer
	// sends its own; a reconnecting observer echoes the one its
	// ResumeCursor refers to.
	Instance string `cbor:"8,keyasint,omitempty"`

	// ProcessID is the sender's process id.
	ProcessID uint32 `cbor:"9,keyasint,omitempty"`

	// StartCursor is the sequence the producer will stream from.
	// Producer to observer only.
	StartCursor uint64 `cbor:"10,keyasint,omitempty"`

	// HeartbeatMs is how often the sender of this Hello sends
	// heartbeats while idle. The receiver treats three missed
	// intervals of silence as a lost connection.
	HeartbeatMs uint32 `cbor:"11,keyasint,omitempty"`
}

// heartbeatInterval returns the peer's heartbeat interval, or zero if
// it does not send heartbeats.
func (hello Hello) heartbeatInterval() time.Duration {
	if !hello.Capabilities.Has(CapabilityHeartbeat) {
		return 0
	}
	return time.Duration(hello.HeartbeatMs) * time.Millisecond
}

// silenceLimit is how long a connection may stay quiet before the
// receiver gives up on it.
func silenceLimit(peerHeartbeat time.Duration) time.Duration {
	return 3 * peerHeartbeat
}

// EncodeHello serializes a Hello payload.
func EncodeHello(hello Hello) ([]byte, error) {
	return codec.Marshal(hello)
}

// DecodeHello parses a Hello payload.
func DecodeHello(payload []byte) (Hello, error) {
	var hello Hello
	if err := codec.Unmarshal(payload, &hello); err != nil {
		return Hello{}, fmt.Errorf("%w: hello: %v", ErrMalformedFrame, err)
	}
	return hello, nil
}

// CheckVersion returns ErrProtocolMismatch if the peer's major version
// differs from ours.
func CheckVersion(peer Hello) error {
	if peer.Major != ProtocolMajor {
		return fmt.Errorf("%w: peer speaks %d.%d, we speak %d.%d",
			ErrProtocolMismatch, peer.Major, peer.Minor, ProtocolMajor, ProtocolMinor)
	}
	return nil
}

// wireRecord is the Record payload. Time travels as Unix milliseconds
// plus the sub-millisecond remainder so older peers that only read the
// millisecond field still get a usable timestamp.
type wireRecord struct {
	TimestampMs uint64 `cbor:"1,keyasint"`
	Level       uint8  `cbor:"2,keyasint"`
	Tag         string `cbor:"3,keyasint"`
	Message     string `cbor:"4,keyasint"`
	ProcessID   uint32 `cbor:"5,keyasint"`
	ThreadID    uint32 `cbor:"6,keyasint"`
	Sequence    uint64 `cbor:"7,keyasint"`
	MonotonicNs int64  `cbor:"8,keyasint"`
	SubMilliNs  uint32 `cbor:"9,keyasint,omitempty"`
}

// EncodeRecord serializes a Record payload.
func EncodeRecord(record Record) ([]byte, error) {
	nanos := record.Time.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	return codec.Marshal(wireRecord{
		TimestampMs: uint64(nanos / int64(time.Millisecond)),
		Level:       uint8(record.Level),
		Tag:         record.Tag,
		Message:     record.Message,
		ProcessID:   record.ProcessID,
		ThreadID:    record.ThreadID,
		Sequence:    record.Sequence,
		MonotonicNs: int64(record.Monotonic),
		SubMilliNs:  uint32(nanos % int64(time.Millisecond)),
	})
}

// DecodeRecord parses a Record payload.
func DecodeRecord(payload []byte) (Record, error) {
	var wire wireRecord
	if err := codec.Unmarshal(payload, &wire); err != nil {
		return Record{}, fmt.Errorf("%w: record: %v", ErrMalformedFrame, err)
	}
	return Record{
		Time:      time.UnixMilli(int64(wire.TimestampMs)).Add(time.Duration(wire.SubMilliNs)),
		Monotonic: time.Duration(wire.MonotonicNs),
		Level:     Level(wire.Level),
		Tag:       wire.Tag,
		Message:   wire.Message,
		ProcessID: wire.ProcessID,
		ThreadID:  wire.ThreadID,
		Sequence:  wire.Sequence,
	}, nil
}

// ByeReason explains a FrameBye.
type ByeReason uint8

const (
	ByeShutdown      ByeReason = 1
	ByeDetach        ByeReason = 2
	ByeProtocolError ByeReason = 3
	ByeFrameTooLarge ByeReason = 4
	ByeSlowConsumer  ByeReason = 5
)

// String returns the reason's name.
func (reason ByeReason) String() string {
	switch reason {
	case ByeShutdown:
		return "shutdown"
	case ByeDetach:
		return "detach"
	case ByeProtocolError:
		return "protocol_error"
	case ByeFrameTooLarge:
		return "frame_too_large"
	case ByeSlowConsumer:
		return "slow_consumer"
	default:
		return fmt.Sprintf("reason(%d)", uint8(reason))
	}
}

type wireBye struct {
	Reason ByeReason `cbor:"1,keyasint"`
}

// EncodeBye serializes a Bye payload.
func EncodeBye(reason ByeReason) ([]byte, error) {
	return codec.Marshal(wireBye{Reason: reason})
}

// DecodeBye parses a Bye payload. An empty payload decodes as
// ByeShutdown.
func DecodeBye(payload []byte) (ByeReason, error) {
	if len(payload) == 0 {
		return ByeShutdown, nil
	}
	var wire wireBye
	if err := codec.Unmarshal(payload, &wire); err != nil {
		return 0, fmt.Errorf("%w: bye: %v", ErrMalformedFrame, err)
	}
	return wire.Reason, nil
}

// DropNotice reports records an observer will never receive because
// they were evicted from the producer's ring first.
type DropNotice struct {
	// Count is the number of records skipped.
	Count uint64 `cbor:"1,keyasint"`

	// FromCursor is the sequence of the first skipped record.
	FromCursor uint64 `cbor:"2,keyasint"`
}

// EncodeDropNotice serializes a Dropped payload.
func EncodeDropNotice(notice DropNotice) ([]byte, error) {
	return codec.Marshal(notice)
}

// DecodeDropNotice parses a Dropped payload.
func DecodeDropNotice(payload []byte) (DropNotice, error) {
	var notice DropNotice
	if err := codec.Unmarshal(payload, &notice); err != nil {
		return DropNotice{}, fmt.Errorf("%w: dropped: %v", ErrMalformedFrame, err)
	}
	return notice, nil
}
