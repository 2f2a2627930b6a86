// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameKind identifies a frame's payload. Values are wire constants.
type FrameKind byte

const (
	// FrameHello opens a connection. The observer sends first and the
	// producer answers. Payload: [Hello].
	FrameHello FrameKind = 0x01

	// FrameRecord carries one log record. Producer to observer.
	// Payload: see [EncodeRecord].
	FrameRecord FrameKind = 0x02

	// FrameHeartbeat keeps an idle connection provably alive. Either
	// direction, empty payload.
	FrameHeartbeat FrameKind = 0x03

	// FrameBye announces a graceful close. Either direction.
	// Payload: a [ByeReason].
	FrameBye FrameKind = 0x04

	// FrameDropped tells the observer that records were evicted before
	// it could read them. Producer to observer. Payload: [DropNotice].
	FrameDropped FrameKind = 0x05

	// FrameRecordCompressed is FrameRecord with a compressed payload.
	// Only sent when both sides negotiated CapabilityCompression.
	FrameRecordCompressed FrameKind = 0x06
)

// String returns the frame kind's name.
func (kind FrameKind) String() string {
	switch kind {
	case FrameHello:
		return "hello"
	case FrameRecord:
		return "record"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameBye:
		return "bye"
	case FrameDropped:
		return "dropped"
	case FrameRecordCompressed:
		return "record_compressed"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(kind))
	}
}

// frameHeaderLength is the size of the length prefix.
const frameHeaderLength = 4

// MaxFrameLength is the largest declared frame length (kind byte plus
// payload) a receiver accepts.
const MaxFrameLength = 1 << 20

// Frame is one unit of the wire protocol.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// WriteFrame writes one frame to w in a single Write call, so frames
// from one writer never interleave on a stream socket as long as
// writers are serialized.
func WriteFrame(w io.Writer, kind FrameKind, payload []byte) error {
	length := 1 + len(payload)
	if length > MaxFrameLength {
		return fmt.Errorf("%w: %s frame of %d bytes exceeds %d", ErrFrameTooLarge, kind, length, MaxFrameLength)
	}
	buffer := make([]byte, frameHeaderLength+length)
	binary.BigEndian.PutUint32(buffer[:frameHeaderLength], uint32(length))
	buffer[frameHeaderLength] = byte(kind)
	copy(buffer[frameHeaderLength+1:], payload)
	if _, err := w.Write(buffer); err != nil {
		return fmt.Errorf("write %s frame: %w", kind, err)
	}
	return nil
}

// ReadFrame reads one frame from r. A declared length above maxLength
// fails with ErrFrameTooLarge before the payload is allocated or read;
// the stream is unusable afterwards. A maxLength of zero means
// MaxFrameLength. A clean end of stream before the header returns
// io.EOF unwrapped.
func ReadFrame(r io.Reader, maxLength uint32) (Frame, error) {
	if maxLength == 0 {
		maxLength = MaxFrameLength
	}

	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return Frame{}, fmt.Errorf("%w: zero frame length", ErrMalformedFrame)
	}
	if length > maxLength {
		return Frame{}, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, length, maxLength)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}
	return Frame{Kind: FrameKind(body[0]), Payload: body[1:]}, nil
}
