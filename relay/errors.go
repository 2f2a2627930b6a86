// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import "errors"

var (
	// ErrBindUnavailable: the endpoint is already claimed by a live
	// producer, or the socket cannot be created.
	ErrBindUnavailable = errors.New("endpoint unavailable")

	// ErrProtocolMismatch: the peer speaks a different major protocol
	// version. Never retried automatically.
	ErrProtocolMismatch = errors.New("protocol version mismatch")

	// ErrHandshakeTimeout: the peer did not complete the Hello exchange
	// in time.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrConnectionLost: an established stream ended without a
	// graceful detach (peer exit, Bye, or heartbeat silence).
	ErrConnectionLost = errors.New("connection lost")

	// ErrFrameTooLarge: a peer declared a frame longer than the
	// receiver accepts.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrInvalidOptions: a configuration value is out of range.
	ErrInvalidOptions = errors.New("invalid options")

	// ErrClosed: the sender, handle, or sink has been shut down.
	ErrClosed = errors.New("closed")
)

// ErrMalformedFrame: the byte stream does not parse as a frame or the
// payload does not decode for its kind.
var ErrMalformedFrame = errors.New("malformed frame")
