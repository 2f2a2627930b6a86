// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay streams log records from producer processes to
// observer processes over local Unix sockets.
//
// A producer runs a [Sender]. Every record handed to [Sender.Emit] is
// appended to the sender's [RingBuffer] and pushed to each attached
// observer. Emit never blocks: when nobody is attached the ring simply
// keeps the most recent records, evicting the oldest once full.
//
// An observer runs a [Client]. [Client.Attach] dials a producer's
// [Endpoint], performs the Hello handshake, and returns a [Handle]
// whose Next method yields the producer's records in push order. With
// IncludeBacklog the observer first receives whatever the ring still
// holds. With Reconnect the handle survives producer restarts: a
// supervisor goroutine retries with jittered exponential backoff and
// resumes from the last sequence it saw, so retained records are not
// delivered twice. Records evicted while disconnected are reported as
// a single drop notice.
//
// The wire format is length-prefixed frames:
//
//	[4 bytes big-endian length][1 byte kind][payload]
//
// where length counts the kind byte and the payload. Payloads are CBOR
// maps keyed by integer field tags (see [Hello] and [EncodeRecord]),
// so a newer minor protocol version may add fields that older peers
// ignore. Frames longer than [MaxFrameLength] are rejected before any
// allocation.
//
// [Feed] merges several handles into one stream for observers watching
// many producers. [NewHandler] adapts a Sender to log/slog so that
// application logging flows into the relay.
package relay
