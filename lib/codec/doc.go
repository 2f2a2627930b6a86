// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the shared CBOR encoding configuration for
// logrelay.
//
// Every structured payload that crosses a process boundary is CBOR:
// relay protocol frame bodies (Hello, Record, Bye, Dropped) and the
// registry service's request/response envelopes. JSON appears only in
// CLI --json output.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same logical value always produces the same bytes. The decoder
// ignores map keys it does not recognize: a peer running a newer minor
// protocol version can add fields without breaking older readers.
//
// Buffer-oriented use:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Stream-oriented use (registry sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Field Tags
//
// Wire payloads in the relay protocol use integer keys
// (`cbor:"1,keyasint"`). The integer is the field's permanent tag:
// it is never reused, and a renamed Go field keeps its number. Registry
// request types use string keys because the CLI inspects them.
package codec
