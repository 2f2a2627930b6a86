// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the CBOR-over-Unix-socket request/response
// plumbing used by the logrelay registry.
//
// [SocketServer] accepts one request per connection. Each request is a
// CBOR map with an "action" field; unary actions receive a single
// [Response] envelope ({ok, error, data}) and streaming actions receive
// {ok: true} followed by an open-ended sequence of CBOR values.
// [ServiceClient] is the matching client: Call for unary actions,
// Stream for streaming ones.
//
// The socket's filesystem permissions are the only access control.
// The server creates its parent directory with mode 0700.
package service
