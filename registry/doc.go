// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry is the discovery directory for relay producers and
// the bookkeeping for observer sessions.
//
// A [Registry] maps producer ids to socket endpoints and tracks which
// observers are attached to which producers. Registration is advisory:
// observers still handle a producer that vanished without
// unregistering, and [Registry.Prune] removes entries whose socket no
// longer answers.
//
// [Service] exposes a Registry over a Unix socket using the CBOR
// request/response protocol of lib/service, and [Client] is its
// counterpart. Client implements relay.Announcer and
// relay.SessionTracker, so a Sender and a relay Client can report to a
// registry in another process.
package registry
