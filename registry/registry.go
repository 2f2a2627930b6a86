// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/logrelay/lib/clock"
	"github.com/bureau-foundation/logrelay/relay"
)

// DefaultGraceWindow is how long a disconnected session survives
// without a reopen.
const DefaultGraceWindow = 10 * time.Second

// subscriberChannelSize is the per-subscriber change buffer. A
// subscriber that falls further behind is dropped with a final
// ChangeOverflow.
const subscriberChannelSize = 64

// ErrInvalidEntry is returned by Register for an empty producer id or
// endpoint.
var ErrInvalidEntry = errors.New("invalid registry entry")

// Entry is one registered producer.
type Entry struct {
	ProducerID   string         `cbor:"producer_id" json:"producer_id"`
	Endpoint     relay.Endpoint `cbor:"endpoint" json:"endpoint"`
	RegisteredAt time.Time      `cbor:"registered_at" json:"registered_at"`
}

// ChangeKind says what happened to an entry.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"

	// ChangeOverflow is the last change a subscriber sees when it fell
	// too far behind. It should resubscribe to get a fresh snapshot.
	ChangeOverflow ChangeKind = "overflow"
)

// Change is one event of a subscription.
type Change struct {
	Kind  ChangeKind `cbor:"kind" json:"kind"`
	Entry Entry      `cbor:"entry" json:"entry"`
}

// SessionState is the state of an observer-producer pairing.
type SessionState string

const (
	SessionActive       SessionState = "active"
	SessionDisconnected SessionState = "disconnected"
)

// Session is one observer attached (or recently attached) to one
// producer.
type Session struct {
	ProducerID     string       `cbor:"producer_id" json:"producer_id"`
	ObserverID     string       `cbor:"observer_id" json:"observer_id"`
	State          SessionState `cbor:"state" json:"state"`
	ConnectedSince time.Time    `cbor:"connected_since" json:"connected_since"`
	DisconnectedAt time.Time    `cbor:"disconnected_at,omitempty" json:"disconnected_at,omitzero"`
}

// Config configures a Registry.
type Config struct {
	// GraceWindow is how long a disconnected session is kept waiting
	// for a reopen. Zero means DefaultGraceWindow.
	GraceWindow time.Duration

	Logger *slog.Logger
	Clock  clock.Clock
}

type sessionKey struct {
	producerID string
	observerID string
}

type session struct {
	Session
	expiry *clock.Timer
}

type subscriber struct {
	channel chan Change
}

// Registry is the in-process directory. All methods are safe for
// concurrent use.
type Registry struct {
	graceWindow time.Duration
	logger      *slog.Logger
	clock       clock.Clock

	mutex       sync.Mutex
	entries     map[string]Entry
	sessions    map[sessionKey]*session
	subscribers map[*subscriber]struct{}
}

// New returns an empty Registry.
func New(config Config) *Registry {
	if config.GraceWindow <= 0 {
		config.GraceWindow = DefaultGraceWindow
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &Registry{
		graceWindow: config.GraceWindow,
		logger:      config.Logger,
		clock:       config.Clock,
		entries:     make(map[string]Entry),
		sessions:    make(map[sessionKey]*session),
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Register adds producerID or replaces its endpoint. Subscribers see
// ChangeAdded either way.
func (r *Registry) Register(producerID string, endpoint relay.Endpoint) error {
	if producerID == "" || endpoint.Path == "" {
		return fmt.Errorf("%w: producer %q at %q", ErrInvalidEntry, producerID, endpoint.Path)
	}
	entry := Entry{ProducerID: producerID, Endpoint: endpoint, RegisteredAt: r.clock.Now()}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.entries[producerID] = entry
	r.notifyLocked(Change{Kind: ChangeAdded, Entry: entry})
	r.logger.Info("producer registered", "producer_id", producerID, "endpoint", endpoint.Path)
	return nil
}

// Unregister removes producerID and ends its sessions. Reports whether
// it was registered.
func (r *Registry) Unregister(producerID string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.removeLocked(producerID)
}

func (r *Registry) removeLocked(producerID string) bool {
	entry, exists := r.entries[producerID]
	if !exists {
		return false
	}
	delete(r.entries, producerID)
	for key, session := range r.sessions {
		if key.producerID == producerID {
			r.dropSessionLocked(key, session)
		}
	}
	r.notifyLocked(Change{Kind: ChangeRemoved, Entry: entry})
	r.logger.Info("producer unregistered", "producer_id", producerID)
	return true
}

// Lookup returns the entry for producerID.
func (r *Registry) Lookup(producerID string) (Entry, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	entry, exists := r.entries[producerID]
	return entry, exists
}

// ListActive returns every entry sorted by producer id.
func (r *Registry) ListActive() []Entry {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.sortedEntriesLocked()
}

func (r *Registry) sortedEntriesLocked() []Entry {
	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b Entry) int { return cmp.Compare(a.ProducerID, b.ProducerID) })
	return entries
}

// Subscribe returns the registry's changes. Each iteration is a new
// subscription: it first yields ChangeAdded for every current entry,
// then live changes until ctx ends or the loop breaks. A subscriber
// that cannot keep up receives ChangeOverflow and the iteration ends.
func (r *Registry) Subscribe(ctx context.Context) iter.Seq[Change] {
	return func(yield func(Change) bool) {
		sub := &subscriber{channel: make(chan Change, subscriberChannelSize)}

		// Registration and snapshot under one lock: no change is both
		// in the snapshot and in the channel, and none is missed.
		r.mutex.Lock()
		snapshot := r.sortedEntriesLocked()
		r.subscribers[sub] = struct{}{}
		r.mutex.Unlock()
		defer r.unsubscribe(sub)

		for _, entry := range snapshot {
			if !yield(Change{Kind: ChangeAdded, Entry: entry}) {
				return
			}
		}
		for {
			select {
			case change, open := <-sub.channel:
				if !open {
					yield(Change{Kind: ChangeOverflow})
					return
				}
				if !yield(change) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *Registry) unsubscribe(sub *subscriber) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.subscribers, sub)
}

// notifyLocked fans change out without blocking. A full subscriber is
// removed and its channel closed; it reads the buffered changes and
// then sees the overflow.
func (r *Registry) notifyLocked(change Change) {
	for sub := range r.subscribers {
		select {
		case sub.channel <- change:
		default:
			delete(r.subscribers, sub)
			close(sub.channel)
			r.logger.Warn("registry subscriber overflowed")
		}
	}
}

// OpenSession marks producerID/observerID active, creating the session
// or reviving a disconnected one. A revived session keeps its original
// ConnectedSince.
func (r *Registry) OpenSession(producerID, observerID string) {
	key := sessionKey{producerID, observerID}
	now := r.clock.Now()

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if existing, found := r.sessions[key]; found {
		if existing.expiry != nil {
			existing.expiry.Stop()
			existing.expiry = nil
		}
		existing.State = SessionActive
		existing.DisconnectedAt = time.Time{}
		r.logger.Debug("session resumed", "producer_id", producerID, "observer", observerID)
		return
	}
	r.sessions[key] = &session{Session: Session{
		ProducerID:     producerID,
		ObserverID:     observerID,
		State:          SessionActive,
		ConnectedSince: now,
	}}
	r.logger.Debug("session opened", "producer_id", producerID, "observer", observerID)
}

// SessionDisconnected marks the session disconnected. It is destroyed
// unless reopened within the grace window.
func (r *Registry) SessionDisconnected(producerID, observerID string) {
	key := sessionKey{producerID, observerID}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	current, found := r.sessions[key]
	if !found || current.State == SessionDisconnected {
		return
	}
	current.State = SessionDisconnected
	current.DisconnectedAt = r.clock.Now()
	current.expiry = r.clock.AfterFunc(r.graceWindow, func() { r.expire(key, current) })
}

func (r *Registry) expire(key sessionKey, expired *session) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.sessions[key] != expired || expired.State != SessionDisconnected {
		return
	}
	delete(r.sessions, key)
	r.logger.Debug("session expired", "producer_id", key.producerID, "observer", key.observerID)
}

// CloseSession destroys the session immediately.
func (r *Registry) CloseSession(producerID, observerID string) {
	key := sessionKey{producerID, observerID}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if current, found := r.sessions[key]; found {
		r.dropSessionLocked(key, current)
	}
}

func (r *Registry) dropSessionLocked(key sessionKey, current *session) {
	if current.expiry != nil {
		current.expiry.Stop()
	}
	delete(r.sessions, key)
}

// Sessions returns every session sorted by producer then observer.
func (r *Registry) Sessions() []Session {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, current := range r.sessions {
		sessions = append(sessions, current.Session)
	}
	slices.SortFunc(sessions, func(a, b Session) int {
		return cmp.Or(cmp.Compare(a.ProducerID, b.ProducerID), cmp.Compare(a.ObserverID, b.ObserverID))
	})
	return sessions
}

// Probe reports whether an endpoint is still served.
type Probe func(ctx context.Context, endpoint relay.Endpoint) bool

// Prune probes every entry and unregisters those whose endpoint does
// not answer. A nil probe dials the socket. Returns the removed ids.
//
// Probing happens without the lock; an entry re-registered meanwhile
// is kept.
func (r *Registry) Prune(ctx context.Context, probe Probe) []string {
	if probe == nil {
		probe = func(ctx context.Context, endpoint relay.Endpoint) bool { return endpoint.Probe(ctx) }
	}

	var dead []Entry
	for _, entry := range r.ListActive() {
		if ctx.Err() != nil {
			return nil
		}
		if !probe(ctx, entry.Endpoint) {
			dead = append(dead, entry)
		}
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	var removed []string
	for _, entry := range dead {
		if current, exists := r.entries[entry.ProducerID]; exists && current == entry {
			r.removeLocked(entry.ProducerID)
			removed = append(removed, entry.ProducerID)
		}
	}
	if len(removed) > 0 {
		r.logger.Info("pruned unreachable producers", "producer_ids", removed)
	}
	return removed
}

// RunPruner calls Prune every interval until ctx ends.
func (r *Registry) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Prune(ctx, nil)
		}
	}
}
