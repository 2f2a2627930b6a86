// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"io"
	"sync"
)

// FeedEvent is an Event tagged with the handle it came from.
type FeedEvent struct {
	ProducerID string
	Endpoint   Endpoint
	Event      Event
}

// Feed merges the events of several handles into one stream. Events
// from one handle keep their order; events from different handles
// interleave in arrival order with no further guarantee.
//
// A Feed does not own its handles: Close stops merging but leaves the
// handles attached.
type Feed struct {
	events chan FeedEvent
	ctx    context.Context
	cancel context.CancelFunc

	mutex   sync.Mutex
	handles []*Handle
	closed  bool

	forwarders sync.WaitGroup
}

// NewFeed returns a feed merging handles.
func NewFeed(handles ...*Handle) *Feed {
	ctx, cancel := context.WithCancel(context.Background())
	feed := &Feed{
		events: make(chan FeedEvent),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, handle := range handles {
		feed.Add(handle)
	}
	return feed
}

// Add starts merging handle. Fails with ErrClosed after Close.
func (f *Feed) Add(handle *Handle) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.handles = append(f.handles, handle)
	f.forwarders.Add(1)
	go f.forward(handle)
	return nil
}

// Handles returns the handles added so far.
func (f *Feed) Handles() []*Handle {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]*Handle(nil), f.handles...)
}

func (f *Feed) forward(handle *Handle) {
	defer f.forwarders.Done()
	for {
		event, err := handle.Next(f.ctx)
		if err != nil {
			return
		}
		select {
		case f.events <- FeedEvent{ProducerID: handle.ProducerID(), Endpoint: handle.Endpoint(), Event: event}:
		case <-f.ctx.Done():
			return
		}
	}
}

// Wait blocks until every added handle has ended and all of its
// events have been returned by Next, or until Close. Handles must not
// be added while Wait runs.
func (f *Feed) Wait() {
	f.forwarders.Wait()
}

// Next waits for an event from any handle. Returns io.EOF after Close.
func (f *Feed) Next(ctx context.Context) (FeedEvent, error) {
	select {
	case event := <-f.events:
		return event, nil
	case <-f.ctx.Done():
		return FeedEvent{}, io.EOF
	case <-ctx.Done():
		return FeedEvent{}, ctx.Err()
	}
}

// Close stops merging and waits for the forwarding goroutines.
func (f *Feed) Close() {
	f.mutex.Lock()
	f.closed = true
	f.mutex.Unlock()
	f.cancel()
	f.forwarders.Wait()
}
