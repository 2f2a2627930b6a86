// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/bureau-foundation/logrelay/lib/service"
	"github.com/bureau-foundation/logrelay/relay"
)

// DefaultCallTimeout bounds the session notifications a relay Client
// makes, which have no context of their own.
const DefaultCallTimeout = time.Second

// Client talks to a registry Service. It implements relay.Announcer
// and relay.SessionTracker.
type Client struct {
	service *service.ServiceClient
	timeout time.Duration
	logger  *slog.Logger
}

var (
	_ relay.Announcer      = (*Client)(nil)
	_ relay.SessionTracker = (*Client)(nil)
	_ relay.SessionTracker = (*Registry)(nil)
)

// NewClient returns a client for the service at socketPath.
func NewClient(socketPath string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		service: service.NewServiceClient(socketPath),
		timeout: DefaultCallTimeout,
		logger:  logger,
	}
}

// SocketPath returns the service socket.
func (c *Client) SocketPath() string {
	return c.service.SocketPath()
}

// Register announces producerID at endpoint.
func (c *Client) Register(ctx context.Context, producerID string, endpoint relay.Endpoint) error {
	return c.service.Call(ctx, actionRegister, map[string]any{
		"producer_id": producerID,
		"endpoint":    endpoint.Path,
	}, nil)
}

// Unregister withdraws producerID.
func (c *Client) Unregister(ctx context.Context, producerID string) error {
	return c.service.Call(ctx, actionUnregister, map[string]any{"producer_id": producerID}, nil)
}

// List returns the registered producers sorted by id.
func (c *Client) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if err := c.service.Call(ctx, actionList, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Sessions returns the tracked sessions.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.service.Call(ctx, actionSessions, nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// OpenSession reports an observer attached. Failures are logged.
func (c *Client) OpenSession(producerID, observerID string) {
	c.notifySession(actionOpenSession, producerID, observerID)
}

// SessionDisconnected reports an observer's connection dropped.
func (c *Client) SessionDisconnected(producerID, observerID string) {
	c.notifySession(actionSessionDisconnected, producerID, observerID)
}

// CloseSession reports an observer detached for good.
func (c *Client) CloseSession(producerID, observerID string) {
	c.notifySession(actionCloseSession, producerID, observerID)
}

func (c *Client) notifySession(action, producerID, observerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	err := c.service.Call(ctx, action, map[string]any{
		"producer_id": producerID,
		"observer_id": observerID,
	}, nil)
	if err != nil {
		c.logger.Debug("session notification failed", "action", action, "producer_id", producerID, "error", err)
	}
}

// Watch streams registry changes: ChangeAdded for every current entry,
// then live changes. The sequence ends when ctx is cancelled, the loop
// breaks, or the stream fails; a failure is yielded as the final
// element with a non-nil error.
func (c *Client) Watch(ctx context.Context) iter.Seq2[Change, error] {
	return func(yield func(Change, error) bool) {
		decoder, closer, err := c.service.Stream(ctx, actionWatch, nil)
		if err != nil {
			yield(Change{}, err)
			return
		}
		defer closer.Close()

		for {
			var change Change
			if err := decoder.Decode(&change); err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, io.EOF) {
					err = fmt.Errorf("registry closed the watch stream: %w", err)
				}
				yield(Change{}, err)
				return
			}
			if !yield(change, nil) {
				return
			}
		}
	}
}
