// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/logrelay/lib/codec"
	"github.com/bureau-foundation/logrelay/lib/service"
	"github.com/bureau-foundation/logrelay/relay"
)

// Service actions.
const (
	actionRegister            = "register"
	actionUnregister          = "unregister"
	actionList                = "list"
	actionSessions            = "sessions"
	actionOpenSession         = "open_session"
	actionSessionDisconnected = "session_disconnected"
	actionCloseSession        = "close_session"
	actionWatch               = "watch"
)

// watchWriteTimeout bounds each change written to a watch stream.
const watchWriteTimeout = 5 * time.Second

// DefaultSocketPath is where the registry service listens unless
// configured otherwise.
func DefaultSocketPath() string {
	return filepath.Join(relay.DefaultSocketDir(), "registry.sock")
}

type registerRequest struct {
	ProducerID string `cbor:"producer_id"`
	Endpoint   string `cbor:"endpoint"`
}

type unregisterRequest struct {
	ProducerID string `cbor:"producer_id"`
}

type sessionRequest struct {
	ProducerID string `cbor:"producer_id"`
	ObserverID string `cbor:"observer_id"`
}

// Service serves a Registry on a Unix socket.
type Service struct {
	registry *Registry
	server   *service.SocketServer
	logger   *slog.Logger
}

// NewService returns a service for registry listening on socketPath.
func NewService(registry *Registry, socketPath string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Service{
		registry: registry,
		server:   service.NewSocketServer(socketPath, logger),
		logger:   logger,
	}
	s.server.Handle(actionRegister, s.handleRegister)
	s.server.Handle(actionUnregister, s.handleUnregister)
	s.server.Handle(actionList, s.handleList)
	s.server.Handle(actionSessions, s.handleSessions)
	s.server.Handle(actionOpenSession, s.sessionHandler(registry.OpenSession))
	s.server.Handle(actionSessionDisconnected, s.sessionHandler(registry.SessionDisconnected))
	s.server.Handle(actionCloseSession, s.sessionHandler(registry.CloseSession))
	s.server.HandleStream(actionWatch, s.handleWatch)
	return s
}

// Serve runs until ctx is cancelled.
func (s *Service) Serve(ctx context.Context) error {
	return s.server.Serve(ctx)
}

// Ready is closed once the socket is listening.
func (s *Service) Ready() <-chan struct{} {
	return s.server.Ready()
}

func (s *Service) handleRegister(_ context.Context, raw []byte) (any, error) {
	var request registerRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, err
	}
	endpoint, err := relay.ParseEndpoint(request.Endpoint)
	if err != nil {
		return nil, err
	}
	return nil, s.registry.Register(request.ProducerID, endpoint)
}

func (s *Service) handleUnregister(_ context.Context, raw []byte) (any, error) {
	var request unregisterRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, err
	}
	s.registry.Unregister(request.ProducerID)
	return nil, nil
}

func (s *Service) handleList(context.Context, []byte) (any, error) {
	return s.registry.ListActive(), nil
}

func (s *Service) handleSessions(context.Context, []byte) (any, error) {
	return s.registry.Sessions(), nil
}

func (s *Service) sessionHandler(apply func(producerID, observerID string)) service.ActionFunc {
	return func(_ context.Context, raw []byte) (any, error) {
		var request sessionRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		if request.ProducerID == "" || request.ObserverID == "" {
			return nil, errors.New("producer_id and observer_id are required")
		}
		apply(request.ProducerID, request.ObserverID)
		return nil, nil
	}
}

// handleWatch writes one Change per CBOR value until the client hangs
// up or the subscription overflows.
func (s *Service) handleWatch(ctx context.Context, _ []byte, conn net.Conn) {
	encoder := codec.NewEncoder(conn)
	for change := range s.registry.Subscribe(ctx) {
		conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		if err := encoder.Encode(change); err != nil {
			s.logger.Debug("watch stream ended", "error", err)
			return
		}
	}
}
