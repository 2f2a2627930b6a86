// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Endpoint is the address of a producer: a Unix socket path.
type Endpoint struct {
	Path string `json:"path" cbor:"path"`
}

// maxSocketPathLength is the usable length of sockaddr_un.sun_path.
const maxSocketPathLength = 107

// UnixEndpoint returns the endpoint for a socket path.
func UnixEndpoint(path string) Endpoint {
	return Endpoint{Path: path}
}

// ParseEndpoint accepts a bare socket path or one prefixed with
// "unix:" or "unix://".
func ParseEndpoint(address string) (Endpoint, error) {
	path := strings.TrimPrefix(strings.TrimPrefix(address, "unix://"), "unix:")
	if path == "" {
		return Endpoint{}, fmt.Errorf("%w: empty endpoint", ErrInvalidOptions)
	}
	if len(path) > maxSocketPathLength {
		return Endpoint{}, fmt.Errorf("%w: socket path %q is longer than %d bytes", ErrInvalidOptions, path, maxSocketPathLength)
	}
	return Endpoint{Path: filepath.Clean(path)}, nil
}

// String returns the endpoint in "unix:" form.
func (endpoint Endpoint) String() string {
	return "unix:" + endpoint.Path
}

// EndpointFor returns the conventional endpoint for producerID inside
// directory. Path separators in the id are replaced so every producer
// gets one file directly in directory.
func EndpointFor(directory, producerID string) Endpoint {
	name := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(producerID)
	return Endpoint{Path: filepath.Join(directory, name+".sock")}
}

// DefaultSocketDir returns $XDG_RUNTIME_DIR/logrelay, falling back to
// /tmp/logrelay-<uid> when XDG_RUNTIME_DIR is unset.
func DefaultSocketDir() string {
	if runtime := os.Getenv("XDG_RUNTIME_DIR"); runtime != "" {
		return filepath.Join(runtime, "logrelay")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("logrelay-%d", os.Getuid()))
}

// probeTimeout bounds the dial used to decide whether a socket file
// belongs to a live producer.
const probeTimeout = 500 * time.Millisecond

// Probe reports whether something is accepting connections on the
// endpoint.
func (endpoint Endpoint) Probe(ctx context.Context) bool {
	dialer := net.Dialer{Timeout: probeTimeout}
	conn, err := dialer.DialContext(ctx, "unix", endpoint.Path)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// listen binds the endpoint. A leftover socket file whose owner is
// gone is removed and the bind retried; a socket someone still answers
// on, or a path that is not a socket, fails with ErrBindUnavailable.
func (endpoint Endpoint) listen(ctx context.Context) (*net.UnixListener, error) {
	if err := os.MkdirAll(filepath.Dir(endpoint.Path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating socket directory: %v", ErrBindUnavailable, err)
	}

	address := &net.UnixAddr{Name: endpoint.Path, Net: "unix"}
	listener, err := net.ListenUnix("unix", address)
	if err == nil {
		return listener, nil
	}

	info, statErr := os.Lstat(endpoint.Path)
	if statErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrBindUnavailable, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return nil, fmt.Errorf("%w: %s exists and is not a socket", ErrBindUnavailable, endpoint.Path)
	}
	if endpoint.Probe(ctx) {
		return nil, fmt.Errorf("%w: another producer is serving %s", ErrBindUnavailable, endpoint.Path)
	}
	if err := os.Remove(endpoint.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: removing stale socket: %v", ErrBindUnavailable, err)
	}

	listener, err = net.ListenUnix("unix", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBindUnavailable, err)
	}
	return listener, nil
}
