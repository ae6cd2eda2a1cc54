// Copyright 2026 The Pollsock Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package pollsock implements a bidirectional message transport for
// clients that can only issue outbound HTTP requests.
//
// The client keeps a small pool of long-lived PATCH requests in flight
// against a single path. The server holds those requests open and
// completes them as reverse channels whenever it has messages to
// deliver; client-to-server messages ride in the PATCH request bodies.
// A HEAD request establishes the session. The client closes it with a
// DELETE; the server closes it by answering a poll with 410 and the
// close code and reason. Both peers expose a socket-like
// surface: open, message and close callbacks plus Send and Close.
package pollsock

import "errors"

// SocketState is the lifecycle state of a socket on either peer.
// States are monotonic: a socket never moves backward.
type SocketState int

const (
	// SocketConnecting is the client's initial state, before the HEAD
	// handshake has completed. Server sockets are born open.
	SocketConnecting SocketState = iota
	SocketOpen
	SocketClosing
	SocketClosed
)

func (s SocketState) String() string {
	switch s {
	case SocketConnecting:
		return "connecting"
	case SocketOpen:
		return "open"
	case SocketClosing:
		return "closing"
	case SocketClosed:
		return "closed"
	}
	return "unknown"
}

// ServerState is the lifecycle state of a Server.
type ServerState int

const (
	StateRunning ServerState = iota
	StateClosing
	StateClosed
)

func (s ServerState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Close codes follow the WebSocket convention.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseProtocolError = 1002
)

var (
	// ErrNotRunning is reported by Server.Close when the server has
	// already shut down.
	ErrNotRunning = errors.New("pollsock: server is not running")

	// ErrConnecting is returned by ClientSocket.Send before the
	// handshake has completed.
	ErrConnecting = errors.New("pollsock: socket is still connecting")
)

// Protocol header names.
const (
	headerSocketID    = "Socket-Id"
	headerMaxPoolSize = "Max-Pool-Size"
	headerCloseCode   = "Close-Code"
	headerCloseReason = "Close-Reason"
)
