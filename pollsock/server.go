// Copyright 2026 The Pollsock Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package pollsock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ServerOptions configures a Server. Exactly one of Port, HTTPServer
// or NoServer must be set: with Port the server owns its own listener,
// with HTTPServer it installs itself as that server's handler when the
// server has none (an existing Handler is left in place), and
// with NoServer the caller mounts the Server as an http.Handler.
type ServerOptions struct {
	Port       int
	Host       string
	HTTPServer *http.Server
	NoServer   bool

	// Path is the request path under which the protocol is served.
	// Defaults to "/".
	Path string

	// MaxConnectionPoolSize bounds the number of responses parked per
	// session, and is advertised to clients in the handshake.
	// Defaults to 2.
	MaxConnectionPoolSize int

	// BufferTime is how long a session waits after the first Send
	// before flushing, coalescing rapid sends into one response.
	BufferTime time.Duration

	// AllowClientIDs lets a PATCH bearing an unknown session ID create
	// a new session under that ID instead of failing with 404.
	AllowClientIDs bool

	// DisableClientTracking turns off the Clients accessor.
	DisableClientTracking bool

	// MaxBodyBytes bounds PATCH request bodies; see DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// HandshakeRate, when non-zero, rate-limits HEAD handshakes;
	// over-limit requests are answered 429.
	HandshakeRate  rate.Limit
	HandshakeBurst int

	Logger *slog.Logger
}

// A Server accepts pollsock protocol requests, dispatching HEAD to the
// handshake, PATCH to the session poll and DELETE to the close
// handler. It tracks live sessions in its registry.
type Server struct {
	opts     ServerOptions
	logger   *slog.Logger
	registry *sessionRegistry
	limiter  *rate.Limiter

	httpServer   *http.Server
	ownsListener bool

	mu             sync.Mutex
	state          ServerState
	onConnection   func(*ServerSocket, *http.Request)
	onError        func(error)
	onClose        func()
	closeCallbacks []func(error)
	closeEmitted   bool
}

// NewServer validates opts and starts a server. With the Port option
// it begins listening immediately.
func NewServer(opts *ServerOptions) (*Server, error) {
	var o ServerOptions
	if opts != nil {
		o = *opts
	}
	modes := 0
	if o.Port != 0 {
		modes++
	}
	if o.HTTPServer != nil {
		modes++
	}
	if o.NoServer {
		modes++
	}
	if modes != 1 {
		return nil, errors.New("pollsock: exactly one of Port, HTTPServer or NoServer must be set")
	}
	if o.Path == "" {
		o.Path = "/"
	}
	if o.MaxConnectionPoolSize <= 0 {
		o.MaxConnectionPoolSize = 2
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	s := &Server{
		opts:     o,
		logger:   o.Logger,
		registry: newSessionRegistry(),
	}
	if o.HandshakeRate > 0 {
		burst := o.HandshakeBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(o.HandshakeRate, burst)
	}

	switch {
	case o.Port != 0:
		s.httpServer = &http.Server{
			Addr:    net.JoinHostPort(o.Host, strconv.Itoa(o.Port)),
			Handler: s,
		}
		s.ownsListener = true
		go func() {
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.emitError(fmt.Errorf("listener: %w", err))
			}
		}()
	case o.HTTPServer != nil:
		s.httpServer = o.HTTPServer
		if s.httpServer.Handler == nil {
			s.httpServer.Handler = s
		}
	}
	return s, nil
}

// OnConnection registers the callback invoked with each new session
// and the request that created it, before the handshake response is
// written.
func (s *Server) OnConnection(f func(*ServerSocket, *http.Request)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnection = f
}

// OnError registers the callback for top-level server errors.
func (s *Server) OnError(f func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = f
}

// OnClose registers the callback invoked once the server has fully
// shut down.
func (s *Server) OnClose(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = f
}

// State returns the server's lifecycle state.
func (s *Server) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Clients returns a snapshot of the live sessions. It returns nil when
// client tracking is disabled.
func (s *Server) Clients() []*ServerSocket {
	if s.opts.DisableClientTracking {
		return nil
	}
	var clients []*ServerSocket
	s.registry.forEach(func(sock *ServerSocket) {
		clients = append(clients, sock)
	})
	return clients
}

func (s *Server) emitError(err error) {
	s.mu.Lock()
	f := s.onError
	s.mu.Unlock()
	if f != nil {
		f(err)
		return
	}
	s.logger.Error("server error", "error", err)
}

// ServeHTTP dispatches protocol requests by method. Requests for other
// paths 404, and requests arriving after shutdown began abort without
// a response.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if s.State() != StateRunning {
		panic(http.ErrAbortHandler)
	}
	if req.URL.Path != s.opts.Path {
		http.NotFound(w, req)
		return
	}
	switch req.Method {
	case http.MethodHead:
		s.handshake(w, req)
	case http.MethodPatch:
		s.poll(w, req)
	case http.MethodDelete:
		s.closeSession(w, req)
	default:
		w.Header().Set("Allow", "HEAD, PATCH, DELETE")
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handshake(w http.ResponseWriter, req *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		http.Error(w, "too many handshakes", http.StatusTooManyRequests)
		return
	}
	sock := s.createSession(newSessionID(), req)
	w.Header().Set(headerSocketID, sock.id)
	w.Header().Set(headerMaxPoolSize, strconv.Itoa(s.opts.MaxConnectionPoolSize))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
}

// createSession inserts a new open session into the registry and
// announces it to the connection callback.
func (s *Server) createSession(id string, req *http.Request) *ServerSocket {
	sock := newServerSocket(s, id)
	metricHandshakes.Inc()
	s.logger.Debug("session opened", "session", id)
	s.mu.Lock()
	f := s.onConnection
	s.mu.Unlock()
	if f != nil {
		f(sock, req)
	}
	return sock
}

func (s *Server) poll(w http.ResponseWriter, req *http.Request) {
	id := req.Header.Get(headerSocketID)
	if id == "" {
		http.Error(w, "Missing Socket-Id", http.StatusBadRequest)
		return
	}
	sock := s.registry.get(id)
	if sock == nil {
		if !s.opts.AllowClientIDs {
			http.Error(w, "Invalid Socket-Id", http.StatusNotFound)
			return
		}
		sock = s.createSession(id, req)
	}
	if limit := effectiveMaxBodyBytes(s.opts.MaxBodyBytes); limit > 0 {
		req.Body = http.MaxBytesReader(w, req.Body, limit)
	}
	sock.poll(w, req)
}

func (s *Server) closeSession(w http.ResponseWriter, req *http.Request) {
	id := req.Header.Get(headerSocketID)
	if id == "" {
		http.Error(w, "Missing Socket-Id", http.StatusBadRequest)
		return
	}
	sock := s.registry.get(id)
	if sock == nil {
		http.Error(w, "Invalid Socket-Id", http.StatusNotFound)
		return
	}
	code, err := strconv.Atoi(req.Header.Get(headerCloseCode))
	if err != nil {
		code = CloseNormal
	}
	sock.closeFromPeer(code, req.Header.Get(headerCloseReason))
	w.WriteHeader(http.StatusOK)
}

// Close shuts the server down: it stops accepting protocol requests,
// terminates every live session, and — when the server owns its
// listener — drains it before the close callback runs. The callback
// is always invoked asynchronously; if the server has already closed
// it receives ErrNotRunning.
func (s *Server) Close(callback func(error)) {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		if callback != nil {
			go callback(ErrNotRunning)
		}
		return
	case StateClosing:
		if callback != nil {
			s.closeCallbacks = append(s.closeCallbacks, callback)
		}
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	if callback != nil {
		s.closeCallbacks = append(s.closeCallbacks, callback)
	}
	s.mu.Unlock()

	s.registry.forEach(func(sock *ServerSocket) {
		sock.terminate()
	})

	go func() {
		if s.ownsListener {
			if err := s.httpServer.Shutdown(context.Background()); err != nil {
				s.emitError(fmt.Errorf("shutdown: %w", err))
			}
		}
		s.finishClose()
	}()
}

func (s *Server) finishClose() {
	s.mu.Lock()
	if s.closeEmitted {
		s.mu.Unlock()
		return
	}
	s.closeEmitted = true
	s.state = StateClosed
	callbacks := s.closeCallbacks
	s.closeCallbacks = nil
	emit := s.onClose
	s.mu.Unlock()

	if emit != nil {
		emit()
	}
	for _, cb := range callbacks {
		cb(nil)
	}
	s.logger.Debug("server closed")
}
