// Copyright 2026 The Pollsock Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package pollsock

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pollsock/go-sdk/internal/wire"
)

// A ServerSocket is the server's half of one session. It owns the
// outbound message buffer, the queue of parked HTTP responses, and a
// single-slot flush timer. It lives in the server's registry from the
// handshake until termination.
type ServerSocket struct {
	id     string
	srv    *Server
	logger *slog.Logger

	mu          sync.Mutex
	state       SocketState
	outbound    []any
	parked      []*parkedResponse
	flushTimer  *time.Timer
	closeCode   int
	closeReason string

	onMessage func(any)
	onClose   func(code int, reason string)
	// closeEmitted guards the at-most-once close callback, shared by
	// the Close, terminate and peer-DELETE paths.
	closeEmitted bool
}

// A parkedResponse stands in for an HTTP response whose handler
// goroutine is blocked waiting for data. The session completes it by
// delivering a payload on ch; the handler observes peer disconnect
// through the request context. ch is 1-buffered and each parked
// response is completed at most once, after it has been popped from
// the queue.
type parkedResponse struct {
	ch chan flushPayload
}

type flushPayload struct {
	status      int
	body        []byte
	closeCode   int
	closeReason string
	abort       bool
}

func (p *parkedResponse) complete(pl flushPayload) {
	select {
	case p.ch <- pl:
	default:
	}
}

func newServerSocket(srv *Server, id string) *ServerSocket {
	s := &ServerSocket{
		id:     id,
		srv:    srv,
		logger: srv.logger.With("session", id),
		state:  SocketOpen,
	}
	srv.registry.set(id, s)
	metricSessionsActive.Inc()
	return s
}

// SessionID returns the session's identifier.
func (s *ServerSocket) SessionID() string { return s.id }

// State returns the session's lifecycle state.
func (s *ServerSocket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnMessage registers the callback invoked once per message received
// from the client, in batch order.
func (s *ServerSocket) OnMessage(f func(v any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = f
}

// OnClose registers the callback invoked when the session closes. It
// fires at most once, whichever of the close paths runs first.
func (s *ServerSocket) OnClose(f func(code int, reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = f
}

// emitCloseLocked claims the at-most-once close emission and returns
// the callback to invoke, or nil if close was already emitted. Callers
// must invoke the returned callback after releasing s.mu.
func (s *ServerSocket) emitCloseLocked() func(code int, reason string) {
	if s.closeEmitted {
		return nil
	}
	s.closeEmitted = true
	return s.onClose
}

// drainLocked encodes and clears the outbound buffer.
func (s *ServerSocket) drainLocked() []byte {
	body, err := wire.EncodeBatch(s.outbound)
	if err != nil {
		s.logger.Warn("dropping unencodable outbound batch", "error", err)
		body = wire.EmptyBatch
	}
	metricMessages.WithLabelValues("out").Add(float64(len(s.outbound)))
	s.outbound = nil
	return body
}

// poll handles one PATCH request for this session. It delivers any
// messages carried in the request body, then either answers
// immediately (close drain, or pending data with no flush timer) or
// parks the response until the session has something to say.
func (s *ServerSocket) poll(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	if s.state == SocketClosed {
		s.mu.Unlock()
		// Destroy the transport without writing a response.
		panic(http.ErrAbortHandler)
	}
	s.mu.Unlock()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeBodyTooLarge(w)
			return
		}
		body = nil
	}
	if len(body) > 0 {
		// A missing or malformed body is tolerated silently.
		if items, err := wire.DecodeBatch(body); err == nil {
			s.mu.Lock()
			handler := s.onMessage
			s.mu.Unlock()
			metricMessages.WithLabelValues("in").Add(float64(len(items)))
			for _, item := range items {
				if handler != nil {
					handler(item)
				}
			}
		}
	}

	s.mu.Lock()
	switch {
	case s.state == SocketClosed:
		// Terminated while the body was being read.
		s.mu.Unlock()
		panic(http.ErrAbortHandler)

	case s.state == SocketClosing:
		code, reason := s.closeCode, s.closeReason
		flushed := s.drainLocked()
		s.mu.Unlock()
		writeGone(w, code, reason, flushed)
		s.terminate()
		return

	case len(s.outbound) > 0 && s.flushTimer == nil:
		flushed := s.drainLocked()
		s.mu.Unlock()
		writeBatch(w, http.StatusOK, flushed)
		return
	}

	// Park the response. If that overflows the pool, the oldest parked
	// response is released immediately with an empty payload.
	p := &parkedResponse{ch: make(chan flushPayload, 1)}
	s.parked = append(s.parked, p)
	metricParked.Inc()
	var evicted *parkedResponse
	if len(s.parked) > s.srv.opts.MaxConnectionPoolSize {
		evicted = s.parked[0]
		s.parked = s.parked[1:]
	}
	s.mu.Unlock()

	if evicted != nil {
		evicted.complete(flushPayload{status: http.StatusOK, body: wire.EmptyBatch})
		metricEvictions.Inc()
		s.logger.Debug("evicted oldest parked response")
	}

	select {
	case pl := <-p.ch:
		s.writePayload(w, pl)
	case <-req.Context().Done():
		// The peer abandoned the request. Drop the park; if a pop
		// raced the disconnect the completion is already on its way,
		// so take it (the write just fails on the dead connection).
		if !s.removeParked(p) {
			s.writePayload(w, <-p.ch)
			return
		}
		metricParked.Dec()
	}
}

func (s *ServerSocket) writePayload(w http.ResponseWriter, pl flushPayload) {
	metricParked.Dec()
	if pl.abort {
		panic(http.ErrAbortHandler)
	}
	if pl.status == http.StatusGone {
		writeGone(w, pl.closeCode, pl.closeReason, pl.body)
		return
	}
	writeBatch(w, pl.status, pl.body)
}

// removeParked removes p from the parked queue, reporting whether it
// was still queued.
func (s *ServerSocket) removeParked(p *parkedResponse) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.parked {
		if q == p {
			s.parked = append(s.parked[:i], s.parked[i+1:]...)
			return true
		}
	}
	return false
}

// Send queues a message for delivery to the client. Messages sent
// within the server's buffer time coalesce into one response body.
// Sends after Close are discarded.
func (s *ServerSocket) Send(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SocketOpen {
		return
	}
	s.outbound = append(s.outbound, v)
	if s.flushTimer != nil {
		return
	}
	// A zero buffer time still defers to the timer goroutine, so rapid
	// successive sends coalesce.
	s.flushTimer = time.AfterFunc(s.srv.opts.BufferTime, s.flush)
}

// flush fires when the buffer timer elapses. With no parked response
// available the buffer simply accumulates until the next poll.
func (s *ServerSocket) flush() {
	s.mu.Lock()
	s.flushTimer = nil
	if s.state != SocketOpen || len(s.parked) == 0 || len(s.outbound) == 0 {
		s.mu.Unlock()
		return
	}
	p := s.parked[0]
	s.parked = s.parked[1:]
	flushed := s.drainLocked()
	s.mu.Unlock()
	p.complete(flushPayload{status: http.StatusOK, body: flushed})
}

// Close starts an orderly shutdown of the session. Any buffered
// messages are delivered with the final 410 response: immediately if a
// parked response is available, otherwise on the client's next poll.
func (s *ServerSocket) Close(code int, reason string) {
	s.mu.Lock()
	if s.state != SocketOpen {
		s.mu.Unlock()
		return
	}
	s.state = SocketClosing
	s.closeCode, s.closeReason = code, reason
	emit := s.emitCloseLocked()
	var p *parkedResponse
	var flushed []byte
	if len(s.parked) > 0 {
		p = s.parked[0]
		s.parked = s.parked[1:]
		flushed = s.drainLocked()
	}
	s.mu.Unlock()

	if emit != nil {
		emit(code, reason)
	}
	if p != nil {
		p.complete(flushPayload{
			status:      http.StatusGone,
			body:        flushed,
			closeCode:   code,
			closeReason: reason,
		})
		s.terminate()
	}
}

// closeFromPeer handles a DELETE from the client: the session goes
// straight to closed with the peer's code and reason.
func (s *ServerSocket) closeFromPeer(code int, reason string) {
	s.shutdown(code, reason)
}

// terminate tears the session down unconditionally: it leaves the
// registry, the flush timer is cancelled, and every remaining parked
// response is destroyed without a body.
func (s *ServerSocket) terminate() {
	s.shutdown(CloseNormal, "socket was terminated")
}

func (s *ServerSocket) shutdown(code int, reason string) {
	s.mu.Lock()
	if s.state == SocketClosed {
		s.mu.Unlock()
		return
	}
	s.state = SocketClosed
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	parked := s.parked
	s.parked = nil
	emit := s.emitCloseLocked()
	s.mu.Unlock()

	s.srv.registry.delete(s.id)
	metricSessionsActive.Dec()
	if emit != nil {
		emit(code, reason)
	}
	for _, p := range parked {
		p.complete(flushPayload{abort: true})
	}
	s.logger.Debug("session terminated", "code", code, "reason", reason)
}

func writeBatch(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeGone(w http.ResponseWriter, code int, reason string, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(headerCloseCode, strconv.Itoa(code))
	w.Header().Set(headerCloseReason, reason)
	w.WriteHeader(http.StatusGone)
	w.Write(body)
}
