// Copyright 2026 The Pollsock Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package pollsock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pollsock/go-sdk/internal/wire"
)

// retryPause is the fixed pause between poll retries and between
// close-handshake DELETE attempts.
const retryPause = time.Second

// closeRetries is how many times the close DELETE is attempted before
// giving up.
const closeRetries = 3

// ClientOptions configures a ClientSocket.
type ClientOptions struct {
	// MaxPoolSize caps the number of concurrent PATCH requests kept in
	// flight; the effective pool is the smaller of this and the
	// server's advertised maximum. Defaults to 2.
	MaxPoolSize int

	// BufferTime is how long Send waits before flushing, coalescing
	// rapid sends into one PATCH body.
	BufferTime time.Duration

	// RequestHeaders are applied to every request.
	RequestHeaders http.Header

	// DisableInterruptClose suppresses the interrupt hook that closes
	// the socket with 1001 when the process receives SIGINT or SIGTERM.
	DisableInterruptClose bool

	// HTTPClient is used for all requests; http.DefaultClient if nil.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// A ClientSocket is the client's end of a session. After Connect it
// keeps a pool of PATCH requests in flight against the server, each a
// held-open reverse channel for server messages; outbound messages
// ride in the PATCH bodies.
type ClientSocket struct {
	url    string
	opts   ClientOptions
	client *http.Client
	logger *slog.Logger

	// ctx is cancelled on close to release in-flight polls.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu             sync.Mutex
	state          SocketState
	sessionID      string
	serverMaxPool  int
	poolSize       int
	buffer         []any
	bufferedAmount int
	bufferTimer    *time.Timer
	stopSignals    func()

	onOpen       func()
	onMessage    func(v any)
	onClose      func(code int, reason string)
	closeEmitted bool
}

// NewClientSocket returns a socket in the connecting state. Register
// callbacks, then call Connect.
func NewClientSocket(url string, opts *ClientOptions) *ClientSocket {
	var o ClientOptions
	if opts != nil {
		o = *opts
	}
	if o.MaxPoolSize <= 0 {
		o.MaxPoolSize = 2
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ClientSocket{
		url:    url,
		opts:   o,
		client: o.HTTPClient,
		logger: o.Logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  SocketConnecting,
	}
}

// OnOpen registers the callback invoked once the handshake completes.
func (c *ClientSocket) OnOpen(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = f
}

// OnMessage registers the callback invoked once per received message,
// in batch order.
func (c *ClientSocket) OnMessage(f func(v any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = f
}

// OnClose registers the callback invoked when the socket closes. It
// fires at most once.
func (c *ClientSocket) OnClose(f func(code int, reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = f
}

// State returns the socket's lifecycle state.
func (c *ClientSocket) State() SocketState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the identifier received in the handshake, or ""
// before the socket is open.
func (c *ClientSocket) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// BufferedAmount returns the number of messages buffered and not yet
// handed to a PATCH request.
func (c *ClientSocket) BufferedAmount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bufferedAmount
}

// Connect performs the HEAD handshake and, on success, transitions the
// socket to open and starts the request pool. A handshake failure
// closes the socket with CloseProtocolError and returns the error.
func (c *ClientSocket) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url, nil)
	if err != nil {
		return c.failConnect(fmt.Errorf("error while connecting: %w", err))
	}
	c.applyHeaders(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return c.failConnect(fmt.Errorf("error while connecting: %w", err))
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.failConnect(fmt.Errorf("%d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)))
	}

	id := resp.Header.Get(headerSocketID)
	maxPool, perr := strconv.Atoi(resp.Header.Get(headerMaxPoolSize))
	if id == "" || resp.Header.Get(headerMaxPoolSize) == "" || perr != nil {
		return c.failConnect(fmt.Errorf("server returned malformed data"))
	}
	if maxPool < 1 {
		maxPool = 1
	}

	c.mu.Lock()
	c.sessionID = id
	c.serverMaxPool = maxPool
	c.state = SocketOpen
	open := c.onOpen
	c.mu.Unlock()

	c.logger.Debug("socket open", "session", id, "serverMaxPool", maxPool)
	if open != nil {
		open()
	}
	if !c.opts.DisableInterruptClose {
		c.watchInterrupt()
	}
	c.fillPool()
	return nil
}

func (c *ClientSocket) failConnect(err error) error {
	c.closeInternal(CloseProtocolError, err.Error(), false)
	return err
}

// watchInterrupt closes the socket with CloseGoingAway when the
// process is interrupted, so the server learns the client went away.
func (c *ClientSocket) watchInterrupt() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	c.mu.Lock()
	c.stopSignals = func() { signal.Stop(ch) }
	c.mu.Unlock()
	go func() {
		select {
		case <-ch:
			c.Close(CloseGoingAway, "client is shutting down")
		case <-c.done:
		}
	}()
}

func (c *ClientSocket) applyHeaders(req *http.Request) {
	for k, vs := range c.opts.RequestHeaders {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

func (c *ClientSocket) maxPoolLocked() int {
	return min(c.serverMaxPool, c.opts.MaxPoolSize)
}

// takeSnapshotLocked atomically claims the outbound buffer for one
// PATCH body.
func (c *ClientSocket) takeSnapshotLocked() []any {
	snapshot := c.buffer
	c.buffer = nil
	c.bufferedAmount = 0
	return snapshot
}

// fillPool starts PATCH requests until the pool is full. The pool
// count is incremented before each goroutine starts, so concurrent
// fills cannot burst past the cap.
func (c *ClientSocket) fillPool() {
	for {
		c.mu.Lock()
		if c.state != SocketOpen || c.poolSize >= c.maxPoolLocked() {
			c.mu.Unlock()
			return
		}
		c.poolSize++
		snapshot := c.takeSnapshotLocked()
		c.mu.Unlock()
		go c.poll(snapshot)
	}
}

// poll issues one PATCH carrying snapshot and dispatches on the
// outcome. Transport errors restore the snapshot and retry after a
// fixed pause; a 404 means the server no longer knows the session and
// a 410 carries the server's close handshake.
func (c *ClientSocket) poll(snapshot []any) {
	body, err := wire.EncodeBatch(snapshot)
	if err != nil {
		c.logger.Warn("dropping unencodable batch", "error", err)
		body = wire.EmptyBatch
	}

	req, err := http.NewRequestWithContext(c.ctx, http.MethodPatch, c.url, bytes.NewReader(body))
	if err != nil {
		c.releaseSlot()
		return
	}
	c.applyHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSocketID, c.SessionID())

	resp, err := c.client.Do(req)
	if err != nil {
		c.mu.Lock()
		if c.state != SocketOpen {
			c.poolSize--
			c.mu.Unlock()
			return
		}
		// Put the snapshot back at the front so ordering is preserved
		// for the next attempt.
		c.buffer = append(append([]any{}, snapshot...), c.buffer...)
		c.bufferedAmount = len(c.buffer)
		c.mu.Unlock()

		select {
		case <-time.After(retryPause):
		case <-c.done:
			c.releaseSlot()
			return
		}
		c.releaseSlot()
		c.fillPool()
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.releaseSlot()
		c.closeInternal(CloseNormal, "socket was closed by server", false)
		return

	case resp.StatusCode == http.StatusInternalServerError:
		c.releaseSlot()
		c.closeInternal(CloseProtocolError, "internal server error", true)
		return

	case (resp.StatusCode < 200 || resp.StatusCode >= 300) && resp.StatusCode != http.StatusGone:
		// The snapshot is dropped and the slot is not released here.
		// This mirrors the reference behavior; see DESIGN.md.
		c.fillPool()
		return
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.releaseSlot()
		c.fillPool()
		return
	}
	items, err := wire.DecodeBatch(data)
	if err != nil {
		c.fillPool()
		return
	}

	c.mu.Lock()
	handler := c.onMessage
	c.mu.Unlock()
	for _, item := range items {
		if handler != nil {
			handler(item)
		}
	}
	c.releaseSlot()

	if resp.StatusCode == http.StatusGone {
		code, cerr := strconv.Atoi(resp.Header.Get(headerCloseCode))
		if cerr != nil {
			code = CloseNormal
		}
		c.closeInternal(code, resp.Header.Get(headerCloseReason), false)
		return
	}
	c.fillPool()
}

func (c *ClientSocket) releaseSlot() {
	c.mu.Lock()
	c.poolSize--
	c.mu.Unlock()
}

// Send queues data for the next PATCH. It returns ErrConnecting before
// the handshake completes; after close begins, data is dropped
// silently.
func (c *ClientSocket) Send(data any) error {
	c.mu.Lock()
	switch c.state {
	case SocketConnecting:
		c.mu.Unlock()
		return ErrConnecting
	case SocketClosing, SocketClosed:
		c.mu.Unlock()
		return nil
	}
	c.buffer = append(c.buffer, data)
	c.bufferedAmount++
	if c.bufferTimer == nil {
		c.bufferTimer = time.AfterFunc(c.opts.BufferTime, c.flushBuffer)
	}
	c.mu.Unlock()
	return nil
}

// flushBuffer fires when the send debounce elapses: it starts one
// extra PATCH to carry the accumulated buffer. A transient pool
// overshoot is trimmed as requests complete.
func (c *ClientSocket) flushBuffer() {
	c.mu.Lock()
	c.bufferTimer = nil
	if c.state != SocketOpen || len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	c.poolSize++
	snapshot := c.takeSnapshotLocked()
	c.mu.Unlock()
	go c.poll(snapshot)
}

// Close performs the close handshake: the close callback fires, a
// DELETE informs the server (retried on network error), and the socket
// ends closed. Closing an already closing or closed socket is a no-op.
func (c *ClientSocket) Close(code int, reason string) {
	c.closeInternal(code, reason, true)
}

func (c *ClientSocket) closeInternal(code int, reason string, sendDelete bool) {
	c.mu.Lock()
	if c.state == SocketClosing || c.state == SocketClosed {
		c.mu.Unlock()
		return
	}
	c.state = SocketClosing
	sessionID := c.sessionID
	emit := c.emitCloseLocked()
	c.mu.Unlock()

	if emit != nil {
		emit(code, reason)
	}

	if sendDelete && sessionID != "" {
		for attempt := 0; attempt < closeRetries; attempt++ {
			req, err := http.NewRequest(http.MethodDelete, c.url, nil)
			if err != nil {
				break
			}
			c.applyHeaders(req)
			req.Header.Set(headerSocketID, sessionID)
			req.Header.Set(headerCloseCode, strconv.Itoa(code))
			req.Header.Set(headerCloseReason, reason)
			resp, err := c.client.Do(req)
			if err == nil {
				resp.Body.Close()
				break
			}
			c.logger.Debug("close delete failed", "attempt", attempt+1, "error", err)
			time.Sleep(retryPause)
		}
	}

	c.mu.Lock()
	c.state = SocketClosed
	if c.bufferTimer != nil {
		c.bufferTimer.Stop()
		c.bufferTimer = nil
	}
	stop := c.stopSignals
	c.stopSignals = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	c.cancel()
	close(c.done)
	c.logger.Debug("socket closed", "code", code, "reason", reason)
}

func (c *ClientSocket) emitCloseLocked() func(code int, reason string) {
	if c.closeEmitted {
		return nil
	}
	c.closeEmitted = true
	return c.onClose
}
