// Copyright 2026 The Pollsock Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package pollsock

import (
	"sync"
	"testing"
	"time"
)

func newBareServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(&ServerOptions{NoServer: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		done := make(chan struct{})
		srv.Close(func(error) { close(done) })
		<-done
	})
	return srv
}

func TestSendWithoutParkedAccumulates(t *testing.T) {
	srv := newBareServer(t)
	s := newServerSocket(srv, "sess-accumulate")

	s.Send("a")
	s.Send("b")

	// The zero buffer time fires on the next tick; with nothing
	// parked, the buffer must survive the flush.
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.flushTimer == nil
	})
	s.mu.Lock()
	n := len(s.outbound)
	s.mu.Unlock()
	if n != 2 {
		t.Errorf("outbound buffer has %d messages, want 2", n)
	}
	if srv.registry.get("sess-accumulate") != s {
		t.Error("session not registered")
	}
}

func TestTerminateEmitsCloseOnce(t *testing.T) {
	srv := newBareServer(t)
	s := newServerSocket(srv, "sess-terminate")

	type closeEvent struct {
		code   int
		reason string
	}
	var events []closeEvent
	var mu sync.Mutex
	s.OnClose(func(code int, reason string) {
		mu.Lock()
		events = append(events, closeEvent{code, reason})
		mu.Unlock()
	})

	s.terminate()
	s.terminate()

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("close fired %d times, want 1", len(events))
	}
	if events[0].code != CloseNormal || events[0].reason != "socket was terminated" {
		t.Errorf("close event = %+v, want (1000, socket was terminated)", events[0])
	}
	if srv.registry.get("sess-terminate") != nil {
		t.Error("session still registered after terminate")
	}
	if s.State() != SocketClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
}

func TestCloseThenTerminateEmitsOnce(t *testing.T) {
	srv := newBareServer(t)
	s := newServerSocket(srv, "sess-close-twice")

	var count int
	var mu sync.Mutex
	s.OnClose(func(code int, reason string) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	s.Close(CloseNormal, "done") // no parked response: stays closing
	s.Close(CloseNormal, "again")
	s.terminate()

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("close fired %d times, want 1", count)
	}
}

func TestSendAfterCloseDropped(t *testing.T) {
	srv := newBareServer(t)
	s := newServerSocket(srv, "sess-drop")

	s.Close(CloseNormal, "done")
	s.Send("late")
	s.mu.Lock()
	n := len(s.outbound)
	s.mu.Unlock()
	if n != 0 {
		t.Errorf("outbound buffer has %d messages after close, want 0", n)
	}
}

func TestTerminateStopsFlushTimer(t *testing.T) {
	srv, err := NewServer(&ServerOptions{NoServer: true, BufferTime: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		done := make(chan struct{})
		srv.Close(func(error) { close(done) })
		<-done
	})
	s := newServerSocket(srv, "sess-timer")

	s.Send("x")
	s.mu.Lock()
	hasTimer := s.flushTimer != nil
	s.mu.Unlock()
	if !hasTimer {
		t.Fatal("no flush timer pending after send")
	}
	s.terminate()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushTimer != nil {
		t.Error("flush timer still pending after terminate")
	}
}
