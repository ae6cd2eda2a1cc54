// Copyright 2026 The Pollsock Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package pollsock

import "sync"

// sessionRegistry maps session IDs to live sessions. A session is
// present exactly while its state is open or closing. The registry is
// owned by a Server; its lifetime matches the server's.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*ServerSocket
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*ServerSocket)}
}

func (r *sessionRegistry) set(id string, s *ServerSocket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = s
}

func (r *sessionRegistry) get(id string) *ServerSocket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

func (r *sessionRegistry) delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// forEach calls f on a snapshot of the live sessions, so f may mutate
// the registry (terminating a session removes it).
func (r *sessionRegistry) forEach(f func(*ServerSocket)) {
	r.mu.Lock()
	snapshot := make([]*ServerSocket, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()
	for _, s := range snapshot {
		f(s)
	}
}

func (r *sessionRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
