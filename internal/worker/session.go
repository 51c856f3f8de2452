// Copyright 2025 James Ross
package worker

import (
	"sync"
	"time"
)

// Session is a per-kind bag a handler can stash reusable state in (a
// parsed template, a connection to some downstream the handler calls
// repeatedly). It is created lazily on first dispatch for a kind and
// torn down on session-fatal errors, max_tasks_per_child exhaustion, or
// worker shutdown.
type Session struct {
	Kind      string
	Data      map[string]interface{}
	CreatedAt time.Time
}

// SessionManager owns the one Session per job kind a worker goroutine
// pool dispatches. Handlers address their own Data keys; the manager
// only owns the lifecycle.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: map[string]*Session{}}
}

// Get returns the session for kind, creating one on first use.
func (m *SessionManager) Get(kind string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[kind]
	if !ok {
		s = &Session{Kind: kind, Data: map[string]interface{}{}, CreatedAt: time.Now()}
		m.sessions[kind] = s
	}
	return s
}

// Teardown discards the session for kind, if any.
func (m *SessionManager) Teardown(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, kind)
}

// TeardownAll discards every session, for worker shutdown or a
// max_tasks_per_child restart.
func (m *SessionManager) TeardownAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = map[string]*Session{}
}
