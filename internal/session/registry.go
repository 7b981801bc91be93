// File: internal/session/registry.go
// Description: Single-slot ownership of the physical screen and input
// devices. Exactly one session may run per process; the slot is an explicit
// resource so tests can construct independent instances.
package session

import (
	"errors"
	"sync"
)

// ErrSessionBusy is returned when a session is already running. The caller
// must stop it or wait for it to finish.
var ErrSessionBusy = errors.New("a session is already running")

// Registry holds at most one active session and remembers the most recent
// one so its final status stays observable after it finishes.
type Registry struct {
	mu     sync.Mutex
	active *Session
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Acquire installs s as the active session. It fails with ErrSessionBusy
// while a previous session has not reached a terminal status.
func (r *Registry) Acquire(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil && !r.active.Status().Terminal() {
		return ErrSessionBusy
	}
	r.active = s
	return nil
}

// Active returns the current (possibly finished) session, or nil when none
// was ever started.
func (r *Registry) Active() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Get resolves a session by id. Only the registry's single slot is searched;
// ids of evicted sessions are gone.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.active.ID() != id {
		return nil, false
	}
	return r.active, true
}

// StopActive requests a stop on the running session, if any. Idempotent:
// stopping a terminal or absent session is a no-op.
func (r *Registry) StopActive() {
	r.mu.Lock()
	s := r.active
	r.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}
