package session

import (
	"fmt"
	"sync"
)

// Registry is the process-wide set of connected sessions.
//
// Lookups and updates hold the lock only for map access; iteration is
// always over a copied snapshot so slow sends never block the registry.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
	}
}

// Add registers s. It fails when a session with the same ID is present.
func (r *Registry) Add(s *Session) error {
	if s == nil {
		return fmt.Errorf("session is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID()]; exists {
		return fmt.Errorf("session %s already registered", s.ID())
	}
	r.sessions[s.ID()] = s
	if s.UserID() != "" {
		userSessions, ok := r.byUser[s.UserID()]
		if !ok {
			userSessions = make(map[string]*Session)
			r.byUser[s.UserID()] = userSessions
		}
		userSessions[s.ID()] = s
	}
	return nil
}

// Remove unregisters the session with id and returns it.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	if userSessions, ok := r.byUser[s.UserID()]; ok {
		delete(userSessions, id)
		if len(userSessions) == 0 {
			delete(r.byUser, s.UserID())
		}
	}
	return s, true
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	n := len(r.sessions)
	r.mu.RUnlock()
	return n
}

// Snapshot copies the sessions matching match. A nil predicate matches all.
func (r *Registry) Snapshot(match Predicate) []*Session {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	if match == nil {
		return all
	}
	matched := all[:0]
	for _, s := range all {
		if match(s) {
			matched = append(matched, s)
		}
	}
	return matched
}

// ByUser copies the sessions owned by userID.
func (r *Registry) ByUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userSessions := r.byUser[userID]
	out := make([]*Session, 0, len(userSessions))
	for _, s := range userSessions {
		out = append(out, s)
	}
	return out
}
