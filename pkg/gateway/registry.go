package gateway

import (
	"sort"

	"github.com/aretw0/syncgw/pkg/domain"
)

// Registry indexes live sessions by id and by backend handle.
//
// It is not safe for concurrent use; the control loop is its only user.
// Every non-closed session is tracked by handle, while only sessions that
// received their first reply are visible by id.
type Registry struct {
	byID     map[domain.SessionID]*Session
	byHandle map[domain.Handle]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[domain.SessionID]*Session),
		byHandle: make(map[domain.Handle]*Session),
	}
}

// Track indexes a session by its handle.
func (r *Registry) Track(s *Session) {
	r.byHandle[s.handle] = s
}

// Register makes a session visible by id. The session must have an id.
func (r *Registry) Register(s *Session) {
	if s.id == "" {
		return
	}
	r.byID[s.id] = s
}

// Lookup returns the live session with the given id.
func (r *Registry) Lookup(id domain.SessionID) (*Session, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// Owner returns the session currently owning a handle.
func (r *Registry) Owner(h domain.Handle) (*Session, bool) {
	s, ok := r.byHandle[h]
	return s, ok
}

// Remove drops a session from both indexes. Entries that were replaced by
// another session are left alone.
func (r *Registry) Remove(s *Session) {
	if cur, ok := r.byHandle[s.handle]; ok && cur == s {
		delete(r.byHandle, s.handle)
	}
	if s.id != "" {
		if cur, ok := r.byID[s.id]; ok && cur == s {
			delete(r.byID, s.id)
		}
	}
}

// Sessions returns all tracked sessions, oldest first.
func (r *Registry) Sessions() []*Session {
	out := make([]*Session, 0, len(r.byHandle))
	for _, s := range r.byHandle {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	return len(r.byHandle)
}

// Registered returns the number of sessions visible by id.
func (r *Registry) Registered() int {
	return len(r.byID)
}
