package memory

import (
	"context"
	"fmt"

	"github.com/aretw0/syncgw/pkg/domain"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultReplayCapacity is the number of sessions whose last exchange is remembered.
const DefaultReplayCapacity = 1024

// ReplayStore implements ports.ReplayStore as a bounded LRU keyed by session id.
// Safe for concurrent use.
//
// A capacity of one reproduces a single global resend slot: every stored
// exchange evicts the previous one, whatever session it belonged to.
type ReplayStore struct {
	cache *lru.Cache[domain.SessionID, domain.ReplayEntry]
}

// NewReplayStore creates a store remembering at most capacity sessions.
// Non-positive capacities fall back to DefaultReplayCapacity.
func NewReplayStore(capacity int) *ReplayStore {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	cache, err := lru.New[domain.SessionID, domain.ReplayEntry](capacity)
	if err != nil {
		// Only returned for non-positive sizes, which are excluded above.
		panic(fmt.Sprintf("memory: replay cache: %v", err))
	}
	return &ReplayStore{cache: cache}
}

// Get returns the entry of a session.
func (s *ReplayStore) Get(ctx context.Context, id domain.SessionID) (*domain.ReplayEntry, error) {
	entry, ok := s.cache.Get(id)
	if !ok {
		return nil, domain.ErrReplayMiss
	}
	return copyEntry(entry), nil
}

// Put stores an entry, replacing the previous one of the same session.
func (s *ReplayStore) Put(ctx context.Context, entry domain.ReplayEntry) error {
	s.cache.Add(entry.SessionID, *copyEntry(entry))
	return nil
}

// Invalidate drops the entry of a session.
func (s *ReplayStore) Invalidate(ctx context.Context, id domain.SessionID) error {
	s.cache.Remove(id)
	return nil
}

// Len returns the number of remembered sessions.
func (s *ReplayStore) Len() int {
	return s.cache.Len()
}

// copyEntry isolates stored entries from callers, similar to serialization.
func copyEntry(e domain.ReplayEntry) *domain.ReplayEntry {
	out := e
	out.Request = append([]byte(nil), e.Request...)
	out.Reply = append([]byte(nil), e.Reply...)
	if e.Meta != nil {
		out.Meta = make(map[string]string, len(e.Meta))
		for k, v := range e.Meta {
			out.Meta[k] = v
		}
	}
	return &out
}
