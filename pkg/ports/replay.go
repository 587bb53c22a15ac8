package ports

import (
	"context"

	"github.com/aretw0/syncgw/pkg/domain"
)

// ReplayStore keeps at most one ReplayEntry per session.
type ReplayStore interface {
	// Get returns the entry for a session.
	// Returns domain.ErrReplayMiss if there is none.
	Get(ctx context.Context, id domain.SessionID) (*domain.ReplayEntry, error)

	// Put stores an entry, replacing any previous entry of the same session.
	Put(ctx context.Context, entry domain.ReplayEntry) error

	// Invalidate drops the entry of a session. Missing entries are not an error.
	Invalidate(ctx context.Context, id domain.SessionID) error
}
