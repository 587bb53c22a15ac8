package domain

import (
	"bytes"
	"time"
)

// ReplayEntry remembers the most recently completed exchange of one session,
// so that a retransmission of the request can be answered without involving
// the backend again.
type ReplayEntry struct {
	SessionID   SessionID         `json:"session_id"`
	Request     []byte            `json:"request"`
	Reply       []byte            `json:"reply"`
	ContentType string            `json:"content_type"`
	Meta        map[string]string `json:"meta,omitempty"`
	StoredAt    time.Time         `json:"stored_at"`
}

// Matches reports whether a request is a byte-identical resend of the entry's request.
func (e *ReplayEntry) Matches(id SessionID, body []byte) bool {
	if e == nil {
		return false
	}
	return e.SessionID == id && bytes.Equal(e.Request, body)
}
