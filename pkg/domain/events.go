package domain

// EventKind defines the category of a backend event.
type EventKind string

const (
	EventReply EventKind = "reply"
	EventAbort EventKind = "abort"
)

// Reply is the payload of a Reply event.
type Reply struct {
	Data        []byte            `json:"data,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	Final       bool              `json:"final,omitempty"`
	// SessionID is the id the backend assigns to the exchange. Only the first
	// reply of an exchange is required to carry it.
	SessionID SessionID `json:"session,omitempty"`
}

// Event is an asynchronous notification scoped to one connection handle.
type Event struct {
	Handle Handle    `json:"handle"`
	Kind   EventKind `json:"kind"`
	Reply  *Reply    `json:"reply,omitempty"`
}

// NewReplyEvent builds a Reply event for a handle.
func NewReplyEvent(h Handle, r Reply) Event {
	return Event{Handle: h, Kind: EventReply, Reply: &r}
}

// NewAbortEvent builds an Abort event for a handle.
func NewAbortEvent(h Handle) Event {
	return Event{Handle: h, Kind: EventAbort}
}
