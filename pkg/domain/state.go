package domain

// State is the lifecycle position of a gateway session.
type State int

const (
	// StateNew is the initial state, before the first request was forwarded.
	StateNew State = iota
	// StateWaitingBackend means a request was forwarded and a reply is pending.
	StateWaitingBackend
	// StateWaitingClient means a non-final reply was delivered and the session
	// is idle until the client sends its next message.
	StateWaitingClient
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateWaitingBackend:
		return "WAITING_BACKEND"
	case StateWaitingClient:
		return "WAITING_CLIENT"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
