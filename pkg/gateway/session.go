package gateway

import (
	"fmt"
	"time"

	"github.com/aretw0/syncgw/pkg/domain"
)

// Request is one inbound client message.
type Request struct {
	// SessionID is empty for the first message of an exchange.
	SessionID   domain.SessionID
	Body        []byte
	ContentType string
	// Peer and URL describe the client for the backend's ConnectOptions.
	Peer string
	URL  string
}

// Response is the answer to a Request. Err is set for every non-200 status.
type Response struct {
	Status      int
	Body        []byte
	ContentType string
	Meta        map[string]string
	SessionID   domain.SessionID
	Replayed    bool
	Err         error
}

func failure(id domain.SessionID, err error) Response {
	return Response{Status: domain.StatusCode(err), SessionID: id, Err: err}
}

// heldRequest is a client request whose response is deferred until a backend event.
// It is only touched by the control loop.
type heldRequest struct {
	req     Request
	result  chan Response
	since   time.Time
	session *Session
	done    bool
}

func newHeldRequest(req Request, now time.Time) *heldRequest {
	return &heldRequest{
		req:    req,
		result: make(chan Response, 1),
		since:  now,
	}
}

// complete answers the request. Later calls are ignored.
func (h *heldRequest) complete(resp Response) bool {
	if h.done {
		return false
	}
	h.done = true
	h.result <- resp
	return true
}

// bufferedReply is a Reply that arrived while no client request was held.
type bufferedReply struct {
	reply   domain.Reply
	request []byte
}

// Session bridges one backend connection to a sequence of client requests.
type Session struct {
	id       domain.SessionID
	handle   domain.Handle
	state    domain.State
	pending  *heldRequest
	buffered *bufferedReply
	// request is the body of the message most recently forwarded to the backend.
	request []byte

	createdAt  time.Time
	lastActive time.Time
}

func newSession(h domain.Handle, now time.Time) *Session {
	return &Session{
		handle:     h,
		state:      domain.StateNew,
		createdAt:  now,
		lastActive: now,
	}
}

// ID returns the backend assigned id, empty before the first reply.
func (s *Session) ID() domain.SessionID { return s.id }

// Handle returns the backend connection owned by the session.
func (s *Session) Handle() domain.Handle { return s.handle }

// State returns the lifecycle state.
func (s *Session) State() domain.State { return s.state }

var transitions = map[domain.State][]domain.State{
	domain.StateNew:            {domain.StateWaitingBackend, domain.StateClosed},
	domain.StateWaitingBackend: {domain.StateWaitingClient, domain.StateClosed},
	domain.StateWaitingClient:  {domain.StateWaitingBackend, domain.StateClosed},
}

// transition moves the session to a new state.
func (s *Session) transition(to domain.State) error {
	for _, allowed := range transitions[s.state] {
		if allowed == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: invalid transition %s -> %s", domain.ErrProtocolViolation, s.state, to)
}

// hold attaches a client request to the session. An older held request is
// failed with a protocol violation and discarded first.
func (s *Session) hold(h *heldRequest) {
	if s.pending != nil && s.pending != h {
		s.pending.complete(failure(s.id, fmt.Errorf("%w: superseded by a newer request", domain.ErrProtocolViolation)))
		s.pending.session = nil
	}
	h.session = s
	s.pending = h
}

// release detaches and returns the held request, if any.
func (s *Session) release() *heldRequest {
	h := s.pending
	if h != nil {
		h.session = nil
	}
	s.pending = nil
	return h
}

func (s *Session) touch(now time.Time) {
	s.lastActive = now
}

func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(s.lastActive)
}
