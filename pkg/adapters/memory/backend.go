package memory

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aretw0/syncgw/pkg/domain"
	"github.com/google/uuid"
)

// Actor handles a message submitted on a connection. It runs on the goroutine
// that called Process and reports results through Conn.Reply and Conn.Abort,
// which never block.
type Actor func(conn *Conn, data []byte, contentType string)

// Submission records one Process call.
type Submission struct {
	Handle      domain.Handle
	Data        []byte
	ContentType string
}

// CloseRecord records how a connection was closed.
type CloseRecord struct {
	Normal  bool
	Message string
}

// Conn is one open connection of the in-memory backend.
type Conn struct {
	handle  domain.Handle
	opts    domain.ConnectOptions
	backend *Backend
	replies int
}

// Handle returns the connection handle.
func (c *Conn) Handle() domain.Handle { return c.handle }

// Options returns the options the connection was opened with.
func (c *Conn) Options() domain.ConnectOptions { return c.opts }

// Replies returns the number of replies sent on the connection so far.
func (c *Conn) Replies() int {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	return c.replies
}

// Reply emits a Reply event for this connection.
func (c *Conn) Reply(r domain.Reply) {
	c.backend.mu.Lock()
	c.replies++
	c.backend.mu.Unlock()
	c.backend.Emit(domain.NewReplyEvent(c.handle, r))
}

// Abort emits an Abort event and invalidates the connection.
func (c *Conn) Abort() {
	c.backend.Abort(c.handle)
}

// Backend implements ports.Backend in memory.
// It is used by tests to script the actor and by the "echo" backend mode.
// Safe for concurrent use.
type Backend struct {
	mu          sync.Mutex
	actor       Actor
	conns       map[domain.Handle]*Conn
	closes      map[domain.Handle]CloseRecord
	submissions []Submission
	connectErr  error
	processErr  error
	connectGate chan struct{}
	waiting     int

	// Events are queued without bound and pumped in order, so that an actor
	// replying from inside Process never blocks the caller.
	queue  []domain.Event
	notify chan struct{}
	events chan domain.Event
	done   chan struct{}
	stop   sync.Once
}

// BackendOption configures the Backend.
type BackendOption func(*Backend)

// WithActor sets the function answering Process calls.
// Without an actor the backend only records submissions; tests then drive
// events through Reply, Abort and Emit.
func WithActor(actor Actor) BackendOption {
	return func(b *Backend) {
		b.actor = actor
	}
}

// NewBackend creates a new in-memory backend and starts its event pump.
func NewBackend(opts ...BackendOption) *Backend {
	b := &Backend{
		conns:  make(map[domain.Handle]*Conn),
		closes: make(map[domain.Handle]CloseRecord),
		notify: make(chan struct{}, 1),
		events: make(chan domain.Event),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.pump()
	return b
}

// FailConnect makes subsequent Connect calls fail with err. nil restores success.
func (b *Backend) FailConnect(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErr = err
}

// FailProcess makes subsequent Process calls fail with err. nil restores success.
func (b *Backend) FailProcess(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processErr = err
}

// HoldConnect makes Connect calls wait until release is called, as a slow
// actor would.
func (b *Backend) HoldConnect() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.connectGate = gate
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.connectGate == gate {
				b.connectGate = nil
			}
			b.mu.Unlock()
			close(gate)
		})
	}
}

// PendingConnects returns the number of Connect calls held by HoldConnect.
func (b *Backend) PendingConnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiting
}

// Connect opens a new connection.
func (b *Backend) Connect(ctx context.Context, opts domain.ConnectOptions) (domain.Handle, error) {
	if b.stopped() {
		return "", fmt.Errorf("%w: backend stopped", domain.ErrBackendUnavailable)
	}
	b.mu.Lock()
	if gate := b.connectGate; gate != nil {
		b.waiting++
		b.mu.Unlock()
		var err error
		select {
		case <-gate:
		case <-ctx.Done():
			err = ctx.Err()
		}
		b.mu.Lock()
		b.waiting--
		if err != nil {
			b.mu.Unlock()
			return "", fmt.Errorf("%w: connect: %v", domain.ErrBackendUnavailable, err)
		}
	}
	defer b.mu.Unlock()
	if b.connectErr != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, b.connectErr)
	}
	h := domain.Handle(uuid.NewString())
	b.conns[h] = &Conn{handle: h, opts: opts, backend: b}
	return h, nil
}

// Process records the submission and hands it to the actor.
func (b *Backend) Process(ctx context.Context, h domain.Handle, data []byte, contentType string) error {
	b.mu.Lock()
	if b.processErr != nil {
		err := b.processErr
		b.mu.Unlock()
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	conn, ok := b.conns[h]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: unknown handle %s", domain.ErrBackendUnavailable, h)
	}
	payload := append([]byte(nil), data...)
	b.submissions = append(b.submissions, Submission{Handle: h, Data: payload, ContentType: contentType})
	actor := b.actor
	b.mu.Unlock()

	if actor != nil {
		actor(conn, payload, contentType)
	}
	return nil
}

// Close ends a connection. Closing an unknown handle is a no-op.
func (b *Backend) Close(ctx context.Context, h domain.Handle, normal bool, message string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conns[h]; !ok {
		return nil
	}
	delete(b.conns, h)
	b.closes[h] = CloseRecord{Normal: normal, Message: message}
	return nil
}

// Events returns the event channel.
func (b *Backend) Events() <-chan domain.Event {
	return b.events
}

// Emit queues an arbitrary event, including events for handles that were never opened.
func (b *Backend) Emit(ev domain.Event) {
	b.mu.Lock()
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Reply emits a Reply event for a handle.
func (b *Backend) Reply(h domain.Handle, r domain.Reply) {
	b.mu.Lock()
	if conn, ok := b.conns[h]; ok {
		conn.replies++
	}
	b.mu.Unlock()
	b.Emit(domain.NewReplyEvent(h, r))
}

// Abort emits an Abort event for a handle and forgets the connection.
func (b *Backend) Abort(h domain.Handle) {
	b.mu.Lock()
	delete(b.conns, h)
	b.mu.Unlock()
	b.Emit(domain.NewAbortEvent(h))
}

// Submissions returns all Process calls in order.
func (b *Backend) Submissions() []Submission {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Submission, len(b.submissions))
	copy(out, b.submissions)
	return out
}

// ProcessCount returns the number of Process calls so far.
func (b *Backend) ProcessCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.submissions)
}

// Closed reports how a handle was closed.
func (b *Backend) Closed(h domain.Handle) (CloseRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.closes[h]
	return rec, ok
}

// Open returns the handles of all open connections.
func (b *Backend) Open() []domain.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Handle, 0, len(b.conns))
	for h := range b.conns {
		out = append(out, h)
	}
	return out
}

// Stop stops the event pump and closes the event channel.
func (b *Backend) Stop() {
	b.stop.Do(func() { close(b.done) })
}

func (b *Backend) stopped() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *Backend) pump() {
	defer close(b.events)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 {
			b.mu.Unlock()
			select {
			case <-b.notify:
			case <-b.done:
				return
			}
			b.mu.Lock()
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		select {
		case b.events <- ev:
		case <-b.done:
			return
		}
	}
}

var echoSessions atomic.Int64

// EchoActor answers every message with itself. The first reply of a connection
// carries a fresh session id, and the message "BYE" is answered with a final reply.
func EchoActor() Actor {
	return func(conn *Conn, data []byte, contentType string) {
		r := domain.Reply{
			Data:        append([]byte(nil), data...),
			ContentType: contentType,
			Final:       bytes.Equal(bytes.TrimSpace(data), []byte("BYE")),
		}
		if conn.Replies() == 0 {
			r.SessionID = domain.SessionID(fmt.Sprintf("echo-%d", echoSessions.Add(1)))
		}
		conn.Reply(r)
	}
}
