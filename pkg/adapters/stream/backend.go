package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/syncgw/internal/logging"
	"github.com/aretw0/syncgw/pkg/domain"
	"github.com/google/uuid"
)

// DefaultConnectTimeout bounds the wait for a "connected" acknowledgement.
const DefaultConnectTimeout = 10 * time.Second

// Backend implements ports.Backend over a stream of newline delimited JSON
// messages exchanged with an actor process.
type Backend struct {
	conn           io.ReadWriteCloser
	enc            *Encoder
	logger         *slog.Logger
	connectTimeout time.Duration
	wait           func() error

	mu      sync.Mutex
	nextID  uint64
	acks    map[uint64]chan error
	open    map[domain.Handle]struct{}
	queue   []domain.Event
	drained bool
	err     error

	notify  chan struct{}
	events  chan domain.Event
	dead    chan struct{}
	stopped chan struct{}
	failed  sync.Once
	stop    sync.Once
}

// Option configures the Backend.
type Option func(*Backend)

// WithLogger configures a logger for the Backend.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithConnectTimeout bounds how long Connect waits for the actor.
func WithConnectTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.connectTimeout = d
		}
	}
}

// New starts a Backend on conn. The Backend owns conn from now on.
func New(conn io.ReadWriteCloser, opts ...Option) *Backend {
	b := newBackend(opts...)
	b.start(conn, nil)
	return b
}

func newBackend(opts ...Option) *Backend {
	b := &Backend{
		logger:         logging.NewNop(),
		connectTimeout: DefaultConnectTimeout,
		acks:           make(map[uint64]chan error),
		open:           make(map[domain.Handle]struct{}),
		notify:         make(chan struct{}, 1),
		events:         make(chan domain.Event),
		dead:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// start attaches conn and begins reading. wait, if set, runs once the stream
// has ended and reaps a spawned process.
func (b *Backend) start(conn io.ReadWriteCloser, wait func() error) {
	b.conn = conn
	b.enc = NewEncoder(conn)
	b.wait = wait
	go b.read()
	go b.pump()
}

// Connect asks the actor for a new connection and waits for its acknowledgement.
func (b *Backend) Connect(ctx context.Context, opts domain.ConnectOptions) (domain.Handle, error) {
	if err := b.alive(); err != nil {
		return "", err
	}

	h := domain.Handle(uuid.NewString())
	ack := make(chan error, 1)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.acks[id] = ack
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.acks, id)
		b.mu.Unlock()
	}()

	if err := b.send(Request{Op: OpConnect, ID: id, Handle: h, Options: &opts}); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, b.connectTimeout)
	defer cancel()

	select {
	case err := <-ack:
		if err != nil {
			return "", fmt.Errorf("%w: connect refused: %v", domain.ErrBackendUnavailable, err)
		}
		b.mu.Lock()
		b.open[h] = struct{}{}
		b.mu.Unlock()
		return h, nil
	case <-b.dead:
		return "", b.alive()
	case <-ctx.Done():
		return "", fmt.Errorf("%w: connect: %v", domain.ErrBackendUnavailable, ctx.Err())
	}
}

// Process submits a message on an open connection.
func (b *Backend) Process(ctx context.Context, h domain.Handle, data []byte, contentType string) error {
	if err := b.alive(); err != nil {
		return err
	}
	if !b.isOpen(h) {
		return fmt.Errorf("%w: unknown handle %s", domain.ErrBackendUnavailable, h)
	}
	return b.send(Request{Op: OpProcess, Handle: h, Data: data, ContentType: contentType})
}

// Close ends a connection. Closing an unknown handle, or any handle after the
// stream ended, is a no-op.
func (b *Backend) Close(ctx context.Context, h domain.Handle, normal bool, message string) error {
	b.mu.Lock()
	_, ok := b.open[h]
	delete(b.open, h)
	b.mu.Unlock()
	if !ok || b.alive() != nil {
		return nil
	}
	return b.send(Request{Op: OpClose, Handle: h, Normal: normal, Message: message})
}

// Events returns the event channel. It is closed after the stream ended and
// every open connection received an Abort.
func (b *Backend) Events() <-chan domain.Event {
	return b.events
}

// Stop closes the stream. Events not yet delivered are discarded.
func (b *Backend) Stop() error {
	var err error
	b.stop.Do(func() {
		close(b.stopped)
		if b.alive() == nil {
			err = b.conn.Close()
		}
	})
	return err
}

// Done is closed when the stream has ended.
func (b *Backend) Done() <-chan struct{} {
	return b.dead
}

func (b *Backend) alive() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Backend) isOpen(h domain.Handle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.open[h]
	return ok
}

func (b *Backend) send(req Request) error {
	if err := b.enc.Encode(req); err != nil {
		b.fail(err)
		return fmt.Errorf("%w: write %s: %v", domain.ErrBackendUnavailable, req.Op, err)
	}
	return nil
}

func (b *Backend) read() {
	dec := NewDecoder(b.conn)
	for {
		var msg Message
		err := dec.Decode(&msg)
		var syntax *SyntaxError
		switch {
		case errors.As(err, &syntax):
			b.logger.Warn("Skipping malformed backend message", "err", err, "line", syntax.Line)
			continue
		case err != nil:
			b.fail(err)
			if b.wait != nil {
				if werr := b.wait(); werr != nil {
					b.logger.Warn("Backend process exited", "err", werr)
				} else {
					b.logger.Info("Backend process exited")
				}
			}
			return
		}
		b.receive(msg)
	}
}

func (b *Backend) receive(msg Message) {
	switch msg.Event {
	case EventConnected:
		b.mu.Lock()
		ack, ok := b.acks[msg.ID]
		b.mu.Unlock()
		if !ok {
			b.logger.Debug("Dropping late connect acknowledgement", "id", msg.ID, "handle", msg.Handle)
			return
		}
		var err error
		if msg.Error != "" {
			err = errors.New(msg.Error)
		}
		select {
		case ack <- err:
		default:
		}
	case EventReply:
		b.push(domain.NewReplyEvent(msg.Handle, msg.Reply))
	case EventAbort:
		b.mu.Lock()
		delete(b.open, msg.Handle)
		b.mu.Unlock()
		b.push(domain.NewAbortEvent(msg.Handle))
	default:
		b.logger.Warn("Ignoring unknown backend message", "event", msg.Event, "handle", msg.Handle)
	}
}

// fail marks the stream as ended, aborts every open connection and lets the
// pump close the event channel once drained.
func (b *Backend) fail(cause error) {
	b.failed.Do(func() {
		if errors.Is(cause, io.EOF) {
			b.logger.Info("Backend stream closed")
		} else {
			b.logger.Error("Backend stream failed", "err", cause)
		}

		b.mu.Lock()
		b.err = fmt.Errorf("%w: stream ended: %v", domain.ErrBackendUnavailable, cause)
		for h := range b.open {
			b.queue = append(b.queue, domain.NewAbortEvent(h))
		}
		b.open = make(map[domain.Handle]struct{})
		b.drained = true
		b.mu.Unlock()

		close(b.dead)
		b.wake()
		_ = b.conn.Close()
	})
}

func (b *Backend) push(ev domain.Event) {
	b.mu.Lock()
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	b.wake()
}

func (b *Backend) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// pump delivers queued events in order so that the reader never blocks on
// the gateway while the gateway waits for a connect acknowledgement.
func (b *Backend) pump() {
	defer close(b.events)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 {
			if b.drained {
				b.mu.Unlock()
				return
			}
			b.mu.Unlock()
			select {
			case <-b.notify:
			case <-b.stopped:
				return
			}
			b.mu.Lock()
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		select {
		case b.events <- ev:
		case <-b.stopped:
			return
		}
	}
}
