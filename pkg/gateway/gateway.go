package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aretw0/syncgw/internal/logging"
	"github.com/aretw0/syncgw/pkg/adapters/memory"
	"github.com/aretw0/syncgw/pkg/domain"
	"github.com/aretw0/syncgw/pkg/ports"
)

const (
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultReapInterval = 30 * time.Second
	DefaultCallTimeout  = 10 * time.Second
)

// ErrStopped is returned for requests submitted after the control loop exited.
var ErrStopped = fmt.Errorf("%w: gateway stopped", domain.ErrBackendUnavailable)

// Gateway multiplexes client requests onto backend connections.
type Gateway struct {
	backend ports.Backend
	replay  ports.ReplayStore
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	idleTimeout  time.Duration
	reapInterval time.Duration
	callTimeout  time.Duration
	allowed      map[string]struct{}
	transport    string
	targetConfig string

	commands chan func()
	running  atomic.Bool
	done     chan struct{}

	// Owned by the control loop.
	ctx        context.Context
	registry   *Registry
	connecting int
}

// Option configures the Gateway.
type Option func(*Gateway)

// WithLogger configures a logger for the Gateway.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithReplayStore sets the store used to answer resent requests.
func WithReplayStore(store ports.ReplayStore) Option {
	return func(g *Gateway) {
		if store != nil {
			g.replay = store
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) {
		if m != nil {
			g.metrics = m
		}
	}
}

// WithIdleTimeout sets how long a session may stay without activity before it
// is reaped. Zero disables reaping.
func WithIdleTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.idleTimeout = d
	}
}

// WithReapInterval sets how often idle sessions are looked for.
func WithReapInterval(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.reapInterval = d
		}
	}
}

// WithCallTimeout bounds each synchronous call into the backend and the replay store.
func WithCallTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.callTimeout = d
		}
	}
}

// WithAllowedContentTypes restricts the media types that may start a session.
// An empty list accepts any type.
func WithAllowedContentTypes(types ...string) Option {
	return func(g *Gateway) {
		g.allowed = make(map[string]struct{}, len(types))
		for _, t := range types {
			if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
				g.allowed[t] = struct{}{}
			}
		}
	}
}

// WithTransport sets the transport name reported to the backend on Connect.
func WithTransport(name string) Option {
	return func(g *Gateway) {
		g.transport = name
	}
}

// WithTargetConfig sets the backend configuration new connections are opened for.
func WithTargetConfig(name string) Option {
	return func(g *Gateway) {
		g.targetConfig = name
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// New creates a Gateway for the given backend. Run must be called to start it.
func New(backend ports.Backend, opts ...Option) *Gateway {
	g := &Gateway{
		backend:      backend,
		replay:       memory.NewReplayStore(memory.DefaultReplayCapacity),
		logger:       logging.NewNop(),
		now:          time.Now,
		idleTimeout:  DefaultIdleTimeout,
		reapInterval: DefaultReapInterval,
		callTimeout:  DefaultCallTimeout,
		transport:    "HTTP",
		commands:     make(chan func()),
		done:         make(chan struct{}),
		registry:     NewRegistry(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = NewMetrics(nil)
	}
	return g
}

// Run executes the control loop until ctx is cancelled or the loop is stopped.
// On exit every live session is closed and its held request failed.
func (g *Gateway) Run(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return errors.New("gateway: already running")
	}
	g.ctx = ctx
	defer close(g.done)

	var tick <-chan time.Time
	if g.idleTimeout > 0 {
		ticker := time.NewTicker(g.reapInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	events := g.backend.Events()
	g.logger.Info("Gateway started", "idle_timeout", g.idleTimeout)

	for {
		select {
		case <-ctx.Done():
			g.shutdown()
			g.logger.Info("Gateway stopped")
			return nil
		case fn := <-g.commands:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				g.backendGone()
				continue
			}
			g.dispatch(ev)
		case <-tick:
			g.reap()
		}
	}
}

// Done is closed when the control loop has exited.
func (g *Gateway) Done() <-chan struct{} {
	return g.done
}

// do runs fn on the control loop. It reports false if fn could not be submitted.
func (g *Gateway) do(ctx context.Context, fn func()) bool {
	select {
	case g.commands <- fn:
		return true
	case <-ctx.Done():
		return false
	case <-g.done:
		return false
	}
}

// Handle submits a client request and waits for its response.
//
// When ctx ends while the request is held, the request is detached from its
// session: the backend round trip keeps running and its reply is buffered for
// the next request of the same session.
func (g *Gateway) Handle(ctx context.Context, req Request) Response {
	held := newHeldRequest(req, g.now())
	if !g.do(ctx, func() { g.route(held) }) {
		if ctx.Err() != nil {
			return failure(req.SessionID, domain.ErrClientDisconnected)
		}
		return failure(req.SessionID, ErrStopped)
	}

	select {
	case resp := <-held.result:
		return resp
	case <-g.done:
		select {
		case resp := <-held.result:
			return resp
		default:
			return failure(req.SessionID, ErrStopped)
		}
	case <-ctx.Done():
		g.do(context.Background(), func() { g.detach(held) })
		select {
		case resp := <-held.result:
			// The reply won the race with the disconnect.
			return resp
		default:
			return failure(req.SessionID, domain.ErrClientDisconnected)
		}
	}
}

// Stats is a point-in-time view of the control loop's state.
type Stats struct {
	Sessions   int
	Registered int
	Held       int
	// Connecting counts first requests waiting for the backend to open a connection.
	Connecting int
	States     map[domain.SessionID]domain.State
}

// Stats returns a snapshot taken on the control loop.
func (g *Gateway) Stats(ctx context.Context) (Stats, error) {
	result := make(chan Stats, 1)
	ok := g.do(ctx, func() {
		st := Stats{
			Sessions:   g.registry.Len(),
			Registered: g.registry.Registered(),
			Connecting: g.connecting,
			States:     make(map[domain.SessionID]domain.State),
		}
		for _, s := range g.registry.Sessions() {
			if s.pending != nil {
				st.Held++
			}
			if s.id != "" {
				st.States[s.id] = s.state
			}
		}
		result <- st
	})
	if !ok {
		if ctx.Err() != nil {
			return Stats{}, ctx.Err()
		}
		return Stats{}, ErrStopped
	}
	return <-result, nil
}

// Sweep reaps idle sessions immediately and returns how many were closed.
func (g *Gateway) Sweep(ctx context.Context) (int, error) {
	result := make(chan int, 1)
	if !g.do(ctx, func() { result <- g.reap() }) {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, ErrStopped
	}
	return <-result, nil
}

// callContext bounds one synchronous call made from the control loop.
func (g *Gateway) callContext() (context.Context, context.CancelFunc) {
	parent := g.ctx
	if parent == nil || parent.Err() != nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, g.callTimeout)
}

func (g *Gateway) acceptsType(contentType string) bool {
	if len(g.allowed) == 0 {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	_, ok := g.allowed[strings.ToLower(mediaType)]
	return ok
}
