package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aretw0/syncgw/pkg/domain"
	"github.com/google/uuid"
)

// route decides how a request is served: start, replay, claim, continue or reject.
func (g *Gateway) route(h *heldRequest) {
	req := h.req
	if req.SessionID == "" {
		g.start(h)
		return
	}

	if entry, ok := g.lookupReplay(req.SessionID); ok && entry.Matches(req.SessionID, req.Body) {
		g.logger.Debug("Answering resend from replay store", "session_id", req.SessionID)
		if s, live := g.registry.Lookup(req.SessionID); live && s.buffered != nil && bytes.Equal(s.buffered.request, req.Body) {
			// The replay delivers the buffered reply; it must not block the next message.
			s.buffered = nil
			s.touch(g.now())
		}
		g.metrics.request(routeReplay, nil)
		g.metrics.replays.Inc()
		h.complete(Response{
			Status:      http.StatusOK,
			Body:        entry.Reply,
			ContentType: entry.ContentType,
			Meta:        entry.Meta,
			SessionID:   req.SessionID,
			Replayed:    true,
		})
		return
	}

	s, ok := g.registry.Lookup(req.SessionID)
	if !ok {
		g.reject(h, fmt.Errorf("%w: %s", domain.ErrUnknownSession, req.SessionID))
		return
	}

	if s.state != domain.StateWaitingClient {
		// A resend that arrived while the backend round trip is still outstanding.
		g.reject(h, fmt.Errorf("%w: session %s is %s", domain.ErrProtocolViolation, s.id, s.state))
		return
	}

	if s.buffered != nil {
		g.claim(s, h)
		return
	}

	g.continueSession(s, h)
}

func (g *Gateway) reject(h *heldRequest, err error) {
	g.logger.Warn("Rejecting request", "session_id", h.req.SessionID, "err", err)
	g.metrics.request(routeReject, err)
	h.complete(failure(h.req.SessionID, err))
}

func (g *Gateway) lookupReplay(id domain.SessionID) (*domain.ReplayEntry, bool) {
	ctx, cancel := g.callContext()
	defer cancel()

	entry, err := g.replay.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrReplayMiss) {
			g.logger.Warn("Replay store lookup failed, treating as miss", "session_id", id, "err", err)
		}
		return nil, false
	}
	return entry, true
}

// start opens a backend connection for a request without session id. Connect
// may wait on the actor, so it runs off the control loop and its result is
// posted back to connected.
func (g *Gateway) start(h *heldRequest) {
	req := h.req
	if !g.acceptsType(req.ContentType) {
		g.reject(h, fmt.Errorf("%w: unsupported message type %q", domain.ErrProtocolViolation, req.ContentType))
		return
	}

	opts := domain.ConnectOptions{
		Description:  req.Peer,
		Transport:    g.transport,
		TargetConfig: g.targetConfig,
		URL:          req.URL,
	}
	ctx, cancel := g.callContext()
	g.connecting++
	go func() {
		defer cancel()
		handle, err := g.backend.Connect(ctx, opts)
		if g.do(context.Background(), func() { g.connected(h, handle, err) }) || err != nil {
			return
		}
		// The control loop is gone and nobody owns the connection.
		closeCtx, closeCancel := context.WithTimeout(context.Background(), g.callTimeout)
		defer closeCancel()
		if cerr := g.backend.Close(closeCtx, handle, false, "gateway stopped"); cerr != nil {
			g.logger.Warn("Backend close failed", "handle", handle, "err", cerr)
		}
	}()
}

// connected submits the first message on a freshly opened connection and
// starts tracking the session. A client that went away during Connect does
// not cancel the session; its reply is buffered.
func (g *Gateway) connected(h *heldRequest, handle domain.Handle, err error) {
	g.connecting--
	req := h.req
	if err != nil {
		g.logger.Error("Backend connect failed", "peer", req.Peer, "err", err)
		g.metrics.request(routeStart, err)
		h.complete(failure("", unavailable(err)))
		return
	}

	ctx, cancel := g.callContext()
	defer cancel()

	if err := g.backend.Process(ctx, handle, req.Body, req.ContentType); err != nil {
		g.logger.Error("Backend process failed on new connection", "handle", handle, "err", err)
		if cerr := g.backend.Close(ctx, handle, false, "process failed"); cerr != nil {
			g.logger.Warn("Backend close failed", "handle", handle, "err", cerr)
		}
		g.metrics.request(routeStart, err)
		h.complete(failure("", unavailable(err)))
		return
	}

	s := newSession(handle, g.now())
	s.request = req.Body
	if !h.done {
		s.hold(h)
	}
	g.advance(s, domain.StateWaitingBackend)
	g.registry.Track(s)
	g.metrics.sessionsActive.Inc()
	g.metrics.request(routeStart, nil)
	g.logger.Debug("Session started", "handle", handle, "peer", req.Peer)
}

// continueSession forwards the next client message of a session in WAITING_CLIENT.
// On failure the session is left exactly as it was.
func (g *Gateway) continueSession(s *Session, h *heldRequest) {
	ctx, cancel := g.callContext()
	defer cancel()

	if err := g.backend.Process(ctx, s.handle, h.req.Body, h.req.ContentType); err != nil {
		g.logger.Error("Backend process failed", "session_id", s.id, "handle", s.handle, "err", err)
		g.metrics.request(routeContinue, err)
		h.complete(failure(s.id, unavailable(err)))
		return
	}

	if err := g.replay.Invalidate(ctx, s.id); err != nil {
		g.logger.Warn("Replay store invalidate failed", "session_id", s.id, "err", err)
	}

	s.request = h.req.Body
	s.hold(h)
	s.touch(g.now())
	g.advance(s, domain.StateWaitingBackend)
	g.metrics.request(routeContinue, nil)
}

// claim serves a request from the reply buffered while no request was held.
// Only a retransmission of the request that produced the reply may claim it.
func (g *Gateway) claim(s *Session, h *heldRequest) {
	b := s.buffered
	if !bytes.Equal(b.request, h.req.Body) {
		g.reject(h, fmt.Errorf("%w: session %s has an unclaimed reply", domain.ErrProtocolViolation, s.id))
		return
	}
	s.buffered = nil
	s.touch(g.now())
	g.metrics.request(routeClaim, nil)
	h.complete(Response{
		Status:      http.StatusOK,
		Body:        b.reply.Data,
		ContentType: b.reply.ContentType,
		Meta:        b.reply.Meta,
		SessionID:   s.id,
	})
}

// detach forgets a held request whose client went away. The session is not
// cancelled; its reply will be buffered.
func (g *Gateway) detach(h *heldRequest) {
	if h.done {
		return
	}
	h.done = true
	if s := h.session; s != nil && s.pending == h {
		s.release()
		g.logger.Info("Client disconnected while request held", "session_id", s.id, "handle", s.handle)
	}
}

// dispatch delivers a backend event to the session owning its handle.
func (g *Gateway) dispatch(ev domain.Event) {
	g.metrics.events.WithLabelValues(string(ev.Kind)).Inc()

	s, ok := g.registry.Owner(ev.Handle)
	if !ok {
		g.metrics.staleEvents.Inc()
		g.logger.Debug("Dropping event for unowned handle", "handle", ev.Handle, "kind", ev.Kind)
		return
	}

	switch ev.Kind {
	case domain.EventReply:
		var r domain.Reply
		if ev.Reply != nil {
			r = *ev.Reply
		}
		g.onReply(s, r)
	case domain.EventAbort:
		g.onAbort(s)
	default:
		g.logger.Warn("Ignoring unknown event kind", "handle", ev.Handle, "kind", ev.Kind)
	}
}

func (g *Gateway) onReply(s *Session, r domain.Reply) {
	now := g.now()
	s.touch(now)

	if s.id == "" {
		id := r.SessionID
		if id == "" {
			id = domain.SessionID(uuid.NewString())
		}
		if other, live := g.registry.Lookup(id); live && other != s {
			g.teardown(s, closeConflict, true, false, "duplicate session id",
				fmt.Errorf("%w: backend reused live session id %s", domain.ErrProtocolViolation, id))
			return
		}
		s.id = id
		g.registry.Register(s)
		g.logger.Debug("Session registered", "session_id", id, "handle", s.handle)
	}

	if h := s.release(); h != nil {
		g.metrics.roundTrip.Observe(now.Sub(h.since).Seconds())
		h.complete(Response{
			Status:      http.StatusOK,
			Body:        r.Data,
			ContentType: r.ContentType,
			Meta:        r.Meta,
			SessionID:   s.id,
		})
	} else if !r.Final {
		if s.buffered != nil {
			// Two replies without a client request in between.
			g.teardown(s, closeConflict, true, false, "unclaimed reply",
				fmt.Errorf("%w: reply arrived while an earlier one is unclaimed", domain.ErrProtocolViolation))
			return
		}
		s.buffered = &bufferedReply{reply: r, request: s.request}
		g.logger.Debug("Buffered reply without held request", "session_id", s.id)
	}

	if len(r.Data) > 0 {
		g.remember(s, r)
	}

	if r.Final {
		g.teardown(s, closeFinal, true, true, "", nil)
		return
	}
	g.advance(s, domain.StateWaitingClient)
}

// advance moves a session to a new state. A rejected transition leaves the
// state unchanged and is logged.
func (g *Gateway) advance(s *Session, to domain.State) {
	if err := s.transition(to); err != nil {
		g.logger.Warn("Invalid session transition", "session_id", s.id, "handle", s.handle, "err", err)
	}
}

// remember stores the exchange so that a resend of the request can be replayed.
func (g *Gateway) remember(s *Session, r domain.Reply) {
	ctx, cancel := g.callContext()
	defer cancel()

	entry := domain.ReplayEntry{
		SessionID:   s.id,
		Request:     s.request,
		Reply:       r.Data,
		ContentType: r.ContentType,
		Meta:        r.Meta,
		StoredAt:    g.now(),
	}
	if err := g.replay.Put(ctx, entry); err != nil {
		g.logger.Warn("Replay store put failed", "session_id", s.id, "err", err)
	}
}

func (g *Gateway) onAbort(s *Session) {
	g.logger.Info("Backend aborted session", "session_id", s.id, "handle", s.handle)
	// The handle is invalid after an abort, so it is not closed.
	g.teardown(s, closeAbort, false, false, "", domain.ErrBackendAborted)
}

// teardown moves a session to CLOSED, fails its held request with err (if any)
// and optionally closes its backend connection.
func (g *Gateway) teardown(s *Session, reason string, closeConn, normal bool, message string, err error) {
	if s.state == domain.StateClosed {
		return
	}
	if h := s.release(); h != nil {
		if err == nil {
			err = fmt.Errorf("%w: session closed (%s)", domain.ErrBackendAborted, reason)
		}
		h.complete(failure(s.id, err))
	}
	s.buffered = nil
	g.advance(s, domain.StateClosed)
	g.registry.Remove(s)
	g.metrics.sessionsActive.Dec()
	g.metrics.closed.WithLabelValues(reason).Inc()

	if closeConn {
		ctx, cancel := g.callContext()
		defer cancel()
		if cerr := g.backend.Close(ctx, s.handle, normal, message); cerr != nil {
			g.logger.Warn("Backend close failed", "session_id", s.id, "handle", s.handle, "err", cerr)
		}
	}
	g.logger.Debug("Session closed", "session_id", s.id, "handle", s.handle, "reason", reason)
}

// reap closes sessions idle for longer than the idle timeout.
func (g *Gateway) reap() int {
	if g.idleTimeout <= 0 {
		return 0
	}
	now := g.now()
	n := 0
	for _, s := range g.registry.Sessions() {
		if s.idleSince(now) <= g.idleTimeout {
			continue
		}
		g.logger.Info("Reaping idle session", "session_id", s.id, "handle", s.handle, "state", s.state)
		g.teardown(s, closeIdle, true, false, "idle timeout", domain.ErrSessionExpired)
		n++
	}
	return n
}

// backendGone tears down every session after the backend's event stream ended.
func (g *Gateway) backendGone() {
	g.logger.Error("Backend event stream closed", "sessions", g.registry.Len())
	for _, s := range g.registry.Sessions() {
		g.teardown(s, closeBackend, false, false, "",
			fmt.Errorf("%w: backend event stream closed", domain.ErrBackendAborted))
	}
}

func (g *Gateway) shutdown() {
	for _, s := range g.registry.Sessions() {
		g.teardown(s, closeShutdown, true, false, "gateway shutdown", ErrStopped)
	}
}

func unavailable(err error) error {
	if errors.Is(err, domain.ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
}
