package gateway

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/aretw0/syncgw/internal/logging"
	"github.com/aretw0/syncgw/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []domain.State
		wantErr bool
	}{
		{"full exchange", []domain.State{domain.StateWaitingBackend, domain.StateWaitingClient, domain.StateWaitingBackend, domain.StateClosed}, false},
		{"close before first reply", []domain.State{domain.StateWaitingBackend, domain.StateClosed}, false},
		{"skip backend round trip", []domain.State{domain.StateWaitingClient}, true},
		{"reopen closed", []domain.State{domain.StateClosed, domain.StateWaitingBackend}, true},
		{"double submit", []domain.State{domain.StateWaitingBackend, domain.StateWaitingBackend}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession("h1", time.Now())
			var err error
			for _, to := range tt.path {
				if err = s.transition(to); err != nil {
					break
				}
			}
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrProtocolViolation)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.path[len(tt.path)-1], s.State())
			}
		})
	}
}

func TestSession_HoldSupersedes(t *testing.T) {
	s := newSession("h1", time.Now())
	s.id = "S1"
	first := newHeldRequest(Request{SessionID: "S1", Body: []byte("a")}, time.Now())
	second := newHeldRequest(Request{SessionID: "S1", Body: []byte("b")}, time.Now())

	s.hold(first)
	s.hold(second)

	select {
	case resp := <-first.result:
		assert.ErrorIs(t, resp.Err, domain.ErrProtocolViolation)
		assert.Equal(t, domain.SessionID("S1"), resp.SessionID)
	default:
		t.Fatal("superseded request was not answered")
	}
	assert.Nil(t, first.session)
	assert.Same(t, s, second.session)

	released := s.release()
	assert.Same(t, second, released)
	assert.Nil(t, released.session)
	assert.Nil(t, s.release())
}

func TestHeldRequest_CompleteOnce(t *testing.T) {
	h := newHeldRequest(Request{}, time.Now())
	assert.True(t, h.complete(Response{Status: 200}))
	assert.False(t, h.complete(Response{Status: 500}))
	assert.Equal(t, 200, (<-h.result).Status)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a := newSession("ha", base)
	b := newSession("hb", base.Add(time.Second))
	r.Track(b)
	r.Track(a)

	_, ok := r.Lookup("A")
	assert.False(t, ok, "sessions without id are not visible by id")
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 0, r.Registered())

	a.id = "A"
	r.Register(a)
	got, ok := r.Lookup("A")
	require.True(t, ok)
	assert.Same(t, a, got)

	owner, ok := r.Owner("hb")
	require.True(t, ok)
	assert.Same(t, b, owner)

	assert.Equal(t, []*Session{a, b}, r.Sessions(), "oldest first")

	// A replaced entry is not removed by its former holder.
	impostor := newSession("hx", base)
	impostor.id = "A"
	r.Remove(impostor)
	_, ok = r.Lookup("A")
	assert.True(t, ok)

	r.Remove(a)
	_, ok = r.Lookup("A")
	assert.False(t, ok)
	_, ok = r.Owner("ha")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestGateway_AdvanceLogsRejectedTransition(t *testing.T) {
	var buf bytes.Buffer
	g := New(nil, WithLogger(logging.NewWithWriter(&buf, slog.LevelDebug, "text")))
	s := newSession("h1", time.Now())

	g.advance(s, domain.StateWaitingClient)
	assert.Equal(t, domain.StateNew, s.State())
	assert.Contains(t, buf.String(), "Invalid session transition")
	assert.Contains(t, buf.String(), "NEW -> WAITING_CLIENT")

	buf.Reset()
	g.advance(s, domain.StateWaitingBackend)
	assert.Equal(t, domain.StateWaitingBackend, s.State())
	assert.Empty(t, buf.String())
}
