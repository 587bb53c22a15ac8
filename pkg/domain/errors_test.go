package domain_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/aretw0/syncgw/pkg/domain"
	"github.com/stretchr/testify/assert"
)

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"unknown session", domain.ErrUnknownSession, http.StatusNotFound},
		{"wrapped unknown session", fmt.Errorf("lookup S1: %w", domain.ErrUnknownSession), http.StatusNotFound},
		{"protocol violation", domain.ErrProtocolViolation, http.StatusInternalServerError},
		{"backend unavailable", domain.ErrBackendUnavailable, http.StatusServiceUnavailable},
		{"backend aborted", domain.ErrBackendAborted, http.StatusBadGateway},
		{"expired", domain.ErrSessionExpired, http.StatusGatewayTimeout},
		{"too large", domain.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.StatusCode(tt.err))
		})
	}
}

func TestReplayEntry_Matches(t *testing.T) {
	entry := &domain.ReplayEntry{SessionID: "S1", Request: []byte("HELLO"), Reply: []byte("WORLD")}

	assert.True(t, entry.Matches("S1", []byte("HELLO")))
	assert.False(t, entry.Matches("S2", []byte("HELLO")))
	assert.False(t, entry.Matches("S1", []byte("HELLO ")))

	var missing *domain.ReplayEntry
	assert.False(t, missing.Matches("S1", []byte("HELLO")))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "NEW", domain.StateNew.String())
	assert.Equal(t, "WAITING_BACKEND", domain.StateWaitingBackend.String())
	assert.Equal(t, "WAITING_CLIENT", domain.StateWaitingClient.String())
	assert.Equal(t, "CLOSED", domain.StateClosed.String())
}
