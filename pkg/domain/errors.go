package domain

import (
	"errors"
	"net/http"
)

// ErrProtocolViolation is returned when a request is not valid for the session it
// addresses (e.g. a resend while a backend round trip is outstanding) or carries an
// unsupported message type.
var ErrProtocolViolation = errors.New("protocol violation")

// ErrUnknownSession is returned when a session id is neither live nor replayable.
var ErrUnknownSession = errors.New("unknown session")

// ErrBackendUnavailable is returned when the backend actor cannot be reached.
var ErrBackendUnavailable = errors.New("backend unavailable")

// ErrBackendAborted is returned when the backend aborted the connection.
var ErrBackendAborted = errors.New("backend aborted")

// ErrClientDisconnected is returned when the client went away while its request was held.
var ErrClientDisconnected = errors.New("client disconnected")

// ErrSessionExpired is returned when the idle reaper tears a session down.
var ErrSessionExpired = errors.New("session expired")

// ErrPayloadTooLarge is returned when a request body exceeds the configured limit.
var ErrPayloadTooLarge = errors.New("payload too large")

// ErrReplayMiss is returned by replay stores when no entry exists for a session.
var ErrReplayMiss = errors.New("replay entry not found")

// StatusCode maps a gateway error to the HTTP status it is answered with.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrBackendAborted):
		return http.StatusBadGateway
	case errors.Is(err, ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrSessionExpired):
		return http.StatusGatewayTimeout
	default:
		// ErrProtocolViolation and anything unexpected.
		return http.StatusInternalServerError
	}
}
