package ports

import (
	"context"

	"github.com/aretw0/syncgw/pkg/domain"
)

// Backend is the client side of the external session actor.
//
// Connect, Process and Close return as soon as the request has been handed to the
// actor; results arrive later as events on the Events channel, scoped to the
// handle they concern. Events for one handle are delivered in order.
type Backend interface {
	// Connect opens a new connection. It fails with domain.ErrBackendUnavailable
	// when the actor cannot be reached.
	Connect(ctx context.Context, opts domain.ConnectOptions) (domain.Handle, error)

	// Process submits one client message on a connection.
	Process(ctx context.Context, h domain.Handle, data []byte, contentType string) error

	// Close ends a connection. normal reports whether the exchange completed.
	Close(ctx context.Context, h domain.Handle, normal bool, message string) error

	// Events returns the channel on which Reply and Abort events are delivered.
	// The channel is shared by all handles and closed when the backend stops.
	Events() <-chan domain.Event
}
