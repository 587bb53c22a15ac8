/*
Package gateway bridges a stateless request/response transport to an
asynchronous backend session actor.

A client conversation is a sequence of requests. The first request opens a
backend connection; every later request names the session with the id the
backend assigned on its first reply. Each request is held open until the
backend reports a Reply (or Abort) for the connection, arbitrarily later.

# Control loop

All sessions, the registry and the handle index are owned by a single goroutine,
started with Gateway.Run. Transport goroutines talk to it only by message
passing (Gateway.Handle), and backend events are consumed from
ports.Backend.Events by the same loop, so no session field needs a lock.

# Resends

A request that repeats the last answered request of a session byte for byte is
answered from a ports.ReplayStore without invoking the backend again. Entries
are kept per session, so concurrent exchanges never evict each other's replay
protection (unless the store is deliberately sized to a single slot).

# Lifecycle

	NEW -> WAITING_BACKEND -> WAITING_CLIENT -> WAITING_BACKEND -> ... -> CLOSED

A session is closed by a final Reply, an Abort, the idle reaper, or shutdown.
*/
package gateway
