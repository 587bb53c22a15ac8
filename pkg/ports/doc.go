/*
Package ports defines the driven ports (interfaces) of the sync gateway.

These interfaces decouple the gateway's control loop from the backend actor it
bridges to and from the storage used for replaying retransmitted requests.

# Key Interfaces

  - Backend: the asynchronous session actor (Connect, Process, Close, Events).
  - ReplayStore: remembers the last completed exchange per session for idempotent resends.
*/
package ports
