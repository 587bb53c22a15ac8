/*
Package syncgw is an HTTP gateway in front of an asynchronous synchronization actor.

Clients speak a strict request/response protocol: every POST carries one message
and is answered with exactly one reply. The actor behind the gateway works with
connections and events instead, and may take minutes to produce a reply. The
gateway holds each client request until the actor answers, maps the actor's
session ids to its connections, and answers resent requests from a replay store
without bothering the actor again.

# Architecture

All session state is owned by a single control loop (package gateway). HTTP
handlers submit requests to it and wait for their response; backend events are
dispatched to the session owning their connection handle. Adapters provide the
rest:

  - pkg/adapters/http: the chi based endpoint, health and metrics routes.
  - pkg/adapters/stream: the actor protocol over a spawned process or a socket.
  - pkg/adapters/memory: an in-memory actor and the LRU replay store.
  - pkg/adapters/redis: a replay store shared between gateway instances.

# Usage

	cfg, err := config.Load("syncgw.yaml")
	if err != nil {
		log.Fatal(err)
	}
	srv, err := syncgw.New(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	log.Fatal(srv.Run(ctx))

The syncgw command does the same and adds flags and signal handling.
*/
package syncgw
