package tests

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/aretw0/syncgw/pkg/domain"
	"github.com/aretw0/syncgw/pkg/ports"
)

// BackendContractTest is a reusable test suite that verifies if an adapter complies with ports.Backend.
//
// The backend under test must be connected to an echo actor: every Process is
// answered with a Reply carrying the same bytes and content type, the first reply
// of a connection carries a non-empty session id, and the message "BYE" is
// answered with a final reply.
func BackendContractTest(t *testing.T, backend ports.Backend) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	next := func(t *testing.T, h domain.Handle) domain.Event {
		t.Helper()
		for {
			select {
			case ev, ok := <-backend.Events():
				if !ok {
					t.Fatal("events channel closed")
				}
				if ev.Handle == h {
					return ev
				}
			case <-ctx.Done():
				t.Fatal("timed out waiting for event")
			}
		}
	}

	// 1. Echo round trip
	t.Run("Connect_Process_Reply", func(t *testing.T) {
		h, err := backend.Connect(ctx, domain.ConnectOptions{Description: "contract", Transport: "HTTP"})
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		if err := backend.Process(ctx, h, []byte("HELLO"), "text/plain"); err != nil {
			t.Fatalf("process: %v", err)
		}
		ev := next(t, h)
		if ev.Kind != domain.EventReply || ev.Reply == nil {
			t.Fatalf("expected reply, got %+v", ev)
		}
		if !bytes.Equal(ev.Reply.Data, []byte("HELLO")) {
			t.Errorf("reply data mismatch: got %q", ev.Reply.Data)
		}
		if ev.Reply.SessionID == "" {
			t.Error("first reply must carry a session id")
		}
		if ev.Reply.Final {
			t.Error("first reply must not be final")
		}

		// 2. Final reply
		if err := backend.Process(ctx, h, []byte("BYE"), "text/plain"); err != nil {
			t.Fatalf("process: %v", err)
		}
		ev = next(t, h)
		if ev.Kind != domain.EventReply || !ev.Reply.Final {
			t.Fatalf("expected final reply, got %+v", ev)
		}
		if err := backend.Close(ctx, h, true, ""); err != nil {
			t.Errorf("close: %v", err)
		}
	})

	// 3. Handles are distinct
	t.Run("Distinct_Handles", func(t *testing.T) {
		h1, err := backend.Connect(ctx, domain.ConnectOptions{Description: "a"})
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		h2, err := backend.Connect(ctx, domain.ConnectOptions{Description: "b"})
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		if h1 == h2 {
			t.Fatalf("handles must be distinct, both %q", h1)
		}
		_ = backend.Close(ctx, h1, false, "done")
		_ = backend.Close(ctx, h2, false, "done")
	})
}
