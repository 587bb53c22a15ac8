package stream_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/aretw0/syncgw/pkg/adapters/stream"
	"github.com/aretw0/syncgw/pkg/domain"
	"github.com/aretw0/syncgw/pkg/ports/tests"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoPeer plays the actor side of the protocol. Connections described as
// "refuse" are refused, "ABORT" aborts the connection and "BYE" is answered
// with a final reply. Close requests are forwarded to closes when it is set.
func echoPeer(r io.Reader, w io.Writer, closes chan<- stream.Request) {
	dec := stream.NewDecoder(r)
	enc := stream.NewEncoder(w)
	replies := make(map[domain.Handle]int)
	for {
		var req stream.Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		switch req.Op {
		case stream.OpConnect:
			msg := stream.Message{Event: stream.EventConnected, ID: req.ID, Handle: req.Handle}
			if req.Options != nil && req.Options.Description == "refuse" {
				msg.Error = "no such configuration"
			}
			_ = enc.Encode(msg)
		case stream.OpProcess:
			if string(req.Data) == "ABORT" {
				_ = enc.Encode(stream.Message{Event: stream.EventAbort, Handle: req.Handle})
				continue
			}
			msg := stream.Message{Event: stream.EventReply, Handle: req.Handle, Reply: domain.Reply{
				Data:        req.Data,
				ContentType: req.ContentType,
				Final:       string(req.Data) == "BYE",
			}}
			if replies[req.Handle] == 0 {
				msg.SessionID = domain.SessionID("peer-" + string(req.Handle))
			}
			replies[req.Handle]++
			_ = enc.Encode(msg)
		case stream.OpClose:
			if closes != nil {
				closes <- req
			}
		}
	}
}

func pipeBackend(t *testing.T, opts ...stream.Option) (*stream.Backend, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	b := stream.New(local, opts...)
	t.Cleanup(func() {
		_ = b.Stop()
		_ = remote.Close()
	})
	return b, remote
}

func nextEvent(t *testing.T, b *stream.Backend) (domain.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-b.Events():
		return ev, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}, false
	}
}

func TestBackend_Contract(t *testing.T) {
	b, remote := pipeBackend(t)
	go echoPeer(remote, remote, nil)

	tests.BackendContractTest(t, b)
}

func TestBackend_Dial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		echoPeer(conn, conn, nil)
	}()

	b, err := stream.Dial(context.Background(), "tcp://"+ln.Addr().String())
	require.NoError(t, err)
	defer b.Stop()

	tests.BackendContractTest(t, b)
}

func TestBackend_DialFailure(t *testing.T) {
	_, err := stream.Dial(context.Background(), "unix:///nonexistent/syncgw.sock")
	assert.Error(t, err)
}

func TestBackend_ConnectRefused(t *testing.T) {
	b, remote := pipeBackend(t)
	go echoPeer(remote, remote, nil)

	_, err := b.Connect(context.Background(), domain.ConnectOptions{Description: "refuse"})
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Contains(t, err.Error(), "no such configuration")
}

func TestBackend_ConnectTimeout(t *testing.T) {
	b, remote := pipeBackend(t, stream.WithConnectTimeout(50*time.Millisecond))
	go func() { _, _ = io.Copy(io.Discard, remote) }()

	_, err := b.Connect(context.Background(), domain.ConnectOptions{})
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestBackend_CloseIsForwarded(t *testing.T) {
	b, remote := pipeBackend(t)
	closes := make(chan stream.Request, 1)
	go echoPeer(remote, remote, closes)

	ctx := context.Background()
	h, err := b.Connect(ctx, domain.ConnectOptions{})
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx, h, false, "idle timeout"))

	select {
	case req := <-closes:
		assert.Equal(t, h, req.Handle)
		assert.False(t, req.Normal)
		assert.Equal(t, "idle timeout", req.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("close was not forwarded")
	}

	assert.NoError(t, b.Close(ctx, h, true, ""), "closing twice is a no-op")
	assert.ErrorIs(t, b.Process(ctx, h, []byte("x"), ""), domain.ErrBackendUnavailable)
}

func TestBackend_AbortForgetsHandle(t *testing.T) {
	b, remote := pipeBackend(t)
	go echoPeer(remote, remote, nil)

	ctx := context.Background()
	h, err := b.Connect(ctx, domain.ConnectOptions{})
	require.NoError(t, err)
	require.NoError(t, b.Process(ctx, h, []byte("ABORT"), ""))

	ev, ok := nextEvent(t, b)
	require.True(t, ok)
	assert.Equal(t, domain.NewAbortEvent(h), ev)
	assert.ErrorIs(t, b.Process(ctx, h, []byte("x"), ""), domain.ErrBackendUnavailable)
}

func TestBackend_StreamEndAbortsOpenHandles(t *testing.T) {
	b, remote := pipeBackend(t)
	go echoPeer(remote, remote, nil)

	ctx := context.Background()
	h1, err := b.Connect(ctx, domain.ConnectOptions{})
	require.NoError(t, err)
	h2, err := b.Connect(ctx, domain.ConnectOptions{})
	require.NoError(t, err)

	require.NoError(t, remote.Close())

	got := map[domain.Handle]domain.EventKind{}
	for i := 0; i < 2; i++ {
		ev, ok := nextEvent(t, b)
		require.True(t, ok)
		got[ev.Handle] = ev.Kind
	}
	assert.Equal(t, map[domain.Handle]domain.EventKind{h1: domain.EventAbort, h2: domain.EventAbort}, got)

	_, ok := nextEvent(t, b)
	assert.False(t, ok, "events channel is closed after the aborts")

	<-b.Done()
	_, err = b.Connect(ctx, domain.ConnectOptions{})
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.ErrorIs(t, b.Process(ctx, h1, []byte("x"), ""), domain.ErrBackendUnavailable)
	assert.NoError(t, b.Close(ctx, h1, false, ""))
}

func TestBackend_SkipsMalformedLines(t *testing.T) {
	b, remote := pipeBackend(t)
	go func() {
		_, _ = remote.Write([]byte("this is not json\n\n"))
		enc := stream.NewEncoder(remote)
		_ = enc.Encode(stream.Message{Event: stream.EventReply, Handle: "h1", Reply: domain.Reply{Data: []byte("ok")}})
		_, _ = io.Copy(io.Discard, remote)
	}()

	ev, ok := nextEvent(t, b)
	require.True(t, ok)
	assert.Equal(t, domain.Handle("h1"), ev.Handle)
	assert.Equal(t, []byte("ok"), ev.Reply.Data)
}

func TestEncoder_DataIsBase64(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, stream.NewEncoder(&buf).Encode(stream.Request{Op: stream.OpProcess, Handle: "h1", Data: []byte("HELLO")}))
	assert.Equal(t, `{"op":"process","handle":"h1","data":"SEVMTE8="}`+"\n", buf.String())

	var req stream.Request
	require.NoError(t, stream.NewDecoder(&buf).Decode(&req))
	assert.Equal(t, []byte("HELLO"), req.Data)
}

func TestDecoder_LastLineWithoutNewline(t *testing.T) {
	dec := stream.NewDecoder(bytes.NewBufferString(`{"event":"abort","handle":"h1"}`))

	var msg stream.Message
	require.NoError(t, dec.Decode(&msg))
	assert.Equal(t, stream.EventAbort, msg.Event)
	assert.ErrorIs(t, dec.Decode(&msg), io.EOF)
}

// TestHelperProcess is not a real test. It is the actor started by TestSpawn.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("SYNCGW_WANT_HELPER_PROCESS") != "1" {
		return
	}
	fmt.Fprintln(os.Stderr, "helper actor ready")
	echoPeer(os.Stdin, os.Stdout, nil)
	os.Exit(0)
}

func TestSpawn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := stream.Spawn(ctx, os.Args[0], []string{"-test.run=^TestHelperProcess$"},
		map[string]string{"SYNCGW_WANT_HELPER_PROCESS": "1"})
	require.NoError(t, err)

	tests.BackendContractTest(t, b)

	require.NoError(t, b.Stop())
	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("spawned actor did not exit after stdin was closed")
	}
}

func TestSpawn_MissingCommand(t *testing.T) {
	_, err := stream.Spawn(context.Background(), "/nonexistent/syncgw-actor", nil, nil)
	assert.Error(t, err)
}
