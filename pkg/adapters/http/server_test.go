package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aretw0/syncgw/pkg/adapters/memory"
	"github.com/aretw0/syncgw/pkg/domain"
	"github.com/aretw0/syncgw/pkg/gateway"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const syncml = "application/vnd.syncml+xml"

func startGateway(t *testing.T, actor memory.Actor, opts ...gateway.Option) *gateway.Gateway {
	t.Helper()
	b := memory.NewBackend(memory.WithActor(actor))
	gw := gateway.New(b, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = gw.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-gw.Done()
		b.Stop()
	})
	return gw
}

func post(t *testing.T, h http.Handler, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", syncml)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSync_Exchange(t *testing.T) {
	h := NewHandler(startGateway(t, memory.EchoActor()), WithBasePath("/sync"))

	w := post(t, h, "/sync", "HELLO")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "HELLO", w.Body.String())
	assert.Equal(t, syncml, w.Header().Get("Content-Type"))
	id := w.Header().Get(HeaderSession)
	require.NotEmpty(t, id)
	assert.Empty(t, w.Header().Get(HeaderReplay))

	w = post(t, h, "/sync?sessionid="+id, "HELLO")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HELLO", w.Body.String())
	assert.Equal(t, "true", w.Header().Get(HeaderReplay))

	w = post(t, h, "/sync?sessionid="+id, "BYE")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "BYE", w.Body.String())

	w = post(t, h, "/sync?sessionid="+id, "MORE")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSync_MetaHeaders(t *testing.T) {
	actor := func(conn *memory.Conn, data []byte, ct string) {
		conn.Reply(domain.Reply{
			Data:        []byte("OK"),
			ContentType: ct,
			SessionID:   "S1",
			Meta:        map[string]string{"URL": "http://example.test/sync?sessionid=S1"},
		})
	}
	h := NewHandler(startGateway(t, actor))

	w := post(t, h, "/", "HELLO")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "S1", w.Header().Get(HeaderSession))
	assert.Equal(t, "http://example.test/sync?sessionid=S1", w.Header().Get(HeaderMetaPrefix+"URL"))
}

func TestSync_PayloadTooLarge(t *testing.T) {
	h := NewHandler(startGateway(t, memory.EchoActor()), WithMaxBodyBytes(4))

	w := post(t, h, "/", "way too long")
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

type stubGateway struct {
	resp     gateway.Response
	statsErr error
	got      gateway.Request
}

func (s *stubGateway) Handle(ctx context.Context, req gateway.Request) gateway.Response {
	s.got = req
	return s.resp
}

func (s *stubGateway) Stats(ctx context.Context) (gateway.Stats, error) {
	return gateway.Stats{Sessions: 3, Held: 1}, s.statsErr
}

func TestSync_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrUnknownSession, http.StatusNotFound},
		{domain.ErrProtocolViolation, http.StatusInternalServerError},
		{domain.ErrBackendAborted, http.StatusBadGateway},
		{domain.ErrBackendUnavailable, http.StatusServiceUnavailable},
		{domain.ErrSessionExpired, http.StatusGatewayTimeout},
		{fmt.Errorf("wrapped: %w", domain.ErrBackendAborted), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			stub := &stubGateway{resp: gateway.Response{
				Status:    domain.StatusCode(tt.err),
				SessionID: "S1",
				Err:       tt.err,
			}}
			w := post(t, NewHandler(stub), "/?sessionid=S1", "X")
			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, "S1", w.Header().Get(HeaderSession))
			assert.Contains(t, w.Body.String(), tt.err.Error())
		})
	}
}

func TestSync_RequestFields(t *testing.T) {
	stub := &stubGateway{resp: gateway.Response{Status: http.StatusOK}}
	h := NewHandler(stub, WithBasePath("/sync"))

	req := httptest.NewRequest(http.MethodPost, "http://gw.example/sync?sessionid=abc", strings.NewReader("payload"))
	req.Header.Set("Content-Type", syncml)
	req.Header.Set("X-Forwarded-For", "192.0.2.7")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, domain.SessionID("abc"), stub.got.SessionID)
	assert.Equal(t, []byte("payload"), stub.got.Body)
	assert.Equal(t, syncml, stub.got.ContentType)
	assert.Equal(t, "192.0.2.7", stub.got.Peer)
	assert.Equal(t, "http://gw.example/sync?sessionid=abc", stub.got.URL)
}

func TestSync_ClientGoneWritesNothing(t *testing.T) {
	stub := &stubGateway{resp: gateway.Response{Status: http.StatusInternalServerError, Err: domain.ErrClientDisconnected}}
	w := post(t, NewHandler(stub), "/", "X")
	assert.Empty(t, w.Body.String())
}

func TestIndex(t *testing.T) {
	h := NewHandler(&stubGateway{}, WithVersion("1.2.3"))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "syncgw 1.2.3")
	assert.Contains(t, w.Body.String(), "Active sessions: 3")
}

func TestHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		h := NewHandler(&stubGateway{}, WithVersion("1.2.3"))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "1.2.3", body["version"])
		assert.EqualValues(t, 3, body["sessions"])
	})

	t.Run("stopped", func(t *testing.T) {
		h := NewHandler(&stubGateway{statsErr: gateway.ErrStopped})
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "unavailable")
	})
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	gw := startGateway(t, memory.EchoActor(), gateway.WithMetrics(gateway.NewMetrics(reg)))
	h := NewHandler(gw, WithMetrics("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	require.Equal(t, http.StatusOK, post(t, h, "/", "HELLO").Code)

	srv := httptest.NewServer(h)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `syncgw_requests_total{outcome="ok",route="start"} 1`)
	assert.Contains(t, string(body), "syncgw_sessions_active 1")
}

func TestCORSPreflight(t *testing.T) {
	h := NewHandler(&stubGateway{})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), HeaderSession)
}
