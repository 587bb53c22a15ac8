package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aretw0/syncgw/internal/logging"
	"github.com/aretw0/syncgw/pkg/domain"
	"github.com/aretw0/syncgw/pkg/gateway"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Response headers set on sync answers.
const (
	HeaderSession    = "X-Syncgw-Session"
	HeaderReplay     = "X-Syncgw-Replay"
	HeaderMetaPrefix = "X-Syncgw-Meta-"
)

// DefaultMaxBodyBytes bounds the size of a client message.
const DefaultMaxBodyBytes int64 = 10 << 20

// Gateway is the part of the gateway the HTTP endpoint drives.
type Gateway interface {
	Handle(ctx context.Context, req gateway.Request) gateway.Response
	Stats(ctx context.Context) (gateway.Stats, error)
}

// Server exposes a Gateway over HTTP.
type Server struct {
	Gateway Gateway

	logger      *slog.Logger
	basePath    string
	maxBody     int64
	version     string
	metricsPath string
	metrics     http.Handler
}

// Option configures the Server.
type Option func(*Server)

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBasePath sets the path sync messages are posted to.
func WithBasePath(path string) Option {
	return func(s *Server) {
		if path != "" {
			s.basePath = path
		}
	}
}

// WithMaxBodyBytes limits the size of a client message.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithMetrics mounts a metrics handler, usually promhttp, at path.
func WithMetrics(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metrics = h
	}
}

// NewHandler creates the HTTP handler for the gateway.
func NewHandler(gw Gateway, opts ...Option) http.Handler {
	s := &Server{
		Gateway:  gw,
		logger:   logging.NewNop(),
		basePath: "/",
		maxBody:  DefaultMaxBodyBytes,
		version:  "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Post(s.basePath, s.Sync)
	r.Get(s.basePath, s.Index)
	r.Get("/healthz", s.Health)
	if s.metrics != nil && s.metricsPath != "" {
		r.Handle(s.metricsPath, s.metrics)
	}

	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Expose-Headers", HeaderSession+", "+HeaderReplay)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("HTTP request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"peer", r.RemoteAddr,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// Sync handles a POST carrying one client message.
func (s *Server) Sync(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, r, "", fmt.Errorf("%w: limit is %d bytes", domain.ErrPayloadTooLarge, tooLarge.Limit))
			return
		}
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		s.logger.Warn("Sync: Reading body failed", "err", err)
		return
	}

	req := gateway.Request{
		SessionID:   domain.SessionID(r.URL.Query().Get("sessionid")),
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
		Peer:        r.RemoteAddr,
		URL:         requestURL(r),
	}

	resp := s.Gateway.Handle(r.Context(), req)
	if resp.Err != nil {
		if errors.Is(resp.Err, domain.ErrClientDisconnected) {
			s.logger.Info("Sync: Client went away", "session_id", req.SessionID, "peer", req.Peer)
			return
		}
		s.fail(w, r, resp.SessionID, resp.Err)
		return
	}

	h := w.Header()
	if resp.ContentType != "" {
		h.Set("Content-Type", resp.ContentType)
	}
	if resp.SessionID != "" {
		h.Set(HeaderSession, string(resp.SessionID))
	}
	for k, v := range resp.Meta {
		h.Set(HeaderMetaPrefix+k, v)
	}
	if resp.Replayed {
		h.Set(HeaderReplay, "true")
	}
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp.Body); err != nil {
		s.logger.Warn("Sync: Writing response failed", "session_id", resp.SessionID, "err", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, id domain.SessionID, err error) {
	status := domain.StatusCode(err)
	if id != "" {
		w.Header().Set(HeaderSession, string(id))
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("Sync failed", "session_id", id, "status", status, "err", err,
			"request_id", middleware.GetReqID(r.Context()))
	} else {
		s.logger.Warn("Sync rejected", "session_id", id, "status", status, "err", err)
	}
	http.Error(w, err.Error(), status)
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8" />
    <title>syncgw</title>
</head>
<body>
<h1>syncgw {{.Version}}</h1>
<p>This is a synchronization endpoint. Clients POST their messages to this URL.</p>
{{if .Stopped}}<p>The gateway is stopped.</p>{{else}}
<p>Active sessions: {{.Stats.Sessions}} ({{.Stats.Held}} waiting for the backend)</p>{{end}}
</body>
</html>
`))

// Index serves a short diagnostic page for browsers pointed at the endpoint.
func (s *Server) Index(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Gateway.Stats(r.Context())
	data := struct {
		Version string
		Stats   gateway.Stats
		Stopped bool
	}{s.version, stats, err != nil}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		s.logger.Error("Index: Render failed", "err", err)
	}
}

// Health reports whether the control loop answers.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"version": s.version}
	status := http.StatusOK
	if stats, err := s.Gateway.Stats(r.Context()); err != nil {
		resp["status"] = "unavailable"
		resp["error"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		resp["status"] = "ok"
		resp["sessions"] = stats.Sessions
		resp["held"] = stats.Held
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Health: Encode failed", "err", err)
	}
}
