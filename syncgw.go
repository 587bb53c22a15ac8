package syncgw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/syncgw/internal/logging"
	httpAdapter "github.com/aretw0/syncgw/pkg/adapters/http"
	"github.com/aretw0/syncgw/pkg/adapters/memory"
	redisAdapter "github.com/aretw0/syncgw/pkg/adapters/redis"
	"github.com/aretw0/syncgw/pkg/adapters/stream"
	"github.com/aretw0/syncgw/pkg/config"
	"github.com/aretw0/syncgw/pkg/gateway"
	"github.com/aretw0/syncgw/pkg/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// ShutdownTimeout bounds how long Serve waits for in-flight requests on exit.
const ShutdownTimeout = 5 * time.Second

// Server is a fully wired gateway: backend, replay store, control loop and
// HTTP endpoint.
type Server struct {
	Config   *config.Config
	Gateway  *gateway.Gateway
	Handler  http.Handler
	Registry *prometheus.Registry

	logger  *slog.Logger
	backend ports.Backend
	replay  ports.ReplayStore
	closers []func() error
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger. By default one is built from the log section
// of the configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithBackend injects a backend, bypassing the backend section of the configuration.
// The caller keeps ownership of it.
func WithBackend(b ports.Backend) Option {
	return func(s *Server) {
		s.backend = b
	}
}

// WithReplayStore injects a replay store, bypassing the replay section of the
// configuration. The caller keeps ownership of it.
func WithReplayStore(store ports.ReplayStore) Option {
	return func(s *Server) {
		s.replay = store
	}
}

// New wires a Server from cfg. A spawned backend lives as long as ctx.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Server{Config: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		s.logger = logging.New(level, cfg.Log.Format)
	}

	if s.backend == nil {
		b, err := s.openBackend(ctx)
		if err != nil {
			return nil, err
		}
		s.backend = b
	}

	if s.replay == nil {
		store, err := s.openReplayStore(ctx)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.replay = store
	}

	s.Registry = prometheus.NewRegistry()
	s.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s.Gateway = gateway.New(s.backend,
		gateway.WithLogger(s.logger.With("component", "gateway")),
		gateway.WithReplayStore(s.replay),
		gateway.WithMetrics(gateway.NewMetrics(s.Registry)),
		gateway.WithIdleTimeout(cfg.Session.IdleTimeout),
		gateway.WithReapInterval(cfg.Session.ReapInterval),
		gateway.WithCallTimeout(cfg.Session.ProcessTimeout),
		gateway.WithAllowedContentTypes(cfg.AllowedContentTypes...),
		gateway.WithTransport(cfg.Backend.Transport),
		gateway.WithTargetConfig(cfg.Backend.TargetConfig),
	)

	handlerOpts := []httpAdapter.Option{
		httpAdapter.WithLogger(s.logger.With("component", "http")),
		httpAdapter.WithBasePath(cfg.BasePath),
		httpAdapter.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpAdapter.WithVersion(strings.TrimSpace(Version)),
	}
	if cfg.Metrics.Enabled {
		handlerOpts = append(handlerOpts, httpAdapter.WithMetrics(cfg.Metrics.Path,
			promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{Registry: s.Registry})))
	}
	s.Handler = httpAdapter.NewHandler(s.Gateway, handlerOpts...)

	return s, nil
}

func (s *Server) openBackend(ctx context.Context) (ports.Backend, error) {
	cfg := s.Config.Backend
	opts := []stream.Option{
		stream.WithLogger(s.logger.With("component", "backend")),
		stream.WithConnectTimeout(cfg.ConnectTimeout),
	}

	switch cfg.Mode {
	case config.ModeSpawn:
		b, err := stream.Spawn(ctx, cfg.Command, cfg.Args, cfg.Env, opts...)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, b.Stop)
		return b, nil
	case config.ModeExternal:
		dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		b, err := stream.Dial(dialCtx, cfg.Address, opts...)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, b.Stop)
		return b, nil
	case config.ModeEcho:
		b := memory.NewBackend(memory.WithActor(memory.EchoActor()))
		s.closers = append(s.closers, func() error {
			b.Stop()
			return nil
		})
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend mode %q", cfg.Mode)
	}
}

func (s *Server) openReplayStore(ctx context.Context) (ports.ReplayStore, error) {
	cfg := s.Config
	switch cfg.Replay.Store {
	case config.StoreRedis:
		store := redisAdapter.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			redisAdapter.WithTTL(cfg.Replay.TTL),
			redisAdapter.WithPrefix(cfg.Redis.Prefix),
		)
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("redis replay store unreachable at %s: %w", cfg.Redis.Addr, err)
		}
		s.closers = append(s.closers, store.Close)
		return store, nil
	default:
		return memory.NewReplayStore(cfg.Replay.Capacity), nil
	}
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the control loop and the HTTP server on ln until ctx is
// cancelled or either of them fails. Resources opened by New are released
// before it returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer func() {
		if err := s.Close(); err != nil {
			s.logger.Warn("Releasing resources failed", "err", err)
		}
	}()

	srv := &http.Server{
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.Gateway.Run(gctx)
	})

	g.Go(func() error {
		s.logger.Info("Serving", "addr", ln.Addr().String(), "base_path", s.Config.BasePath,
			"tls", s.Config.TLS.Enabled(), "backend", s.Config.Backend.Mode)
		var err error
		if s.Config.TLS.Enabled() {
			err = srv.ServeTLS(ln, s.Config.TLS.CertFile, s.Config.TLS.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Graceful shutdown did not complete", "timeout", ShutdownTimeout, "err", err)
			return srv.Close()
		}
		return nil
	})

	err := g.Wait()
	s.logger.Info("Stopped")
	return err
}

// Close releases the backend and replay store opened by New.
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
