package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/teemow/handovermail/internal/instrumentation"
)

const (
	// DefaultAddr is the default listen address of the API server.
	DefaultAddr = ":8080"

	defaultReadHeaderTimeout = 10 * time.Second
	defaultIdleTimeout       = 60 * time.Second
)

// Config holds configuration for the API server.
type Config struct {
	Addr    string
	Version string
	Logger  *slog.Logger
	Metrics *instrumentation.Metrics

	// MetricsHandler is mounted on /metrics when set. Leave it nil when a
	// dedicated MetricsServer is running.
	MetricsHandler http.Handler
}

// Server is the HTTP surface over a RunService.
type Server struct {
	sc         *ServerContext
	health     *HealthChecker
	handler    http.Handler
	httpServer *http.Server
	logger     *slog.Logger
	addr       string
}

// New wires the router for runs.
func New(ctx context.Context, runs RunService, cfg Config) (*Server, error) {
	if runs == nil {
		return nil, errors.New("run service is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sc := NewServerContext(ctx, runs)
	health := NewHealthChecker(sc, cfg.Version)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(recordRequests(cfg.Metrics))

	health.RegisterHealthEndpoints(r)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}
	a := &api{runs: runs, logger: logger}
	r.Route("/api", a.routes)

	httpServer := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return sc.Context() },
	}

	return &Server{
		sc:         sc,
		health:     health,
		handler:    r,
		httpServer: httpServer,
		logger:     logger,
		addr:       cfg.Addr,
	}, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Health returns the health checker so callers can flip readiness.
func (s *Server) Health() *HealthChecker {
	return s.health
}

// Start listens on the configured address and blocks until the server stops.
// It returns nil after a graceful Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting api server", slog.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown marks the server not ready and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.SetReady(false)
	defer s.sc.Shutdown()
	s.logger.Info("shutting down api server")
	return s.httpServer.Shutdown(ctx)
}
