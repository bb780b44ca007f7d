package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rafaeljc/tally/internal/config"
	"github.com/rafaeljc/tally/internal/logger"
)

// Server exposes liveness, readiness and Prometheus metrics on a dedicated port.
//
// Readiness starts false: a binary calls MarkReady once its runner or API is
// serving and MarkDraining when shutdown begins, so traffic stops before the
// dependencies are closed.
type Server struct {
	logger   *slog.Logger
	cfg      *config.ObservabilityConfig
	router   *chi.Mux
	checkers []Checker
	ready    atomic.Bool
}

// NewServer creates the server. checkers are run in parallel by the readiness probe.
func NewServer(l *slog.Logger, cfg *config.ObservabilityConfig, checkers ...Checker) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)

	s := &Server{
		logger:   logger.OrDefault(l),
		cfg:      cfg,
		router:   r,
		checkers: checkers,
	}

	s.router.Get(s.cfg.LivenessPath, s.liveness)
	s.router.Get(s.cfg.ReadinessPath, s.readiness)
	s.router.Method(http.MethodGet, s.cfg.MetricsPath, promhttp.Handler())
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// MarkReady lets the readiness probe run the dependency checks.
func (s *Server) MarkReady() { s.ready.Store(true) }

// MarkDraining makes the readiness probe fail regardless of dependencies.
func (s *Server) MarkDraining() { s.ready.Store(false) }

// Run serves until ctx is cancelled, then shuts down with the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%s", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.Timeout,
		WriteTimeout: s.cfg.Timeout,
		IdleTimeout:  s.cfg.Timeout * 3,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting observability server",
			slog.String("addr", ln.Addr().String()),
			slog.String("liveness_path", s.cfg.LivenessPath),
			slog.String("readiness_path", s.cfg.ReadinessPath),
			slog.String("metrics_path", s.cfg.MetricsPath),
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("observability server failed: %w", err)
	case <-ctx.Done():
	}

	s.MarkDraining()
	s.logger.Info("stopping observability server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
