// Package server runs the operator HTTP listener: Prometheus metrics, health
// checks and a small status API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/mevbot/internal/server/handler"
	"github.com/alanyoungcy/mevbot/internal/server/middleware"
)

// Config holds the listener settings.
type Config struct {
	Addr   string
	APIKey string // empty disables authentication on /api routes
}

// Handlers aggregates the endpoint handlers. Submissions may be nil when no
// submission store is configured.
type Handlers struct {
	Metrics     http.Handler
	Health      *handler.HealthHandler
	Status      *handler.StatusHandler
	Submissions *handler.SubmissionHandler
}

// Server is the operator HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New registers the routes and wraps the /api routes in authentication.
func New(cfg Config, h Handlers, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	api := http.NewServeMux()
	api.HandleFunc("GET /api/status", h.Status.GetStatus)
	api.HandleFunc("PUT /api/killswitch", h.Status.SetKillSwitch)
	if h.Submissions != nil {
		api.HandleFunc("GET /api/submissions", h.Submissions.ListOpen)
		api.HandleFunc("GET /api/submissions/{id}", h.Submissions.Get)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.Health.HealthCheck)
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	mux.Handle("/api/", middleware.Auth(cfg.APIKey)(api))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware.Logging(logger)(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully. It returns
// nil after a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("shutting down")
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	}
}
