package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/web/handlers"
	"github.com/kozaktomas/face-finder/internal/web/middleware"
)

// Server represents the web server
type Server struct {
	config     *config.Config
	router     *chi.Mux
	httpServer *http.Server
	runs       *handlers.RunsHandler
	health     *handlers.HealthHandler
	hits       *handlers.HitsHandler
	log        logr.Logger
}

// NewServer creates a new web server. embedding may be nil when the embedding
// server should not be checked by the health endpoint.
func NewServer(cfg *config.Config, runner handlers.RunExecutor, embedding handlers.HealthChecker, log logr.Logger) *Server {
	r := chi.NewRouter()
	runManager := handlers.NewRunManager()

	s := &Server{
		config: cfg,
		router: r,
		runs:   handlers.NewRunsHandler(cfg.Finder, runner, runManager, log.WithName("runs")),
		health: handlers.NewHealthHandler(embedding, runManager.Active),
		hits:   handlers.NewHitsHandler(cfg.Finder.OutputDir, cfg.Finder.HitsLogName),
		log:    log,
	}

	// Set up middleware stack
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.Web.AllowedOrigins))
	r.Use(middleware.SecurityHeaders())

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: the event stream stays open for the whole run.
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info("Starting web server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown cancels the active run, waits for its final checkpoint and then
// gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down web server")

	s.runs.CancelActive()
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Info("Run did not stop before the shutdown deadline")
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
