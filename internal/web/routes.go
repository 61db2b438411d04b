package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

func (s *Server) setupRoutes() {
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.Timeout(time.Minute))

			r.Get("/health", s.health.Get)
			r.Get("/hits", s.hits.List)

			// Runs
			r.Post("/runs", s.runs.Start)
			r.Get("/runs/current", s.runs.Status)
			r.Delete("/runs/current", s.runs.Cancel)
		})

		// The event stream stays open until the run ends.
		r.Get("/runs/current/events", s.runs.Events)
	})

	s.router.Get("/", s.serveIndex)
}

// serveIndex serves a short page describing the API.
func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>Face Finder</title>
    <style>
        body { font-family: system-ui, sans-serif; display: flex; justify-content: center; align-items: center; height: 100vh; margin: 0; background: #1a1a2e; color: #eee; }
        .container { text-align: center; }
        h1 { color: #00d9ff; }
        p { color: #aaa; }
        a { color: #00d9ff; }
        code { background: #2a2a3e; padding: 2px 8px; border-radius: 4px; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Face Finder</h1>
        <p>Start a run with <code>POST /api/v1/runs</code> and follow it at <a href="/api/v1/runs/current/events">/api/v1/runs/current/events</a>.</p>
        <p>Copied photos are listed at <a href="/api/v1/hits">/api/v1/hits</a>, server state at <a href="/api/v1/health">/api/v1/health</a>.</p>
    </div>
</body>
</html>`))
}
