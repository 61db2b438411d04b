package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthHandler reports server health, the embedding server state and whether a
// run is active.
type HealthHandler struct {
	embedding HealthChecker
	busy      func() bool
}

// NewHealthHandler creates a health handler. Either argument may be nil.
func NewHealthHandler(embedding HealthChecker, busy func() bool) *HealthHandler {
	return &HealthHandler{embedding: embedding, busy: busy}
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Embedding string `json:"embedding,omitempty"`
	Running   bool   `json:"running"`
}

// Get handles the health check endpoint. It always answers 200; an unreachable
// embedding server is reported in the body.
func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if h.busy != nil {
		resp.Running = h.busy()
	}
	if h.embedding != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.embedding.Health(ctx); err != nil {
			resp.Embedding = "unreachable: " + err.Error()
		} else {
			resp.Embedding = "ok"
		}
	}
	respondJSON(w, http.StatusOK, resp)
}
