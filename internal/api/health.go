package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const healthTimeout = 3 * time.Second

// HealthHandler reports database and browser automation health.
type HealthHandler struct {
	*Handler
	launcher string
}

// NewHealthHandler creates a health handler. launcher names the configured
// browser backend for the response body.
func NewHealthHandler(base *Handler, launcher string) *HealthHandler {
	return &HealthHandler{Handler: base, launcher: launcher}
}

// RegisterHealth registers the health route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// Health answers 200 when the database is reachable. Unavailable browser
// automation is reported but only degrades the status.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	body := map[string]interface{}{
		"status":   "ok",
		"database": "ok",
		"captcha":  "available",
		"launcher": h.launcher,
	}

	status := http.StatusOK
	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check: database unreachable", "error", err)
		body["status"] = "error"
		body["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := h.pool.Available(ctx); err != nil {
		body["captcha"] = err.Error()
		if status == http.StatusOK {
			body["status"] = "degraded"
		}
	}
	JSON(w, status, body)
}
