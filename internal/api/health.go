package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/cpf-advisor/internal/stats"
	"github.com/ashureev/cpf-advisor/internal/store"
)

const healthCheckTimeout = 5 * time.Second

// HealthHandler handles readiness and upstream health endpoints.
// Liveness is served by the chi heartbeat middleware at /health.
type HealthHandler struct {
	repo   store.Repository
	prober *stats.Prober
}

// NewHealthHandler creates a new health handler. prober may be nil.
func NewHealthHandler(repo store.Repository, prober *stats.Prober) *HealthHandler {
	return &HealthHandler{repo: repo, prober: prober}
}

// Ready reports whether the session store is reachable.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status = "degraded"
		checks["store"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	JSON(w, statusCode, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// Upstream probes the public datasets and reports each endpoint's status.
func (h *HealthHandler) Upstream(w http.ResponseWriter, r *http.Request) {
	if h.prober == nil {
		Error(w, http.StatusNotFound, "upstream probe disabled")
		return
	}

	results := h.prober.Probe(r.Context())
	status := "healthy"
	statusCode := http.StatusOK
	if !stats.AllOK(results) {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	JSON(w, statusCode, map[string]interface{}{
		"status":    status,
		"endpoints": results,
	})
}

// RegisterHealth registers the health check routes.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health/ready", h.Ready)
	r.Get("/health/upstream", h.Upstream)
}
