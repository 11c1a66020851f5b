package handlers

import (
	"context"
	"encoding/json"
	"net/http"
)

// HealthChecker is anything whose availability the health endpoint reports.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler reports service health including dependency status
type HealthHandler struct {
	db    HealthChecker
	cache HealthChecker
}

func NewHealthHandler(db, cache HealthChecker) *HealthHandler {
	return &HealthHandler{db: db, cache: cache}
}

// Check handles GET /health
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := http.StatusOK
	checks := map[string]string{
		"database": "ok",
		"redis":    "ok",
	}

	if err := h.db.HealthCheck(ctx); err != nil {
		checks["database"] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	if err := h.cache.HealthCheck(ctx); err != nil {
		checks["redis"] = "unavailable"
		status = http.StatusServiceUnavailable
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": overall,
		"checks": checks,
	})
}
