package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// HealthHandler answers liveness probes.
type HealthHandler struct {
	logger *slog.Logger
}

func NewHealthHandler(logger *slog.Logger) *HealthHandler {
	return &HealthHandler{logger: logger}
}

// HealthCheck reports that the node is up. It touches no backing store;
// detailed state lives on /api/status.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "flashmesh",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
