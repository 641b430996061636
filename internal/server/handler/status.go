package handler

import (
	"net/http"
	"time"

	"github.com/meshloan/flashmesh/internal/bridge"
	"github.com/meshloan/flashmesh/internal/vault"
)

// StatusHandler reports node-level state.
type StatusHandler struct {
	domainID string
	mode     string
	vault    *vault.Vault
	orch     *bridge.Orchestrator
	started  time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(domainID, mode string, v *vault.Vault, orch *bridge.Orchestrator) *StatusHandler {
	return &StatusHandler{
		domainID: domainID,
		mode:     mode,
		vault:    v,
		orch:     orch,
		started:  time.Now(),
	}
}

// GetStatus returns the node status.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"domain":          h.domainID,
		"mode":            h.mode,
		"paused":          h.vault.Paused(),
		"circuit_breaker": h.orch.CircuitBreakerActive(),
		"uptime_seconds":  int64(time.Since(h.started).Seconds()),
	})
}
