package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshloan/flashmesh/internal/bridge"
	"github.com/meshloan/flashmesh/internal/domain"
	"github.com/meshloan/flashmesh/internal/vault"
)

// AdminHandler serves the operator endpoints. Every mutation is performed
// as the configured operator address, so the capability checks in the vault
// and orchestrator still apply behind the API token.
type AdminHandler struct {
	vault    *vault.Vault
	orch     *bridge.Orchestrator
	operator common.Address
	logger   *slog.Logger
}

// NewAdminHandler creates an AdminHandler acting as operator.
func NewAdminHandler(v *vault.Vault, orch *bridge.Orchestrator, operator common.Address, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		vault:    v,
		orch:     orch,
		operator: operator,
		logger:   logHandler(logger, "admin"),
	}
}

// SetPaused pauses or resumes the loan vault.
// POST /api/admin/pause
func (h *AdminHandler) SetPaused(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.vault.SetPaused(r.Context(), h.operator, req.Paused); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}

// setLimitsRequest is the body for POST /api/admin/limits.
type setLimitsRequest struct {
	Asset          string `json:"asset"`
	MaxLoanAmount  string `json:"max_loan_amount"`
	MaxActiveLoans int    `json:"max_active_loans"`
}

// SetAssetLimits updates the per-asset loan caps.
// POST /api/admin/limits
func (h *AdminHandler) SetAssetLimits(w http.ResponseWriter, r *http.Request) {
	var req setLimitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lim := domain.AssetLimits{Asset: asset, MaxActiveLoans: req.MaxActiveLoans}
	if req.MaxLoanAmount != "" {
		lim.MaxLoanAmount, err = parseAmount(req.MaxLoanAmount)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := h.vault.SetAssetLimits(r.Context(), h.operator, lim); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// SetCircuitBreaker flips the orchestrator circuit breaker.
// POST /api/admin/breaker
func (h *AdminHandler) SetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.orch.SetCircuitBreaker(r.Context(), h.operator, req.Active); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}

// SetMaxLoanAmount updates the orchestrator's per-initiation cap.
// POST /api/admin/max-loan
func (h *AdminHandler) SetMaxLoanAmount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Max string `json:"max"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	max, err := parseAmount(req.Max)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.orch.SetMaxLoanAmount(r.Context(), h.operator, max); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"max": max.String()})
}

// SetMinSpacing updates the per-caller initiation spacing.
// POST /api/admin/spacing
func (h *AdminHandler) SetMinSpacing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds int64 `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Seconds < 0 {
		writeError(w, http.StatusBadRequest, "seconds must not be negative")
		return
	}
	spacing := time.Duration(req.Seconds) * time.Second
	if err := h.orch.SetMinSpacing(r.Context(), h.operator, spacing); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"min_spacing": spacing.String()})
}

// withdrawRequest is the body shared by the fee and emergency withdrawals.
type withdrawRequest struct {
	Asset string `json:"asset"`
	To    string `json:"to"`
}

// WithdrawFees moves accumulated bridge fees to a treasury address.
// POST /api/admin/withdraw-fees
func (h *AdminHandler) WithdrawFees(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := h.orch.WithdrawFees(r.Context(), h.operator, asset, to)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"withdrawn": amount.String()})
}

// EmergencyWithdraw drains the vault account for an asset while paused.
// POST /api/admin/emergency-withdraw
func (h *AdminHandler) EmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := h.vault.EmergencyWithdraw(r.Context(), h.operator, asset, to)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	h.logger.Warn("emergency withdrawal",
		slog.String("asset", asset.Hex()),
		slog.String("to", to.Hex()),
		slog.String("amount", amount.String()))
	writeJSON(w, http.StatusOK, map[string]string{"withdrawn": amount.String()})
}

// GetFees reports the fee counter.
// GET /api/admin/fees
func (h *AdminHandler) GetFees(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"collected": h.orch.CollectedFees().String()})
}
