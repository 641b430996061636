package handler

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshloan/flashmesh/internal/callback"
	"github.com/meshloan/flashmesh/internal/domain"
	"github.com/meshloan/flashmesh/internal/vault"
)

// LoanHandler serves the loan vault endpoints.
type LoanHandler struct {
	vault   *vault.Vault
	loans   domain.LoanStore
	targets *callback.Registry
	logger  *slog.Logger
}

// NewLoanHandler creates a LoanHandler.
func NewLoanHandler(v *vault.Vault, loans domain.LoanStore, targets *callback.Registry, logger *slog.Logger) *LoanHandler {
	return &LoanHandler{
		vault:   v,
		loans:   loans,
		targets: targets,
		logger:  logHandler(logger, "loan"),
	}
}

// loanView is the JSON representation of a loan.
type loanView struct {
	ID        string     `json:"id"`
	Asset     string     `json:"asset"`
	Amount    string     `json:"amount"`
	Owner     string     `json:"owner"`
	Borrower  string     `json:"borrower"`
	ExpiresAt time.Time  `json:"expires_at"`
	Status    string     `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

func viewLoan(l domain.Loan) loanView {
	return loanView{
		ID:        l.ID.Hex(),
		Asset:     l.Asset.Hex(),
		Amount:    l.Amount.String(),
		Owner:     l.Owner.Hex(),
		Borrower:  l.Borrower.Hex(),
		ExpiresAt: l.ExpiresAt,
		Status:    string(l.Status),
		Reason:    string(l.Reason),
		CreatedAt: l.CreatedAt,
		ClosedAt:  l.ClosedAt,
	}
}

func viewLoans(loans []domain.Loan) []loanView {
	out := make([]loanView, len(loans))
	for i, l := range loans {
		out[i] = viewLoan(l)
	}
	return out
}

// ListLoans returns loan history, newest first.
// GET /api/loans
func (h *LoanHandler) ListLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.vault.ListHistory(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.Error("list loans failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "list loans failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loans": viewLoans(loans)})
}

// ListActive returns the open loans for an asset.
// GET /api/loans/active?asset=0x...
func (h *LoanHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress(r.URL.Query().Get("asset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	loans, err := h.loans.ListActive(r.Context(), asset)
	if err != nil {
		h.logger.Error("list active loans failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "list active loans failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loans": viewLoans(loans)})
}

// GetLoan returns a single loan.
// GET /api/loans/{id}
func (h *LoanHandler) GetLoan(w http.ResponseWriter, r *http.Request) {
	id := common.HexToHash(pathParam(r, "id"))
	loan, err := h.vault.GetLoan(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewLoan(loan))
}

// createLoanRequest is the body for POST /api/loans.
type createLoanRequest struct {
	Creator        string `json:"creator"`
	Asset          string `json:"asset"`
	Amount         string `json:"amount"`
	Borrower       string `json:"borrower"`
	TimeoutSeconds int64  `json:"timeout_seconds"`
}

// CreateLoan opens a loan funded by the creator.
// POST /api/loans
func (h *LoanHandler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req createLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	creator, err := parseAddress(req.Creator)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	borrower, err := parseAddress(req.Borrower)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.vault.Create(r.Context(), creator, asset, amount, borrower, time.Duration(req.TimeoutSeconds)*time.Second)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id.Hex()})
}

// executeLoanRequest is the body for POST /api/loans/{id}/execute. Payload
// is base64-encoded.
type executeLoanRequest struct {
	Caller  string `json:"caller"`
	Target  string `json:"target"`
	Payload string `json:"payload,omitempty"`
}

// ExecuteLoan runs a loan against a registered callback target.
// POST /api/loans/{id}/execute
func (h *LoanHandler) ExecuteLoan(w http.ResponseWriter, r *http.Request) {
	id := common.HexToHash(pathParam(r, "id"))

	var req executeLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	targetAddr, err := parseAddress(req.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := h.targets.Resolve(targetAddr)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	var payload []byte
	if req.Payload != "" {
		payload, err = base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, "payload must be base64")
			return
		}
	}

	if err := h.vault.Execute(r.Context(), caller, id, target, payload); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "repaid"})
}

// reclaimLoanRequest is the body for POST /api/loans/{id}/reclaim.
type reclaimLoanRequest struct {
	Caller string `json:"caller"`
}

// ReclaimLoan recovers an expired loan's principal for its owner.
// POST /api/loans/{id}/reclaim
func (h *LoanHandler) ReclaimLoan(w http.ResponseWriter, r *http.Request) {
	id := common.HexToHash(pathParam(r, "id"))

	var req reclaimLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.vault.Reclaim(r.Context(), caller, id); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reclaimed"})
}
