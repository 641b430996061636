package handler

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/meshloan/flashmesh/internal/bridge"
	"github.com/meshloan/flashmesh/internal/domain"
)

// BridgeHandler serves the cross-domain orchestrator endpoints.
type BridgeHandler struct {
	orch   *bridge.Orchestrator
	trips  domain.RoundTripStore
	logger *slog.Logger
}

// NewBridgeHandler creates a BridgeHandler.
func NewBridgeHandler(orch *bridge.Orchestrator, trips domain.RoundTripStore, logger *slog.Logger) *BridgeHandler {
	return &BridgeHandler{
		orch:   orch,
		trips:  trips,
		logger: logHandler(logger, "bridge"),
	}
}

// roundTripView is the JSON representation of a cross-domain round trip.
type roundTripView struct {
	MessageID   string     `json:"message_id"`
	TransferID  string     `json:"transfer_id"`
	DestDomain  string     `json:"dest_domain"`
	Caller      string     `json:"caller"`
	Asset       string     `json:"asset"`
	Amount      string     `json:"amount"`
	Target      string     `json:"target"`
	Status      string     `json:"status"`
	InitiatedAt time.Time  `json:"initiated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func viewRoundTrip(rt domain.PendingRoundTrip) roundTripView {
	return roundTripView{
		MessageID:   rt.MessageID,
		TransferID:  rt.TransferID,
		DestDomain:  rt.DestDomain,
		Caller:      rt.Caller.Hex(),
		Asset:       rt.Asset.Hex(),
		Amount:      rt.Amount.String(),
		Target:      rt.Target.Hex(),
		Status:      string(rt.Status),
		InitiatedAt: rt.InitiatedAt,
		CompletedAt: rt.CompletedAt,
	}
}

// initiateRequest is the body for POST /api/bridge/initiate. Payload is
// base64-encoded and handed to the remote callback target unchanged.
type initiateRequest struct {
	Caller     string `json:"caller"`
	DestDomain string `json:"dest_domain"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	Fee        string `json:"fee"`
	Target     string `json:"target"`
	Payload    string `json:"payload,omitempty"`
}

// Initiate starts a cross-domain flash loan round trip.
// POST /api/bridge/initiate
func (h *BridgeHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := parseAddress(req.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fee, err := parseAmount(req.Fee)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
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

	messageID, err := h.orch.Initiate(r.Context(), caller, req.DestDomain, asset, amount, fee, target, payload)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": messageID})
}

// ListPending returns round trips still awaiting a completion message.
// GET /api/bridge/pending
func (h *BridgeHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	trips, err := h.orch.ListPending(r.Context())
	if err != nil {
		h.logger.Error("list pending failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "list pending failed")
		return
	}
	out := make([]roundTripView, len(trips))
	for i, rt := range trips {
		out[i] = viewRoundTrip(rt)
	}
	writeJSON(w, http.StatusOK, map[string]any{"round_trips": out})
}

// GetRoundTrip returns one round trip by message ID.
// GET /api/bridge/trips/{id}
func (h *BridgeHandler) GetRoundTrip(w http.ResponseWriter, r *http.Request) {
	rt, err := h.trips.GetByMessageID(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewRoundTrip(rt))
}
