package domain

import "time"

// Observability event types, one per notification named in the operational
// contract.
const (
	EventLoanCreated         = "loan.created"
	EventLoanRepaid          = "loan.repaid"
	EventLoanReclaimed       = "loan.reclaimed"
	EventBridgeInitiated     = "bridge.initiated"
	EventBridgeCompleted     = "bridge.completed"
	EventBreakerChanged      = "breaker.changed"
	EventLimitUpdated        = "limit.updated"
	EventEmergencyWithdrawal = "emergency.withdrawal"
)

// Event is a structured notification emitted by the vault and orchestrator.
// Detail keys are event-specific and JSON-serializable.
type Event struct {
	Type   string         `json:"type"`
	Domain string         `json:"domain"`
	At     time.Time      `json:"at"`
	Detail map[string]any `json:"detail,omitempty"`
}
