package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Instruction is the cross-domain flash-loan request carried inside a
// transport message. TransferID names the paired asset transfer; the
// receiving orchestrator must verify that transfer independently before it
// opens any loan.
type Instruction struct {
	TransferID   string         `json:"transfer_id"`
	OriginDomain string         `json:"origin_domain"`
	Caller       common.Address `json:"caller"`
	Asset        common.Address `json:"asset"`
	Amount       *big.Int       `json:"amount"`
	Target       common.Address `json:"target"`
	Payload      []byte         `json:"payload"`
}

// Message kinds carried in a transport envelope.
const (
	MessageFlashLoan  = "flash_loan"
	MessageCompletion = "completion"
)

// Completion is the destination domain's notice that a cross-domain loan
// finished, correlated by the original transfer id.
type Completion struct {
	TransferID       string `json:"transfer_id"`
	ReturnTransferID string `json:"return_transfer_id"`
	Success          bool   `json:"success"`
}

// Envelope is the transport message body. Exactly one of Instruction or
// Completion is set, selected by Kind.
type Envelope struct {
	Kind        string       `json:"kind"`
	Instruction *Instruction `json:"instruction,omitempty"`
	Completion  *Completion  `json:"completion,omitempty"`
}

// EncodeEnvelope serializes an envelope for transport.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("domain: encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses an envelope received from transport.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("domain: decode envelope: %w", err)
	}
	return env, nil
}

// RoundTripStatus is the state of a persisted cross-domain round trip.
type RoundTripStatus string

const (
	RoundTripPending   RoundTripStatus = "pending"
	RoundTripCompleted RoundTripStatus = "completed"
	RoundTripFailed    RoundTripStatus = "failed"
)

// PendingRoundTrip is the origin-side record of an in-flight cross-domain
// loan. It exists so a stuck delivery is visible to operators without
// inspecting the transport directly.
type PendingRoundTrip struct {
	MessageID   string
	TransferID  string
	DestDomain  string
	Caller      common.Address
	Asset       common.Address
	Amount      *big.Int
	Target      common.Address
	Status      RoundTripStatus
	InitiatedAt time.Time
	CompletedAt *time.Time
}
