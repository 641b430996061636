package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Transport is the authenticated cross-domain delivery layer. It is a black
// box: the orchestrator only sends, and verifies, through these primitives.
// Message and transfer identifiers are opaque handles minted by the
// implementation.
type Transport interface {
	// SendMessage dispatches an opaque instruction payload to the peer
	// orchestrator on the destination domain and returns its message id.
	SendMessage(ctx context.Context, destDomain string, target common.Address, payload []byte) (string, error)

	// SendAsset moves amount of asset to recipient on the destination domain
	// and returns the transfer id used for later verification.
	SendAsset(ctx context.Context, asset common.Address, recipient common.Address, amount *big.Int, destDomain string) (string, error)

	// WasTransferSuccessful reports whether the transfer identified by id has
	// landed and succeeded on this domain. An unknown id is not successful.
	WasTransferSuccessful(ctx context.Context, transferID string) (bool, error)
}

// Delivery is one inbound message handed to the receiving orchestrator.
// Authenticated is set only by the transport itself, after it has verified
// the envelope; a handler must reject any delivery without it.
type Delivery struct {
	MessageID     string
	OriginDomain  string
	Target        common.Address
	Payload       []byte
	Authenticated bool
}

// DeliveryHandler consumes inbound deliveries on the receiving domain.
type DeliveryHandler interface {
	HandleDelivery(ctx context.Context, d Delivery) error
}
