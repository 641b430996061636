// Package loopback implements the cross-domain transport as an in-process
// bus connecting several simulated domains. Settlement and delivery are
// pumped explicitly, which lets the sim mode and the tests control the
// relative ordering of asset transfers and instruction messages.
package loopback

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/meshloan/flashmesh/internal/domain"
	ledgermem "github.com/meshloan/flashmesh/internal/ledger/memory"
)

// escrowAccount holds in-flight principal on the origin ledger until the
// transfer settles on the destination.
var escrowAccount = common.HexToAddress("0x00000000000000000000000000000000000e5c80")

type transferStatus string

const (
	transferInFlight transferStatus = "in_flight"
	transferSettled  transferStatus = "settled"
	transferFailed   transferStatus = "failed"
)

type pendingTransfer struct {
	id        string
	asset     common.Address
	sender    common.Address
	recipient common.Address
	amount    *big.Int
	origin    string
	dest      string
	status    transferStatus
}

type pendingMessage struct {
	id      string
	origin  string
	dest    string
	target  common.Address
	payload []byte
}

type endpoint struct {
	ledger  *ledgermem.Ledger
	handler domain.DeliveryHandler
}

// Bus connects the registered domains. All methods are safe for concurrent
// use; settlement and delivery only happen when the pump methods are called.
type Bus struct {
	mu        sync.Mutex
	domains   map[string]*endpoint
	transfers map[string]*pendingTransfer
	xferQueue []string
	msgQueue  []pendingMessage
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		domains:   make(map[string]*endpoint),
		transfers: make(map[string]*pendingTransfer),
	}
}

// RegisterDomain attaches a domain's ledger to the bus. The delivery handler
// may be set later via SetHandler once the domain's orchestrator exists.
func (b *Bus) RegisterDomain(domainID string, ledger *ledgermem.Ledger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.domains[domainID] = &endpoint{ledger: ledger}
}

// SetHandler wires the delivery handler for a registered domain.
func (b *Bus) SetHandler(domainID string, h domain.DeliveryHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ep, ok := b.domains[domainID]; ok {
		ep.handler = h
	}
}

// Endpoint returns the domain.Transport view of the bus for one origin
// domain; sender is the ledger account debited by SendAsset.
func (b *Bus) Endpoint(domainID string, sender common.Address) *Endpoint {
	return &Endpoint{bus: b, domainID: domainID, sender: sender}
}

// SettleTransfers lands every in-flight asset transfer on its destination
// ledger. Returns the number settled.
func (b *Bus) SettleTransfers() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, id := range b.xferQueue {
		tr := b.transfers[id]
		if tr.status != transferInFlight {
			continue
		}
		dest, ok := b.domains[tr.dest]
		if !ok {
			tr.status = transferFailed
			continue
		}
		dest.ledger.Mint(tr.asset, tr.recipient, tr.amount)
		tr.status = transferSettled
		n++
	}
	b.xferQueue = b.xferQueue[:0]
	return n
}

// FailTransfer marks an in-flight transfer as failed and refunds the sender
// on the origin ledger. Used to exercise stuck-delivery paths.
func (b *Bus) FailTransfer(transferID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tr, ok := b.transfers[transferID]
	if !ok {
		return domain.ErrNotFound
	}
	if tr.status != transferInFlight {
		return fmt.Errorf("loopback: transfer %s already %s", transferID, tr.status)
	}
	tr.status = transferFailed
	if origin, ok := b.domains[tr.origin]; ok {
		if err := origin.ledger.Transfer(context.Background(), tr.asset, escrowAccount, tr.sender, tr.amount); err != nil {
			return fmt.Errorf("loopback: refund transfer %s: %w", transferID, err)
		}
	}
	return nil
}

// DeliverMessages hands every queued instruction message to its destination
// handler, in order. Handler errors are returned joined with the message id;
// a failed delivery is dropped, matching one-shot delivery semantics.
func (b *Bus) DeliverMessages(ctx context.Context) []error {
	b.mu.Lock()
	queue := b.msgQueue
	b.msgQueue = nil
	b.mu.Unlock()

	var errs []error
	for _, msg := range queue {
		b.mu.Lock()
		ep, ok := b.domains[msg.dest]
		b.mu.Unlock()
		if !ok || ep.handler == nil {
			errs = append(errs, fmt.Errorf("loopback: message %s: no handler for domain %s", msg.id, msg.dest))
			continue
		}
		d := domain.Delivery{
			MessageID:     msg.id,
			OriginDomain:  msg.origin,
			Target:        msg.target,
			Payload:       msg.payload,
			Authenticated: true,
		}
		if err := ep.handler.HandleDelivery(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("loopback: message %s: %w", msg.id, err))
		}
	}
	return errs
}

// Pump settles all transfers and then delivers all messages, which is the
// ordering a healthy mesh converges to.
func (b *Bus) Pump(ctx context.Context) []error {
	b.SettleTransfers()
	return b.DeliverMessages(ctx)
}

// Endpoint is one domain's view of the bus.
type Endpoint struct {
	bus      *Bus
	domainID string
	sender   common.Address
}

// SendMessage queues an instruction message for the destination domain.
func (e *Endpoint) SendMessage(ctx context.Context, destDomain string, target common.Address, payload []byte) (string, error) {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()

	if _, ok := e.bus.domains[destDomain]; !ok {
		return "", fmt.Errorf("loopback: send message: unknown domain %s: %w", destDomain, domain.ErrInvalidInput)
	}
	id := uuid.New().String()
	e.bus.msgQueue = append(e.bus.msgQueue, pendingMessage{
		id:      id,
		origin:  e.domainID,
		dest:    destDomain,
		target:  target,
		payload: append([]byte(nil), payload...),
	})
	return id, nil
}

// SendAsset debits the sender into the origin escrow and queues the transfer
// for settlement on the destination.
func (e *Endpoint) SendAsset(ctx context.Context, asset common.Address, recipient common.Address, amount *big.Int, destDomain string) (string, error) {
	e.bus.mu.Lock()
	origin, originOK := e.bus.domains[e.domainID]
	_, destOK := e.bus.domains[destDomain]
	e.bus.mu.Unlock()

	if !originOK || !destOK {
		return "", fmt.Errorf("loopback: send asset: unknown domain: %w", domain.ErrInvalidInput)
	}
	if err := origin.ledger.Transfer(ctx, asset, e.sender, escrowAccount, amount); err != nil {
		return "", fmt.Errorf("loopback: send asset: escrow: %w", err)
	}

	id := uuid.New().String()
	e.bus.mu.Lock()
	e.bus.transfers[id] = &pendingTransfer{
		id:        id,
		asset:     asset,
		sender:    e.sender,
		recipient: recipient,
		amount:    new(big.Int).Set(amount),
		origin:    e.domainID,
		dest:      destDomain,
		status:    transferInFlight,
	}
	e.bus.xferQueue = append(e.bus.xferQueue, id)
	e.bus.mu.Unlock()
	return id, nil
}

// WasTransferSuccessful reports whether the transfer has settled. Unknown
// and in-flight transfers are not successful.
func (e *Endpoint) WasTransferSuccessful(ctx context.Context, transferID string) (bool, error) {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()

	tr, ok := e.bus.transfers[transferID]
	if !ok {
		return false, nil
	}
	return tr.status == transferSettled, nil
}

// Compile-time interface check.
var _ domain.Transport = (*Endpoint)(nil)
