// Package redis implements the cross-domain transport over Redis Streams.
// Every domain node appends messages and transfer records to its peers'
// inbound streams and consumes its own; transfer settlement moves funds
// between each domain's local escrow account and the recipient, with the
// settlement outcome published through the shared transfer status cache.
//
// Stream writers are not trusted. Instruction messages carry an HMAC over
// the envelope, and transfer entries carry a secp256k1 signature by the
// origin operator that must recover to the signer registered for that
// domain before any escrow funds move.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	cacheredis "github.com/meshloan/flashmesh/internal/cache/redis"
	"github.com/meshloan/flashmesh/internal/crypto"
	"github.com/meshloan/flashmesh/internal/domain"
)

const (
	messageStreamPrefix  = "mesh:messages:"
	transferStreamPrefix = "mesh:transfers:"
	cursorKeyPrefix      = "mesh:cursor:"

	streamMaxLen  int64 = 10000
	readBlock           = 2 * time.Second
	readBatchSize int64 = 32
)

// NodeConfig identifies one domain's attachment to the stream mesh.
type NodeConfig struct {
	DomainID string

	// Sender is debited on outbound asset sends; Escrow holds this
	// domain's bridge liquidity, receiving outbound principal and paying
	// inbound settlements.
	Sender common.Address
	Escrow common.Address

	// Auth authenticates instruction envelopes.
	Auth *crypto.EnvelopeAuth

	// Signer signs outbound transfer entries; Signers maps each origin
	// domain to the operator address its transfer entries must recover to.
	Signer  *crypto.ReceiptSigner
	Signers map[string]common.Address
}

// Node is one domain's attachment to the stream mesh. It implements
// domain.Transport for the outbound side; Run consumes the inbound streams.
type Node struct {
	domainID string
	sender   common.Address
	escrow   common.Address
	rdb      *redis.Client
	ledger   domain.AssetLedger
	auth     *crypto.EnvelopeAuth
	signer   *crypto.ReceiptSigner
	signers  map[string]common.Address
	statuses *cacheredis.TransferStatusCache
	handler  domain.DeliveryHandler
	logger   *slog.Logger
}

// NewNode attaches a domain to the mesh.
func NewNode(cfg NodeConfig, client *cacheredis.Client, ledger domain.AssetLedger, logger *slog.Logger) *Node {
	return &Node{
		domainID: cfg.DomainID,
		sender:   cfg.Sender,
		escrow:   cfg.Escrow,
		rdb:      client.Underlying(),
		ledger:   ledger,
		auth:     cfg.Auth,
		signer:   cfg.Signer,
		signers:  cfg.Signers,
		statuses: cacheredis.NewTransferStatusCache(client),
		logger:   logger.With(slog.String("component", "transport"), slog.String("domain", cfg.DomainID)),
	}
}

// SetHandler wires the delivery handler consuming this domain's messages.
func (n *Node) SetHandler(h domain.DeliveryHandler) { n.handler = h }

// SendMessage appends an authenticated message to the destination domain's
// inbound stream and returns the message id.
func (n *Node) SendMessage(ctx context.Context, destDomain string, target common.Address, payload []byte) (string, error) {
	id := uuid.New().String()
	args := &redis.XAddArgs{
		Stream: messageStreamPrefix + destDomain,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":      id,
			"origin":  n.domainID,
			"target":  target.Hex(),
			"payload": payload,
			"sig":     n.auth.Sign(n.domainID, id, payload),
		},
	}
	if err := n.rdb.XAdd(ctx, args).Err(); err != nil {
		return "", fmt.Errorf("transport: send message to %s: %w", destDomain, err)
	}
	return id, nil
}

// SendAsset parks the amount in the local escrow and records the transfer
// on the destination's inbound stream, signed by the operator key so the
// destination can verify it before paying out. The signature covers the
// destination domain, so an entry replayed onto another domain's stream
// does not verify there.
func (n *Node) SendAsset(ctx context.Context, asset common.Address, recipient common.Address, amount *big.Int, destDomain string) (string, error) {
	id := uuid.New().String()

	sig, err := n.signer.SignReceipt(id, asset, recipient, amount, destDomain)
	if err != nil {
		return "", fmt.Errorf("transport: send asset: %w", err)
	}

	if err := n.ledger.Transfer(ctx, asset, n.sender, n.escrow, amount); err != nil {
		return "", fmt.Errorf("transport: send asset: escrow: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: transferStreamPrefix + destDomain,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":        id,
			"origin":    n.domainID,
			"asset":     asset.Hex(),
			"recipient": recipient.Hex(),
			"amount":    amount.String(),
			"sig":       common.Bytes2Hex(sig),
		},
	}
	if err := n.rdb.XAdd(ctx, args).Err(); err != nil {
		return "", fmt.Errorf("transport: send asset to %s: %w", destDomain, err)
	}
	if err := n.statuses.SetStatus(ctx, id, cacheredis.TransferInFlight); err != nil {
		return "", err
	}
	return id, nil
}

// WasTransferSuccessful reports whether the destination has settled the
// transfer. Unknown and in-flight transfers are not successful.
func (n *Node) WasTransferSuccessful(ctx context.Context, transferID string) (bool, error) {
	status, ok, err := n.statuses.Status(ctx, transferID)
	if err != nil {
		return false, err
	}
	return ok && status == cacheredis.TransferSettled, nil
}

// Run consumes this domain's inbound streams until the context is cancelled.
// Transfers settle before messages in each batch, so an instruction and its
// paired transfer arriving together verify on first delivery.
func (n *Node) Run(ctx context.Context) error {
	msgStream := messageStreamPrefix + n.domainID
	xferStream := transferStreamPrefix + n.domainID

	msgCursor, err := n.loadCursor(ctx, msgStream)
	if err != nil {
		return err
	}
	xferCursor, err := n.loadCursor(ctx, xferStream)
	if err != nil {
		return err
	}

	n.logger.Info("transport consumer started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := n.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{xferStream, msgStream, xferCursor, msgCursor},
			Count:   readBatchSize,
			Block:   readBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n.logger.Error("stream read failed", slog.String("error", err.Error()))
			time.Sleep(time.Second)
			continue
		}

		for _, s := range results {
			for _, msg := range s.Messages {
				switch s.Stream {
				case xferStream:
					n.settleTransfer(ctx, msg)
					xferCursor = msg.ID
					n.saveCursor(ctx, xferStream, xferCursor)
				case msgStream:
					n.deliverMessage(ctx, msg)
					msgCursor = msg.ID
					n.saveCursor(ctx, msgStream, msgCursor)
				}
			}
		}
	}
}

// inboundTransfer is a verified transfer entry ready to settle.
type inboundTransfer struct {
	id        string
	origin    string
	asset     common.Address
	recipient common.Address
	amount    *big.Int
}

// parseTransfer validates a transfer stream entry addressed to domainID.
// The entry's signature must recover to the signer registered for its
// origin domain; entries failing any check are rejected before funds move.
func parseTransfer(values map[string]interface{}, domainID string, signers map[string]common.Address) (inboundTransfer, error) {
	tr := inboundTransfer{
		id:     stringField(values, "id"),
		origin: stringField(values, "origin"),
	}
	if tr.id == "" {
		return tr, fmt.Errorf("transport: transfer entry without id: %w", domain.ErrInvalidInput)
	}
	amount, ok := new(big.Int).SetString(stringField(values, "amount"), 10)
	if !ok {
		return tr, fmt.Errorf("transport: transfer %s: malformed amount: %w", tr.id, domain.ErrInvalidInput)
	}
	tr.amount = amount
	tr.asset = common.HexToAddress(stringField(values, "asset"))
	tr.recipient = common.HexToAddress(stringField(values, "recipient"))

	want, ok := signers[tr.origin]
	if !ok {
		return tr, fmt.Errorf("transport: transfer %s: no signer registered for domain %q: %w", tr.id, tr.origin, domain.ErrUnverifiedTransfer)
	}
	got, err := crypto.RecoverReceiptSigner(tr.id, tr.asset, tr.recipient, tr.amount, domainID, common.Hex2Bytes(stringField(values, "sig")))
	if err != nil {
		return tr, fmt.Errorf("transport: transfer %s: %v: %w", tr.id, err, domain.ErrUnverifiedTransfer)
	}
	if got != want {
		return tr, fmt.Errorf("transport: transfer %s: signed by %s, want %s: %w", tr.id, got.Hex(), want.Hex(), domain.ErrUnverifiedTransfer)
	}
	return tr, nil
}

// settleTransfer pays the recipient from the local escrow and records the
// outcome for WasTransferSuccessful on the origin side. Entries that do not
// verify are dropped without touching the status cache, so a forged entry
// cannot mark a genuine in-flight transfer failed.
func (n *Node) settleTransfer(ctx context.Context, msg redis.XMessage) {
	tr, err := parseTransfer(msg.Values, n.domainID, n.signers)
	if err != nil {
		n.logger.Warn("transfer entry rejected",
			slog.String("entry", msg.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := n.ledger.Transfer(ctx, tr.asset, n.escrow, tr.recipient, tr.amount); err != nil {
		n.logger.Error("transfer settlement failed",
			slog.String("transfer_id", tr.id),
			slog.String("error", err.Error()),
		)
		n.recordStatus(ctx, tr.id, cacheredis.TransferFailed)
		return
	}
	n.recordStatus(ctx, tr.id, cacheredis.TransferSettled)
	n.logger.Info("transfer settled",
		slog.String("transfer_id", tr.id),
		slog.String("origin", tr.origin),
		slog.String("amount", tr.amount.String()),
	)
}

func (n *Node) deliverMessage(ctx context.Context, msg redis.XMessage) {
	if n.handler == nil {
		n.logger.Warn("message dropped, no handler", slog.String("entry", msg.ID))
		return
	}
	id := stringField(msg.Values, "id")
	origin := stringField(msg.Values, "origin")
	payload := []byte(stringField(msg.Values, "payload"))
	sig := stringField(msg.Values, "sig")

	d := domain.Delivery{
		MessageID:     id,
		OriginDomain:  origin,
		Target:        common.HexToAddress(stringField(msg.Values, "target")),
		Payload:       payload,
		Authenticated: n.auth.Verify(origin, id, payload, sig),
	}
	if err := n.handler.HandleDelivery(ctx, d); err != nil {
		n.logger.Error("delivery failed",
			slog.String("message_id", id),
			slog.String("origin", origin),
			slog.String("error", err.Error()),
		)
	}
}

func (n *Node) recordStatus(ctx context.Context, transferID, status string) {
	if err := n.statuses.SetStatus(ctx, transferID, status); err != nil {
		n.logger.Error("transfer status not recorded",
			slog.String("transfer_id", transferID),
			slog.String("error", err.Error()),
		)
	}
}

func (n *Node) loadCursor(ctx context.Context, stream string) (string, error) {
	cursor, err := n.rdb.Get(ctx, cursorKeyPrefix+stream).Result()
	if err != nil {
		if err == redis.Nil {
			return "0", nil
		}
		return "", fmt.Errorf("transport: load cursor %s: %w", stream, err)
	}
	return cursor, nil
}

func (n *Node) saveCursor(ctx context.Context, stream, id string) {
	if err := n.rdb.Set(ctx, cursorKeyPrefix+stream, id, 0).Err(); err != nil {
		n.logger.Error("cursor not saved",
			slog.String("stream", stream),
			slog.String("error", err.Error()),
		)
	}
}

func stringField(values map[string]interface{}, key string) string {
	v, ok := values[key]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

// Compile-time interface check.
var _ domain.Transport = (*Node)(nil)
