package loopback

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshloan/flashmesh/internal/domain"
	ledgermem "github.com/meshloan/flashmesh/internal/ledger/memory"
)

var (
	asset  = common.HexToAddress("0x1000")
	sender = common.HexToAddress("0x2000")
	recv   = common.HexToAddress("0x3000")
)

type captureHandler struct {
	deliveries []domain.Delivery
	err        error
}

func (h *captureHandler) HandleDelivery(ctx context.Context, d domain.Delivery) error {
	h.deliveries = append(h.deliveries, d)
	return h.err
}

func twoDomainBus(t *testing.T) (*Bus, *ledgermem.Ledger, *ledgermem.Ledger) {
	t.Helper()
	bus := NewBus()
	la := ledgermem.New()
	lb := ledgermem.New()
	bus.RegisterDomain("chain-a", la)
	bus.RegisterDomain("chain-b", lb)
	la.Mint(asset, sender, big.NewInt(1000))
	return bus, la, lb
}

func TestAssetTransferSettlement(t *testing.T) {
	ctx := context.Background()
	bus, la, lb := twoDomainBus(t)
	ep := bus.Endpoint("chain-a", sender)

	id, err := ep.SendAsset(ctx, asset, recv, big.NewInt(400), "chain-b")
	if err != nil {
		t.Fatalf("send asset: %v", err)
	}

	// Debited into escrow immediately, not yet landed.
	if got, _ := la.BalanceOf(ctx, asset, sender); got.Cmp(big.NewInt(600)) != 0 {
		t.Errorf("sender balance = %s, want 600", got)
	}
	if ok, _ := ep.WasTransferSuccessful(ctx, id); ok {
		t.Error("transfer successful before settlement")
	}

	if n := bus.SettleTransfers(); n != 1 {
		t.Fatalf("settled %d transfers, want 1", n)
	}
	if ok, _ := ep.WasTransferSuccessful(ctx, id); !ok {
		t.Error("transfer not successful after settlement")
	}
	if got, _ := lb.BalanceOf(ctx, asset, recv); got.Cmp(big.NewInt(400)) != 0 {
		t.Errorf("recipient balance = %s, want 400", got)
	}
}

func TestUnknownTransferNotSuccessful(t *testing.T) {
	bus, _, _ := twoDomainBus(t)
	ep := bus.Endpoint("chain-a", sender)
	if ok, _ := ep.WasTransferSuccessful(context.Background(), "no-such-id"); ok {
		t.Error("unknown transfer reported successful")
	}
}

func TestFailTransferRefundsSender(t *testing.T) {
	ctx := context.Background()
	bus, la, _ := twoDomainBus(t)
	ep := bus.Endpoint("chain-a", sender)

	id, err := ep.SendAsset(ctx, asset, recv, big.NewInt(400), "chain-b")
	if err != nil {
		t.Fatalf("send asset: %v", err)
	}
	if err := bus.FailTransfer(id); err != nil {
		t.Fatalf("fail transfer: %v", err)
	}

	if got, _ := la.BalanceOf(ctx, asset, sender); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("sender balance after refund = %s, want 1000", got)
	}
	if ok, _ := ep.WasTransferSuccessful(ctx, id); ok {
		t.Error("failed transfer reported successful")
	}
	// A failed transfer does not settle later.
	bus.SettleTransfers()
	if ok, _ := ep.WasTransferSuccessful(ctx, id); ok {
		t.Error("failed transfer settled")
	}
}

func TestMessageDelivery(t *testing.T) {
	ctx := context.Background()
	bus, _, _ := twoDomainBus(t)
	h := &captureHandler{}
	bus.SetHandler("chain-b", h)
	ep := bus.Endpoint("chain-a", sender)

	target := common.HexToAddress("0x9999")
	id, err := ep.SendMessage(ctx, "chain-b", target, []byte("payload"))
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if len(h.deliveries) != 0 {
		t.Fatal("message delivered before pump")
	}

	if errs := bus.DeliverMessages(ctx); len(errs) != 0 {
		t.Fatalf("deliver errors: %v", errs)
	}
	if len(h.deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(h.deliveries))
	}

	d := h.deliveries[0]
	if d.MessageID != id || d.OriginDomain != "chain-a" || d.Target != target || !d.Authenticated {
		t.Errorf("delivery = %+v, want id %s from chain-a, authenticated", d, id)
	}

	// One-shot: a second pump delivers nothing.
	bus.DeliverMessages(ctx)
	if len(h.deliveries) != 1 {
		t.Errorf("deliveries after second pump = %d, want 1", len(h.deliveries))
	}
}

func TestSendToUnknownDomain(t *testing.T) {
	ctx := context.Background()
	bus, _, _ := twoDomainBus(t)
	ep := bus.Endpoint("chain-a", sender)

	if _, err := ep.SendMessage(ctx, "chain-x", common.Address{}, nil); err == nil {
		t.Error("send message to unknown domain succeeded")
	}
	if _, err := ep.SendAsset(ctx, asset, recv, big.NewInt(1), "chain-x"); err == nil {
		t.Error("send asset to unknown domain succeeded")
	}
}
