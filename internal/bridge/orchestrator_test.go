package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshloan/flashmesh/internal/callback"
	"github.com/meshloan/flashmesh/internal/domain"
	ledgermem "github.com/meshloan/flashmesh/internal/ledger/memory"
	storemem "github.com/meshloan/flashmesh/internal/store/memory"
	"github.com/meshloan/flashmesh/internal/transport/loopback"
	"github.com/meshloan/flashmesh/internal/vault"
)

var (
	testAsset   = common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	alice       = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	admin       = common.HexToAddress("0xadd0000000000000000000000000000000000001")
	bridgeAcctA = common.HexToAddress("0xb01d00000000000000000000000000000000000a")
	bridgeAcctB = common.HexToAddress("0xb01d00000000000000000000000000000000000b")
	vaultAcctB  = common.HexToAddress("0x7a0100000000000000000000000000000000000b")
	repayerAddr = common.HexToAddress("0xca11000000000000000000000000000000000001")
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// mesh is a two-domain loopback world: domain "alpha" originates, domain
// "beta" hosts the vault and a repaying target.
type mesh struct {
	bus     *loopback.Bus
	clk     *fakeClock
	ledgerA *ledgermem.Ledger
	ledgerB *ledgermem.Ledger
	orchA   *Orchestrator
	orchB   *Orchestrator
	vaultB  *vault.Vault
	tripsA  *storemem.RoundTripStore
	limiter *storemem.SpacingLimiter
}

func newMesh(t *testing.T, cfgA Config) *mesh {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := newFakeClock()

	bus := loopback.NewBus()
	ledgerA := ledgermem.New()
	ledgerB := ledgermem.New()
	bus.RegisterDomain("alpha", ledgerA)
	bus.RegisterDomain("beta", ledgerB)

	acl := domain.ACL{}
	acl.Grant(admin, domain.PermPause, domain.PermSetLimits, domain.PermSetBreaker,
		domain.PermEmergency, domain.PermWithdrawFees, domain.PermSetRateLimits)

	vaultB := vault.New("beta", vaultAcctB, ledgerB, storemem.NewLoanStore(), nil, acl, logger).
		WithClock(clk.Now)

	targetsA := callback.NewRegistry()
	targetsB := callback.NewRegistry()
	targetsB.Register(callback.NewRepayer(repayerAddr, ledgerB, logger))

	tripsA := storemem.NewRoundTripStore()
	limiter := storemem.NewSpacingLimiter()

	if cfgA.Peers == nil {
		cfgA.Peers = map[string]common.Address{"beta": bridgeAcctB}
	}
	orchA := New("alpha", bridgeAcctA, ledgerA, bus.Endpoint("alpha", bridgeAcctA),
		nil, targetsA, tripsA, limiter, nil, acl, cfgA, logger).WithClock(clk.Now)

	cfgB := Config{Peers: map[string]common.Address{"alpha": bridgeAcctA}}
	orchB := New("beta", bridgeAcctB, ledgerB, bus.Endpoint("beta", bridgeAcctB),
		vaultB, targetsB, storemem.NewRoundTripStore(), storemem.NewSpacingLimiter(),
		nil, acl, cfgB, logger).WithClock(clk.Now)

	bus.SetHandler("alpha", orchA)
	bus.SetHandler("beta", orchB)

	// Fund alice on the origin and let the bridge pull from her.
	ledgerA.Mint(testAsset, alice, big.NewInt(10_000))
	ctx := context.Background()
	if err := ledgerA.Approve(ctx, testAsset, alice, bridgeAcctA, big.NewInt(10_000)); err != nil {
		t.Fatalf("approve: %v", err)
	}

	return &mesh{
		bus:     bus,
		clk:     clk,
		ledgerA: ledgerA,
		ledgerB: ledgerB,
		orchA:   orchA,
		orchB:   orchB,
		vaultB:  vaultB,
		tripsA:  tripsA,
		limiter: limiter,
	}
}

func balance(t *testing.T, l *ledgermem.Ledger, account common.Address) *big.Int {
	t.Helper()
	b, err := l.BalanceOf(context.Background(), testAsset, account)
	if err != nil {
		t.Fatalf("balance of %s: %v", account, err)
	}
	return b
}

func TestInitiateValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		cfg    Config
		dest   string
		amount *big.Int
		fee    *big.Int
		target common.Address
		want   error
	}{
		{
			name:   "nil amount",
			dest:   "beta",
			target: repayerAddr,
			want:   domain.ErrInvalidInput,
		},
		{
			name:   "zero amount",
			dest:   "beta",
			amount: big.NewInt(0),
			target: repayerAddr,
			want:   domain.ErrInvalidInput,
		},
		{
			name:   "over max",
			cfg:    Config{MaxLoanAmount: big.NewInt(100)},
			dest:   "beta",
			amount: big.NewInt(101),
			target: repayerAddr,
			want:   domain.ErrAmountExceedsMax,
		},
		{
			name:   "zero target",
			dest:   "beta",
			amount: big.NewInt(50),
			want:   domain.ErrInvalidInput,
		},
		{
			name:   "unknown destination",
			dest:   "gamma",
			amount: big.NewInt(50),
			target: repayerAddr,
			want:   domain.ErrInvalidInput,
		},
		{
			name:   "fee below flat fee",
			cfg:    Config{FlatFee: big.NewInt(10)},
			dest:   "beta",
			amount: big.NewInt(50),
			fee:    big.NewInt(9),
			target: repayerAddr,
			want:   domain.ErrInsufficientFee,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := newMesh(t, tc.cfg)
			_, err := m.orchA.Initiate(ctx, alice, tc.dest, testAsset, tc.amount, tc.fee, tc.target, nil)
			if !errors.Is(err, tc.want) {
				t.Fatalf("Initiate() error = %v, want %v", err, tc.want)
			}
			// Precondition failures must not touch the caller's rate-limit
			// timestamp.
			last, err := m.limiter.Last(ctx, alice.Hex())
			if err != nil {
				t.Fatalf("limiter.Last: %v", err)
			}
			if !last.IsZero() {
				t.Fatalf("rate-limit timestamp recorded on rejected initiation: %v", last)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newMesh(t, Config{FlatFee: big.NewInt(5)})

	amount := big.NewInt(1_000)
	msgID, err := m.orchA.Initiate(ctx, alice, "beta", testAsset, amount, big.NewInt(5), repayerAddr, []byte("go"))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if msgID == "" {
		t.Fatal("Initiate returned empty message id")
	}

	// Caller paid fee plus principal up front.
	if got := balance(t, m.ledgerA, alice); got.Cmp(big.NewInt(8_995)) != 0 {
		t.Fatalf("alice balance after initiate = %s, want 8995", got)
	}
	rt, err := m.tripsA.GetByMessageID(ctx, msgID)
	if err != nil {
		t.Fatalf("pending round trip not recorded: %v", err)
	}
	if rt.Status != domain.RoundTripPending {
		t.Fatalf("round trip status = %s, want pending", rt.Status)
	}

	// Settle the transfer, deliver the instruction to beta.
	if errs := m.bus.Pump(ctx); len(errs) != 0 {
		t.Fatalf("first pump: %v", errs)
	}

	// Beta's loan opened, executed, and closed as repaid.
	loans, err := m.vaultB.ListHistory(ctx, domain.ListOpts{Limit: 10})
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(loans) != 1 {
		t.Fatalf("beta recorded %d loans, want 1", len(loans))
	}
	if loans[0].Status != domain.LoanClosed || loans[0].Reason != domain.CloseRepaid {
		t.Fatalf("loan = %s/%s, want closed/repaid", loans[0].Status, loans[0].Reason)
	}

	// Second pump lands the return transfer and the completion message.
	if errs := m.bus.Pump(ctx); len(errs) != 0 {
		t.Fatalf("second pump: %v", errs)
	}

	rt, err = m.tripsA.GetByMessageID(ctx, msgID)
	if err != nil {
		t.Fatalf("GetByMessageID: %v", err)
	}
	if rt.Status != domain.RoundTripCompleted {
		t.Fatalf("round trip status = %s, want completed", rt.Status)
	}
	if rt.CompletedAt == nil {
		t.Fatal("completed round trip has no completion time")
	}

	// Principal looped back to the caller; the bridge keeps only the fee.
	if got := balance(t, m.ledgerA, alice); got.Cmp(big.NewInt(9_995)) != 0 {
		t.Fatalf("alice balance after completion = %s, want 9995", got)
	}
	if got := balance(t, m.ledgerA, bridgeAcctA); got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("origin bridge balance = %s, want 5 (fee only)", got)
	}
	if got := m.orchA.CollectedFees(); got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("collected fees = %s, want 5", got)
	}

	pending, err := m.orchA.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("still %d pending round trips after completion", len(pending))
	}
}

func TestDeliveryBeforeSettlementOpensNoLoan(t *testing.T) {
	ctx := context.Background()
	m := newMesh(t, Config{})

	if _, err := m.orchA.Initiate(ctx, alice, "beta", testAsset, big.NewInt(500), nil, repayerAddr, nil); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	// Deliver the instruction while the asset transfer is still in flight.
	errs := m.bus.DeliverMessages(ctx)
	if len(errs) != 1 || !errors.Is(errs[0], domain.ErrUnverifiedTransfer) {
		t.Fatalf("delivery errors = %v, want ErrUnverifiedTransfer", errs)
	}
	loans, err := m.vaultB.ListHistory(ctx, domain.ListOpts{Limit: 10})
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(loans) != 0 {
		t.Fatalf("loan opened for unverified transfer: %+v", loans[0])
	}
}

func TestUnauthenticatedDeliveryRejected(t *testing.T) {
	m := newMesh(t, Config{})
	err := m.orchB.HandleDelivery(context.Background(), domain.Delivery{
		MessageID:     "m-1",
		OriginDomain:  "alpha",
		Authenticated: false,
	})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("HandleDelivery error = %v, want ErrUnauthorized", err)
	}
}

func TestUnknownTargetFailsDelivery(t *testing.T) {
	ctx := context.Background()
	m := newMesh(t, Config{})

	stranger := common.HexToAddress("0xdead000000000000000000000000000000000001")
	if _, err := m.orchA.Initiate(ctx, alice, "beta", testAsset, big.NewInt(100), nil, stranger, nil); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	m.bus.SettleTransfers()
	errs := m.bus.DeliverMessages(ctx)
	if len(errs) != 1 || !errors.Is(errs[0], domain.ErrUnknownTarget) {
		t.Fatalf("delivery errors = %v, want ErrUnknownTarget", errs)
	}
}

func TestCircuitBreakerBlocksInitiation(t *testing.T) {
	ctx := context.Background()
	m := newMesh(t, Config{})

	if err := m.orchA.SetCircuitBreaker(ctx, admin, true); err != nil {
		t.Fatalf("SetCircuitBreaker: %v", err)
	}
	_, err := m.orchA.Initiate(ctx, alice, "beta", testAsset, big.NewInt(100), nil, repayerAddr, nil)
	if !errors.Is(err, domain.ErrCircuitBreaker) {
		t.Fatalf("Initiate error = %v, want ErrCircuitBreaker", err)
	}
	// The breaker check runs before the rate limiter; the caller keeps a
	// clean timestamp.
	last, err := m.limiter.Last(ctx, alice.Hex())
	if err != nil {
		t.Fatalf("limiter.Last: %v", err)
	}
	if !last.IsZero() {
		t.Fatalf("breaker rejection recorded a rate-limit timestamp: %v", last)
	}

	if err := m.orchA.SetCircuitBreaker(ctx, admin, false); err != nil {
		t.Fatalf("SetCircuitBreaker(off): %v", err)
	}
	if _, err := m.orchA.Initiate(ctx, alice, "beta", testAsset, big.NewInt(100), nil, repayerAddr, nil); err != nil {
		t.Fatalf("Initiate after breaker off: %v", err)
	}
}

func TestRateLimitSpacing(t *testing.T) {
	ctx := context.Background()
	m := newMesh(t, Config{MinSpacing: time.Minute})

	first := m.clk.Now()
	if _, err := m.orchA.Initiate(ctx, alice, "beta", testAsset, big.NewInt(100), nil, repayerAddr, nil); err != nil {
		t.Fatalf("first Initiate: %v", err)
	}

	m.clk.Advance(30 * time.Second)
	_, err := m.orchA.Initiate(ctx, alice, "beta", testAsset, big.NewInt(100), nil, repayerAddr, nil)
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("second Initiate error = %v, want ErrRateLimited", err)
	}
	// The rejected attempt must not refresh the stored timestamp.
	last, err := m.limiter.Last(ctx, alice.Hex())
	if err != nil {
		t.Fatalf("limiter.Last: %v", err)
	}
	if !last.Equal(first) {
		t.Fatalf("stored timestamp = %v, want %v", last, first)
	}

	m.clk.Advance(30 * time.Second)
	if _, err := m.orchA.Initiate(ctx, alice, "beta", testAsset, big.NewInt(100), nil, repayerAddr, nil); err != nil {
		t.Fatalf("third Initiate after spacing elapsed: %v", err)
	}
}

func TestAdminGating(t *testing.T) {
	ctx := context.Background()
	m := newMesh(t, Config{})
	nobody := common.HexToAddress("0x00b0dd0000000000000000000000000000000001")

	if err := m.orchA.SetCircuitBreaker(ctx, nobody, true); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("SetCircuitBreaker error = %v, want ErrUnauthorized", err)
	}
	if err := m.orchA.SetMaxLoanAmount(ctx, nobody, big.NewInt(1)); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("SetMaxLoanAmount error = %v, want ErrUnauthorized", err)
	}
	if err := m.orchA.SetMinSpacing(ctx, nobody, time.Second); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("SetMinSpacing error = %v, want ErrUnauthorized", err)
	}
	if _, err := m.orchA.WithdrawFees(ctx, nobody, testAsset, nobody); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("WithdrawFees error = %v, want ErrUnauthorized", err)
	}

	if err := m.orchA.SetMaxLoanAmount(ctx, admin, big.NewInt(50)); err != nil {
		t.Fatalf("SetMaxLoanAmount as admin: %v", err)
	}
	_, err := m.orchA.Initiate(ctx, alice, "beta", testAsset, big.NewInt(51), nil, repayerAddr, nil)
	if !errors.Is(err, domain.ErrAmountExceedsMax) {
		t.Fatalf("Initiate after cap error = %v, want ErrAmountExceedsMax", err)
	}
}

func TestWithdrawFees(t *testing.T) {
	ctx := context.Background()
	m := newMesh(t, Config{FlatFee: big.NewInt(7)})
	treasury := common.HexToAddress("0x70ea000000000000000000000000000000000001")

	if _, err := m.orchA.Initiate(ctx, alice, "beta", testAsset, big.NewInt(100), big.NewInt(7), repayerAddr, nil); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	got, err := m.orchA.WithdrawFees(ctx, admin, testAsset, treasury)
	if err != nil {
		t.Fatalf("WithdrawFees: %v", err)
	}
	if got.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("withdrawn = %s, want 7", got)
	}
	if b := balance(t, m.ledgerA, treasury); b.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("treasury balance = %s, want 7", b)
	}
	if rem := m.orchA.CollectedFees(); rem.Sign() != 0 {
		t.Fatalf("fees after withdrawal = %s, want 0", rem)
	}
}
