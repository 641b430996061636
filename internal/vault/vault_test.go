package vault

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

	"github.com/meshloan/flashmesh/internal/domain"
	ledgermem "github.com/meshloan/flashmesh/internal/ledger/memory"
	storemem "github.com/meshloan/flashmesh/internal/store/memory"
)

var (
	testAsset    = common.HexToAddress("0x1000")
	vaultAccount = common.HexToAddress("0x7a01")
	funder       = common.HexToAddress("0xf001")
	borrower     = common.HexToAddress("0xb001")
	targetAddr   = common.HexToAddress("0xc001")
	admin        = common.HexToAddress("0xad01")
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
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

// testCallback delivers principal to addr and runs fn as the use step.
type testCallback struct {
	addr common.Address
	fn   func(ctx context.Context, asset common.Address, amount *big.Int, vault common.Address, payload []byte) error
}

func (c *testCallback) Address() common.Address { return c.addr }

func (c *testCallback) Execute(ctx context.Context, asset common.Address, amount *big.Int, vault common.Address, payload []byte) error {
	if c.fn == nil {
		return nil
	}
	return c.fn(ctx, asset, amount, vault, payload)
}

// repayer returns a callback that transfers the full principal back to the
// vault account.
func repayer(ledger *ledgermem.Ledger) *testCallback {
	return &testCallback{
		addr: targetAddr,
		fn: func(ctx context.Context, asset common.Address, amount *big.Int, vault common.Address, payload []byte) error {
			return ledger.Transfer(ctx, asset, targetAddr, vault, amount)
		},
	}
}

func newTestVault(t *testing.T) (*Vault, *ledgermem.Ledger, *fakeClock) {
	t.Helper()

	ledger := ledgermem.New()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	acl := make(domain.ACL)
	acl.Grant(admin, domain.PermPause, domain.PermSetLimits, domain.PermEmergency)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	v := New("chain-a", vaultAccount, ledger, storemem.NewLoanStore(), nil, acl, logger).WithClock(clk.Now)

	// Seed and approve the funder.
	ledger.Mint(testAsset, funder, big.NewInt(10_000))
	if err := ledger.Approve(context.Background(), testAsset, funder, vaultAccount, big.NewInt(10_000)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	return v, ledger, clk
}

func mustCreate(t *testing.T, v *Vault, amount int64, timeout time.Duration) common.Hash {
	t.Helper()
	id, err := v.Create(context.Background(), funder, testAsset, big.NewInt(amount), borrower, timeout)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func balance(t *testing.T, ledger *ledgermem.Ledger, account common.Address) *big.Int {
	t.Helper()
	b, err := ledger.BalanceOf(context.Background(), testAsset, account)
	if err != nil {
		t.Fatalf("balance of %s: %v", account, err)
	}
	return b
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		setup   func(v *Vault, ledger *ledgermem.Ledger)
		creator common.Address
		asset   common.Address
		amount  *big.Int
		borrow  common.Address
		timeout time.Duration
		wantErr error
	}{
		{
			name:    "zero amount",
			creator: funder, asset: testAsset, amount: big.NewInt(0), borrow: borrower, timeout: time.Hour,
			wantErr: domain.ErrInvalidInput,
		},
		{
			name:    "nil amount",
			creator: funder, asset: testAsset, amount: nil, borrow: borrower, timeout: time.Hour,
			wantErr: domain.ErrInvalidInput,
		},
		{
			name:    "zero borrower",
			creator: funder, asset: testAsset, amount: big.NewInt(100), borrow: common.Address{}, timeout: time.Hour,
			wantErr: domain.ErrInvalidInput,
		},
		{
			name:    "zero asset",
			creator: funder, asset: common.Address{}, amount: big.NewInt(100), borrow: borrower, timeout: time.Hour,
			wantErr: domain.ErrInvalidInput,
		},
		{
			name:    "zero timeout",
			creator: funder, asset: testAsset, amount: big.NewInt(100), borrow: borrower, timeout: 0,
			wantErr: domain.ErrInvalidInput,
		},
		{
			name: "amount over per-asset max",
			setup: func(v *Vault, _ *ledgermem.Ledger) {
				if err := v.SetAssetLimits(ctx, admin, domain.AssetLimits{Asset: testAsset, MaxLoanAmount: big.NewInt(500)}); err != nil {
					t.Fatalf("set limits: %v", err)
				}
			},
			creator: funder, asset: testAsset, amount: big.NewInt(501), borrow: borrower, timeout: time.Hour,
			wantErr: domain.ErrAmountExceedsMax,
		},
		{
			name: "max active loans reached",
			setup: func(v *Vault, _ *ledgermem.Ledger) {
				if err := v.SetAssetLimits(ctx, admin, domain.AssetLimits{Asset: testAsset, MaxActiveLoans: 1}); err != nil {
					t.Fatalf("set limits: %v", err)
				}
				mustCreate(t, v, 100, time.Hour)
			},
			creator: funder, asset: testAsset, amount: big.NewInt(100), borrow: borrower, timeout: time.Hour,
			wantErr: domain.ErrMaxLoansExceeded,
		},
		{
			name:    "insufficient creator balance",
			creator: funder, asset: testAsset, amount: big.NewInt(20_000), borrow: borrower, timeout: time.Hour,
			wantErr: domain.ErrInsufficientBalance,
		},
		{
			name: "funding transfer fails without allowance",
			setup: func(_ *Vault, ledger *ledgermem.Ledger) {
				if err := ledger.Approve(ctx, testAsset, funder, vaultAccount, big.NewInt(0)); err != nil {
					t.Fatalf("approve: %v", err)
				}
			},
			creator: funder, asset: testAsset, amount: big.NewInt(100), borrow: borrower, timeout: time.Hour,
			wantErr: domain.ErrTransferFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ledger, _ := newTestVault(t)
			if tt.setup != nil {
				tt.setup(v, ledger)
			}
			_, err := v.Create(ctx, tt.creator, tt.asset, tt.amount, tt.borrow, tt.timeout)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// Scenario: create a loan for 1000 with a 1-hour timeout and execute it
// immediately with a callback that repays exactly the principal. The loan
// closes, the counter drops back, and every account's net balance change
// across the full cycle is zero.
func TestExecuteRepaysAndCloses(t *testing.T) {
	ctx := context.Background()
	v, ledger, _ := newTestVault(t)

	funderBefore := balance(t, ledger, funder)

	id := mustCreate(t, v, 1000, time.Hour)
	if got := v.ActiveCount(testAsset); got != 1 {
		t.Fatalf("active count = %d, want 1", got)
	}

	if err := v.Execute(ctx, borrower, id, repayer(ledger), nil); err != nil {
		t.Fatalf("execute: %v", err)
	}

	loan, err := v.GetLoan(ctx, id)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if loan.Status != domain.LoanClosed || loan.Reason != domain.CloseRepaid {
		t.Errorf("loan = %s/%s, want closed/repaid", loan.Status, loan.Reason)
	}
	if got := v.ActiveCount(testAsset); got != 0 {
		t.Errorf("active count = %d, want 0", got)
	}

	// Closed loop: funder ends where it started, vault and target hold nothing.
	if got := balance(t, ledger, funder); got.Cmp(funderBefore) != 0 {
		t.Errorf("funder balance = %s, want %s", got, funderBefore)
	}
	if got := balance(t, ledger, vaultAccount); got.Sign() != 0 {
		t.Errorf("vault balance = %s, want 0", got)
	}
	if got := balance(t, ledger, targetAddr); got.Sign() != 0 {
		t.Errorf("target balance = %s, want 0", got)
	}
}

func TestExecutePreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown loan", func(t *testing.T) {
		v, ledger, _ := newTestVault(t)
		err := v.Execute(ctx, borrower, common.BytesToHash([]byte{1}), repayer(ledger), nil)
		if !errors.Is(err, domain.ErrLoanNotActive) {
			t.Errorf("err = %v, want ErrLoanNotActive", err)
		}
	})

	t.Run("wrong caller", func(t *testing.T) {
		v, ledger, _ := newTestVault(t)
		id := mustCreate(t, v, 1000, time.Hour)
		err := v.Execute(ctx, funder, id, repayer(ledger), nil)
		if !errors.Is(err, domain.ErrNotBorrower) {
			t.Errorf("err = %v, want ErrNotBorrower", err)
		}
	})

	t.Run("nil target", func(t *testing.T) {
		v, _, _ := newTestVault(t)
		id := mustCreate(t, v, 1000, time.Hour)
		err := v.Execute(ctx, borrower, id, nil, nil)
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("err = %v, want ErrInvalidInput", err)
		}
	})

	t.Run("after expiry", func(t *testing.T) {
		v, ledger, clk := newTestVault(t)
		id := mustCreate(t, v, 1000, 10*time.Second)
		clk.Advance(11 * time.Second)
		err := v.Execute(ctx, borrower, id, repayer(ledger), nil)
		if !errors.Is(err, domain.ErrLoanExpired) {
			t.Errorf("err = %v, want ErrLoanExpired", err)
		}
	})

	t.Run("closed loan", func(t *testing.T) {
		v, ledger, _ := newTestVault(t)
		id := mustCreate(t, v, 1000, time.Hour)
		if err := v.Execute(ctx, borrower, id, repayer(ledger), nil); err != nil {
			t.Fatalf("first execute: %v", err)
		}
		err := v.Execute(ctx, borrower, id, repayer(ledger), nil)
		if !errors.Is(err, domain.ErrLoanNotActive) {
			t.Errorf("second execute err = %v, want ErrLoanNotActive", err)
		}
	})
}

func TestExecuteCallbackFailureLeavesLoanActive(t *testing.T) {
	ctx := context.Background()
	v, ledger, _ := newTestVault(t)
	id := mustCreate(t, v, 1000, time.Hour)

	failing := &testCallback{
		addr: targetAddr,
		fn: func(context.Context, common.Address, *big.Int, common.Address, []byte) error {
			return errors.New("callback reverted")
		},
	}
	err := v.Execute(ctx, borrower, id, failing, nil)
	if !errors.Is(err, domain.ErrCallbackFailed) {
		t.Fatalf("err = %v, want ErrCallbackFailed", err)
	}

	loan, _ := v.GetLoan(ctx, id)
	if !loan.Active() {
		t.Error("loan closed after failed callback")
	}
	if got := v.ActiveCount(testAsset); got != 1 {
		t.Errorf("active count = %d, want 1", got)
	}
	// Principal is vault-held again, so a retry can succeed.
	if got := balance(t, ledger, vaultAccount); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("vault balance = %s, want 1000", got)
	}

	if err := v.Execute(ctx, borrower, id, repayer(ledger), nil); err != nil {
		t.Fatalf("retry after failed callback: %v", err)
	}
}

func TestExecuteRepaymentMissing(t *testing.T) {
	ctx := context.Background()
	v, ledger, _ := newTestVault(t)
	id := mustCreate(t, v, 1000, time.Hour)

	// Callback succeeds but keeps the funds.
	keeper := &testCallback{addr: targetAddr}
	err := v.Execute(ctx, borrower, id, keeper, nil)
	if !errors.Is(err, domain.ErrRepaymentMissing) {
		t.Fatalf("err = %v, want ErrRepaymentMissing", err)
	}

	loan, _ := v.GetLoan(ctx, id)
	if !loan.Active() {
		t.Error("loan closed despite missing repayment")
	}
	// The delivery was reversed, so the principal is vault-held again.
	if got := balance(t, ledger, vaultAccount); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("vault balance = %s, want 1000", got)
	}
}

// Scenario: a loan with a 10-second timeout expires, execute fails, and the
// owner reclaims the principal.
func TestReclaimAfterExpiry(t *testing.T) {
	ctx := context.Background()
	v, ledger, clk := newTestVault(t)

	funderBefore := balance(t, ledger, funder)
	id := mustCreate(t, v, 1000, 10*time.Second)

	// Too early: the loan stays active.
	err := v.Reclaim(ctx, funder, id)
	if !errors.Is(err, domain.ErrLoanNotExpired) {
		t.Fatalf("early reclaim err = %v, want ErrLoanNotExpired", err)
	}
	if loan, _ := v.GetLoan(ctx, id); !loan.Active() {
		t.Fatal("loan closed by failed early reclaim")
	}

	clk.Advance(11 * time.Second)

	if err := v.Execute(ctx, borrower, id, repayer(ledger), nil); !errors.Is(err, domain.ErrLoanExpired) {
		t.Fatalf("expired execute err = %v, want ErrLoanExpired", err)
	}

	// Only the owner may reclaim.
	if err := v.Reclaim(ctx, borrower, id); !errors.Is(err, domain.ErrNotOwner) {
		t.Fatalf("non-owner reclaim err = %v, want ErrNotOwner", err)
	}

	if err := v.Reclaim(ctx, funder, id); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	loan, _ := v.GetLoan(ctx, id)
	if loan.Status != domain.LoanClosed || loan.Reason != domain.CloseReclaimed {
		t.Errorf("loan = %s/%s, want closed/reclaimed", loan.Status, loan.Reason)
	}
	if got := balance(t, ledger, funder); got.Cmp(funderBefore) != 0 {
		t.Errorf("funder balance = %s, want %s", got, funderBefore)
	}
	if got := v.ActiveCount(testAsset); got != 0 {
		t.Errorf("active count = %d, want 0", got)
	}

	// Closed is terminal.
	if err := v.Reclaim(ctx, funder, id); !errors.Is(err, domain.ErrLoanNotActive) {
		t.Errorf("second reclaim err = %v, want ErrLoanNotActive", err)
	}
}

// The reclaim sweep is scoped to the loan's own principal, so a second active
// loan on the same asset keeps its principal in the vault.
func TestReclaimScopedToPrincipal(t *testing.T) {
	ctx := context.Background()
	v, ledger, clk := newTestVault(t)

	short := mustCreate(t, v, 300, 10*time.Second)
	mustCreate(t, v, 700, 2*time.Hour)

	clk.Advance(time.Minute)
	if err := v.Reclaim(ctx, funder, short); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	// 700 of the long loan's principal must still be vault-held.
	if got := balance(t, ledger, vaultAccount); got.Cmp(big.NewInt(700)) != 0 {
		t.Errorf("vault balance = %s, want 700", got)
	}
	if got := v.ActiveCount(testAsset); got != 1 {
		t.Errorf("active count = %d, want 1", got)
	}
}

// A callback re-entering the vault must be rejected by the entry guard, not
// deadlock or corrupt state.
func TestReentrancyRejected(t *testing.T) {
	ctx := context.Background()
	v, ledger, _ := newTestVault(t)
	id := mustCreate(t, v, 1000, time.Hour)

	var nestedErr error
	reentrant := &testCallback{
		addr: targetAddr,
		fn: func(ctx context.Context, asset common.Address, amount *big.Int, vault common.Address, payload []byte) error {
			_, nestedErr = v.Create(ctx, funder, asset, big.NewInt(10), borrower, time.Hour)
			return nestedErr
		},
	}

	err := v.Execute(ctx, borrower, id, reentrant, nil)
	if !errors.Is(err, domain.ErrCallbackFailed) {
		t.Fatalf("err = %v, want ErrCallbackFailed", err)
	}
	if !errors.Is(nestedErr, domain.ErrReentrantCall) {
		t.Fatalf("nested err = %v, want ErrReentrantCall", nestedErr)
	}

	// The guard was released on exit: a normal retry succeeds.
	if err := v.Execute(ctx, borrower, id, repayer(ledger), nil); err != nil {
		t.Fatalf("execute after reentrant attempt: %v", err)
	}
}

func TestAdminGating(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestVault(t)
	intruder := common.HexToAddress("0xbad")

	if err := v.SetPaused(ctx, intruder, true); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("set paused err = %v, want ErrUnauthorized", err)
	}
	if err := v.SetAssetLimits(ctx, intruder, domain.AssetLimits{Asset: testAsset}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("set limits err = %v, want ErrUnauthorized", err)
	}
	if _, err := v.EmergencyWithdraw(ctx, intruder, testAsset, intruder); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("emergency withdraw err = %v, want ErrUnauthorized", err)
	}

	// Paused vault rejects creates until resumed.
	if err := v.SetPaused(ctx, admin, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := v.Create(ctx, funder, testAsset, big.NewInt(100), borrower, time.Hour); !errors.Is(err, domain.ErrPaused) {
		t.Errorf("create while paused err = %v, want ErrPaused", err)
	}
	if err := v.SetPaused(ctx, admin, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	mustCreate(t, v, 100, time.Hour)
}

func TestEmergencyWithdraw(t *testing.T) {
	ctx := context.Background()
	v, ledger, _ := newTestVault(t)
	rescue := common.HexToAddress("0x5afe")

	mustCreate(t, v, 1000, time.Hour)

	swept, err := v.EmergencyWithdraw(ctx, admin, testAsset, rescue)
	if err != nil {
		t.Fatalf("emergency withdraw: %v", err)
	}
	if swept.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("swept = %s, want 1000", swept)
	}
	if got := balance(t, ledger, rescue); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("rescue balance = %s, want 1000", got)
	}
}
