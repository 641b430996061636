// Package vault owns the single-domain flash-loan lifecycle: create a funded
// loan, execute it through a borrower callback, and either collect repayment
// or let the funder reclaim after expiry. Every state-changing operation is
// all-or-nothing and rejects reentrant entry.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshloan/flashmesh/internal/domain"
	"github.com/meshloan/flashmesh/internal/guard"
)

// Vault is the per-domain loan vault. It holds loan principal on its own
// ledger account and drives the {nonexistent, active, closed} state machine.
type Vault struct {
	domainID string
	account  common.Address
	ledger   domain.AssetLedger
	loans    domain.LoanStore
	bus      domain.EventBus // optional
	acl      domain.ACL
	logger   *slog.Logger

	guard guard.Guard

	mu     sync.Mutex
	limits map[common.Address]domain.AssetLimits
	active map[common.Address]int
	seq    uint64
	paused bool

	now func() time.Time
}

// New creates a Vault operating the given ledger account. bus may be nil to
// disable event emission.
func New(domainID string, account common.Address, ledger domain.AssetLedger, loans domain.LoanStore, bus domain.EventBus, acl domain.ACL, logger *slog.Logger) *Vault {
	return &Vault{
		domainID: domainID,
		account:  account,
		ledger:   ledger,
		loans:    loans,
		bus:      bus,
		acl:      acl,
		logger:   logger.With(slog.String("component", "vault"), slog.String("domain", domainID)),
		limits:   make(map[common.Address]domain.AssetLimits),
		active:   make(map[common.Address]int),
		now:      time.Now,
	}
}

// WithClock overrides the vault's time source. Intended for tests.
func (v *Vault) WithClock(now func() time.Time) *Vault {
	v.now = now
	return v
}

// Account is the ledger account holding loan principal.
func (v *Vault) Account() common.Address { return v.account }

// RestoreActiveCounts rebuilds the in-memory active-loan counters from the
// store. Called once at startup when the store is persistent.
func (v *Vault) RestoreActiveCounts(ctx context.Context, assets []common.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, asset := range assets {
		n, err := v.loans.CountActive(ctx, asset)
		if err != nil {
			return fmt.Errorf("vault: restore counts for %s: %w", asset, err)
		}
		v.active[asset] = n
	}
	return nil
}

// Create opens a new loan funded by creator. The principal is pulled from the
// creator's account into the vault, so the creator must have approved the
// vault account beforehand. Returns the derived loan id.
func (v *Vault) Create(ctx context.Context, creator common.Address, asset common.Address, amount *big.Int, borrower common.Address, timeout time.Duration) (common.Hash, error) {
	if err := v.guard.Enter(); err != nil {
		return common.Hash{}, fmt.Errorf("vault: create: %w", err)
	}
	defer v.guard.Exit()

	if v.isPaused() {
		return common.Hash{}, fmt.Errorf("vault: create: %w", domain.ErrPaused)
	}
	if asset == (common.Address{}) || borrower == (common.Address{}) || creator == (common.Address{}) {
		return common.Hash{}, fmt.Errorf("vault: create: zero address: %w", domain.ErrInvalidInput)
	}
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("vault: create: non-positive amount: %w", domain.ErrInvalidInput)
	}
	if timeout <= 0 {
		return common.Hash{}, fmt.Errorf("vault: create: non-positive timeout: %w", domain.ErrInvalidInput)
	}

	v.mu.Lock()
	lim := v.limits[asset]
	count := v.active[asset]
	v.mu.Unlock()

	if lim.MaxLoanAmount != nil && lim.MaxLoanAmount.Sign() > 0 && amount.Cmp(lim.MaxLoanAmount) > 0 {
		return common.Hash{}, fmt.Errorf("vault: create: amount %s over per-asset max %s: %w", amount, lim.MaxLoanAmount, domain.ErrAmountExceedsMax)
	}
	if lim.MaxActiveLoans > 0 && count >= lim.MaxActiveLoans {
		return common.Hash{}, fmt.Errorf("vault: create: %d active loans for %s: %w", count, asset, domain.ErrMaxLoansExceeded)
	}

	balance, err := v.ledger.BalanceOf(ctx, asset, creator)
	if err != nil {
		return common.Hash{}, fmt.Errorf("vault: create: balance of %s: %w", creator, err)
	}
	if balance.Cmp(amount) < 0 {
		return common.Hash{}, fmt.Errorf("vault: create: creator holds %s, needs %s: %w", balance, amount, domain.ErrInsufficientBalance)
	}

	// Fund the loan. This is the only transfer of the create path; nothing is
	// recorded until it succeeds.
	if err := v.ledger.TransferFrom(ctx, asset, v.account, creator, v.account, amount); err != nil {
		return common.Hash{}, fmt.Errorf("vault: create: fund loan: %w", err)
	}

	createdAt := v.now()

	v.mu.Lock()
	v.seq++
	seq := v.seq
	v.mu.Unlock()

	id := domain.DeriveLoanID(asset, amount, creator, borrower, timeout, createdAt, seq)
	loan := domain.Loan{
		ID:        id,
		Asset:     asset,
		Amount:    new(big.Int).Set(amount),
		Owner:     creator,
		Borrower:  borrower,
		ExpiresAt: createdAt.Add(timeout),
		Status:    domain.LoanActive,
		CreatedAt: createdAt,
	}
	if err := v.loans.Create(ctx, loan); err != nil {
		// Undo the funding transfer so a store failure leaves no dangling
		// principal in the vault account.
		if rbErr := v.ledger.Transfer(ctx, asset, v.account, creator, amount); rbErr != nil {
			v.logger.Error("refund after store failure failed",
				slog.String("loan_id", id.Hex()),
				slog.String("error", rbErr.Error()),
			)
		}
		return common.Hash{}, fmt.Errorf("vault: create: store loan: %w", err)
	}

	v.mu.Lock()
	v.active[asset]++
	v.mu.Unlock()

	v.logger.Info("loan created",
		slog.String("loan_id", id.Hex()),
		slog.String("asset", asset.Hex()),
		slog.String("amount", amount.String()),
		slog.String("borrower", borrower.Hex()),
	)
	v.emit(ctx, domain.EventLoanCreated, map[string]any{
		"loan_id":  id.Hex(),
		"asset":    asset.Hex(),
		"amount":   amount.String(),
		"owner":    creator.Hex(),
		"borrower": borrower.Hex(),
		"expires":  loan.ExpiresAt,
	})
	return id, nil
}

// Execute runs the flash-loan use step: deliver the principal to the target,
// invoke the borrower callback, verify the vault balance covers the
// principal again, then return the principal to the funder and close the
// loan. Any failure leaves the loan active with its principal vault-held,
// eligible for retry or expiry reclaim.
func (v *Vault) Execute(ctx context.Context, caller common.Address, id common.Hash, target domain.FlashCallback, payload []byte) error {
	if err := v.guard.Enter(); err != nil {
		return fmt.Errorf("vault: execute: %w", err)
	}
	defer v.guard.Exit()

	if v.isPaused() {
		return fmt.Errorf("vault: execute: %w", domain.ErrPaused)
	}
	if target == nil {
		return fmt.Errorf("vault: execute: nil target: %w", domain.ErrInvalidInput)
	}

	loan, err := v.loans.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("vault: execute %s: %w", id.Hex(), domain.ErrLoanNotActive)
	}
	if !loan.Active() {
		return fmt.Errorf("vault: execute %s: %w", id.Hex(), domain.ErrLoanNotActive)
	}
	if caller != loan.Borrower {
		return fmt.Errorf("vault: execute %s: caller %s: %w", id.Hex(), caller, domain.ErrNotBorrower)
	}
	if loan.Expired(v.now()) {
		return fmt.Errorf("vault: execute %s: %w", id.Hex(), domain.ErrLoanExpired)
	}

	// Step 1: deliver the principal.
	if err := v.ledger.Transfer(ctx, loan.Asset, v.account, target.Address(), loan.Amount); err != nil {
		return fmt.Errorf("vault: execute %s: deliver principal: %w", id.Hex(), err)
	}

	// Step 2: the arbitrary use step. The vault assumes nothing about what
	// the callback does; repayment must reach the vault account before it
	// returns.
	if err := target.Execute(ctx, loan.Asset, loan.Amount, v.account, payload); err != nil {
		v.clawBack(ctx, loan, target.Address())
		return fmt.Errorf("vault: execute %s: %w: %v", id.Hex(), domain.ErrCallbackFailed, err)
	}

	// Step 3: the only post-call assumption is this balance check.
	balance, err := v.ledger.BalanceOf(ctx, loan.Asset, v.account)
	if err != nil {
		return fmt.Errorf("vault: execute %s: balance check: %w", id.Hex(), err)
	}
	if balance.Cmp(loan.Amount) < 0 {
		v.clawBack(ctx, loan, target.Address())
		return fmt.Errorf("vault: execute %s: vault holds %s, principal %s: %w", id.Hex(), balance, loan.Amount, domain.ErrRepaymentMissing)
	}

	// Step 4: return the principal to the funder and close.
	if err := v.ledger.Transfer(ctx, loan.Asset, v.account, loan.Owner, loan.Amount); err != nil {
		return fmt.Errorf("vault: execute %s: repay owner: %w", id.Hex(), err)
	}
	if err := v.closeLoan(ctx, loan, domain.CloseRepaid); err != nil {
		return err
	}

	v.logger.Info("loan repaid",
		slog.String("loan_id", id.Hex()),
		slog.String("amount", loan.Amount.String()),
	)
	v.emit(ctx, domain.EventLoanRepaid, map[string]any{
		"loan_id": id.Hex(),
		"asset":   loan.Asset.Hex(),
		"amount":  loan.Amount.String(),
		"owner":   loan.Owner.Hex(),
	})
	return nil
}

// Reclaim returns an expired loan's principal to its owner and closes it.
// The sweep is scoped to the loan's recorded principal, capped at the vault's
// current balance, so coexisting loans on the same asset are never paid out
// through another loan's expiry.
func (v *Vault) Reclaim(ctx context.Context, caller common.Address, id common.Hash) error {
	if err := v.guard.Enter(); err != nil {
		return fmt.Errorf("vault: reclaim: %w", err)
	}
	defer v.guard.Exit()

	loan, err := v.loans.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("vault: reclaim %s: %w", id.Hex(), domain.ErrLoanNotActive)
	}
	if !loan.Active() {
		return fmt.Errorf("vault: reclaim %s: %w", id.Hex(), domain.ErrLoanNotActive)
	}
	if caller != loan.Owner {
		return fmt.Errorf("vault: reclaim %s: caller %s: %w", id.Hex(), caller, domain.ErrNotOwner)
	}
	if !loan.Expired(v.now()) {
		return fmt.Errorf("vault: reclaim %s: expires %s: %w", id.Hex(), loan.ExpiresAt, domain.ErrLoanNotExpired)
	}

	balance, err := v.ledger.BalanceOf(ctx, loan.Asset, v.account)
	if err != nil {
		return fmt.Errorf("vault: reclaim %s: balance: %w", id.Hex(), err)
	}
	sweep := new(big.Int).Set(loan.Amount)
	if balance.Cmp(sweep) < 0 {
		sweep.Set(balance)
	}
	if sweep.Sign() > 0 {
		if err := v.ledger.Transfer(ctx, loan.Asset, v.account, loan.Owner, sweep); err != nil {
			return fmt.Errorf("vault: reclaim %s: sweep: %w", id.Hex(), err)
		}
	}
	if err := v.closeLoan(ctx, loan, domain.CloseReclaimed); err != nil {
		return err
	}

	v.logger.Info("loan reclaimed",
		slog.String("loan_id", id.Hex()),
		slog.String("swept", sweep.String()),
	)
	v.emit(ctx, domain.EventLoanReclaimed, map[string]any{
		"loan_id": id.Hex(),
		"asset":   loan.Asset.Hex(),
		"swept":   sweep.String(),
		"owner":   loan.Owner.Hex(),
	})
	return nil
}

// clawBack reverses the principal delivery after a failed callback so the
// loan's funds are vault-held again. There is no surrounding transaction to
// revert, so this is an explicit compensating transfer; a failure here is
// logged and the loan simply stays active.
func (v *Vault) clawBack(ctx context.Context, loan domain.Loan, holder common.Address) {
	if err := v.ledger.Transfer(ctx, loan.Asset, holder, v.account, loan.Amount); err != nil {
		v.logger.Error("principal claw-back failed",
			slog.String("loan_id", loan.ID.Hex()),
			slog.String("holder", holder.Hex()),
			slog.String("error", err.Error()),
		)
	}
}

func (v *Vault) closeLoan(ctx context.Context, loan domain.Loan, reason domain.CloseReason) error {
	if err := v.loans.Close(ctx, loan.ID, reason, v.now()); err != nil {
		return fmt.Errorf("vault: close %s: %w", loan.ID.Hex(), err)
	}
	v.mu.Lock()
	if v.active[loan.Asset] > 0 {
		v.active[loan.Asset]--
	}
	v.mu.Unlock()
	return nil
}

// GetLoan returns a loan by id.
func (v *Vault) GetLoan(ctx context.Context, id common.Hash) (domain.Loan, error) {
	return v.loans.GetByID(ctx, id)
}

// ListHistory returns loan records, newest first.
func (v *Vault) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Loan, error) {
	return v.loans.ListHistory(ctx, opts)
}

// ActiveCount returns the in-memory active-loan counter for asset.
func (v *Vault) ActiveCount(asset common.Address) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.active[asset]
}

func (v *Vault) isPaused() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.paused
}

// Paused reports whether state-changing operations are suspended.
func (v *Vault) Paused() bool { return v.isPaused() }

// SetPaused pauses or resumes state-changing operations. Requires PermPause.
func (v *Vault) SetPaused(ctx context.Context, actor common.Address, paused bool) error {
	if !v.acl.Allows(actor, domain.PermPause) {
		return fmt.Errorf("vault: set paused: actor %s: %w", actor, domain.ErrUnauthorized)
	}
	v.mu.Lock()
	v.paused = paused
	v.mu.Unlock()

	v.logger.Warn("pause state changed", slog.Bool("paused", paused), slog.String("actor", actor.Hex()))
	return nil
}

// SetAssetLimits updates per-asset loan limits. Requires PermSetLimits.
func (v *Vault) SetAssetLimits(ctx context.Context, actor common.Address, lim domain.AssetLimits) error {
	if !v.acl.Allows(actor, domain.PermSetLimits) {
		return fmt.Errorf("vault: set limits: actor %s: %w", actor, domain.ErrUnauthorized)
	}
	if lim.Asset == (common.Address{}) {
		return fmt.Errorf("vault: set limits: zero asset: %w", domain.ErrInvalidInput)
	}
	if lim.MaxActiveLoans < 0 {
		return fmt.Errorf("vault: set limits: negative max active: %w", domain.ErrInvalidInput)
	}
	if lim.MaxLoanAmount != nil && lim.MaxLoanAmount.Sign() < 0 {
		return fmt.Errorf("vault: set limits: negative max amount: %w", domain.ErrInvalidInput)
	}

	v.mu.Lock()
	v.limits[lim.Asset] = lim
	v.mu.Unlock()

	v.emit(ctx, domain.EventLimitUpdated, map[string]any{
		"asset":            lim.Asset.Hex(),
		"max_loan_amount":  amountString(lim.MaxLoanAmount),
		"max_active_loans": lim.MaxActiveLoans,
		"actor":            actor.Hex(),
	})
	return nil
}

// AssetLimitsFor returns the configured limits for asset, zero-valued when
// unset.
func (v *Vault) AssetLimitsFor(asset common.Address) domain.AssetLimits {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.limits[asset]
}

// EmergencyWithdraw sweeps the vault's entire balance of asset to the given
// recipient. Requires PermEmergency. Loans on the asset are left active;
// this is an operator escape hatch, not a lifecycle transition.
func (v *Vault) EmergencyWithdraw(ctx context.Context, actor common.Address, asset, to common.Address) (*big.Int, error) {
	if !v.acl.Allows(actor, domain.PermEmergency) {
		return nil, fmt.Errorf("vault: emergency withdraw: actor %s: %w", actor, domain.ErrUnauthorized)
	}
	if err := v.guard.Enter(); err != nil {
		return nil, fmt.Errorf("vault: emergency withdraw: %w", err)
	}
	defer v.guard.Exit()

	balance, err := v.ledger.BalanceOf(ctx, asset, v.account)
	if err != nil {
		return nil, fmt.Errorf("vault: emergency withdraw: balance: %w", err)
	}
	if balance.Sign() > 0 {
		if err := v.ledger.Transfer(ctx, asset, v.account, to, balance); err != nil {
			return nil, fmt.Errorf("vault: emergency withdraw: %w", err)
		}
	}

	v.logger.Warn("emergency withdrawal",
		slog.String("asset", asset.Hex()),
		slog.String("amount", balance.String()),
		slog.String("to", to.Hex()),
		slog.String("actor", actor.Hex()),
	)
	v.emit(ctx, domain.EventEmergencyWithdrawal, map[string]any{
		"asset":  asset.Hex(),
		"amount": balance.String(),
		"to":     to.Hex(),
		"actor":  actor.Hex(),
	})
	return balance, nil
}

func (v *Vault) emit(ctx context.Context, eventType string, detail map[string]any) {
	if v.bus == nil {
		return
	}
	event := domain.Event{
		Type:   eventType,
		Domain: v.domainID,
		At:     v.now(),
		Detail: detail,
	}
	if err := v.bus.Publish(ctx, event); err != nil {
		v.logger.Warn("event publish failed",
			slog.String("event", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func amountString(a *big.Int) string {
	if a == nil {
		return "0"
	}
	return a.String()
}
