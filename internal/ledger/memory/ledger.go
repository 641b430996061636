// Package memory implements domain.AssetLedger as an in-process token
// ledger. It backs the sim run mode and the test suites; semantics mirror
// ERC-20 balances and allowances.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshloan/flashmesh/internal/domain"
)

type balanceKey struct {
	asset   common.Address
	account common.Address
}

type allowanceKey struct {
	asset   common.Address
	owner   common.Address
	spender common.Address
}

// Ledger is an in-memory asset ledger. The zero value is not usable; use New.
type Ledger struct {
	mu         sync.Mutex
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
}

// Mint credits amount of asset to account. Used by the sim mode and tests to
// seed balances.
func (l *Ledger) Mint(asset, account common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(asset, account, amount)
}

func (l *Ledger) balance(asset, account common.Address) *big.Int {
	if b, ok := l.balances[balanceKey{asset, account}]; ok {
		return b
	}
	return big.NewInt(0)
}

func (l *Ledger) credit(asset, account common.Address, amount *big.Int) {
	k := balanceKey{asset, account}
	cur, ok := l.balances[k]
	if !ok {
		cur = big.NewInt(0)
		l.balances[k] = cur
	}
	cur.Add(cur, amount)
}

func (l *Ledger) debit(asset, account common.Address, amount *big.Int) error {
	cur := l.balance(asset, account)
	if cur.Cmp(amount) < 0 {
		return domain.ErrTransferFailed
	}
	cur.Sub(cur, amount)
	return nil
}

// Transfer moves amount of asset between accounts.
func (l *Ledger) Transfer(ctx context.Context, asset, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("memory: transfer: %w", domain.ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.debit(asset, from, amount); err != nil {
		return fmt.Errorf("memory: transfer %s -> %s: %w", from, to, err)
	}
	l.credit(asset, to, amount)
	return nil
}

// TransferFrom moves amount from `from` to `to`, consuming the allowance
// granted by `from` to `spender`.
func (l *Ledger) TransferFrom(ctx context.Context, asset, spender, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("memory: transfer_from: %w", domain.ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ak := allowanceKey{asset, from, spender}
	allowance, ok := l.allowances[ak]
	if !ok || allowance.Cmp(amount) < 0 {
		return fmt.Errorf("memory: transfer_from %s -> %s: allowance: %w", from, to, domain.ErrTransferFailed)
	}
	if err := l.debit(asset, from, amount); err != nil {
		return fmt.Errorf("memory: transfer_from %s -> %s: %w", from, to, err)
	}
	allowance.Sub(allowance, amount)
	l.credit(asset, to, amount)
	return nil
}

// Approve sets spender's allowance over owner's balance.
func (l *Ledger) Approve(ctx context.Context, asset, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("memory: approve: %w", domain.ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.allowances[allowanceKey{asset, owner, spender}] = new(big.Int).Set(amount)
	return nil
}

// BalanceOf returns account's balance of asset. The returned value is a copy.
func (l *Ledger) BalanceOf(ctx context.Context, asset, account common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return new(big.Int).Set(l.balance(asset, account)), nil
}

// Compile-time interface check.
var _ domain.AssetLedger = (*Ledger)(nil)
