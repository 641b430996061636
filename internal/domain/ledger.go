package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AssetLedger is the external token ledger consumed by the vault and the
// orchestrator. Implementations must treat a failed transfer and a "false"
// style rejection identically: both surface as ErrTransferFailed (wrapped).
//
// All amounts are positive; implementations never mutate the *big.Int values
// they receive.
type AssetLedger interface {
	// Transfer moves amount of asset from one account to another.
	Transfer(ctx context.Context, asset, from, to common.Address, amount *big.Int) error

	// TransferFrom moves amount from `from` to `to` on behalf of `spender`,
	// consuming a prior allowance granted by `from` to `spender`.
	TransferFrom(ctx context.Context, asset, spender, from, to common.Address, amount *big.Int) error

	// Approve grants `spender` an allowance over `owner`'s balance.
	Approve(ctx context.Context, asset, owner, spender common.Address, amount *big.Int) error

	// BalanceOf returns the current balance of account for asset.
	BalanceOf(ctx context.Context, asset, account common.Address) (*big.Int, error)
}
