package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// FlashCallback is the borrower-supplied "use funds" step of a flash loan.
// The vault transfers the principal to Address() before invoking Execute and
// assumes nothing about what Execute does; its only post-call check is the
// vault's own balance. Repayment happens by the callback transferring funds
// back to the vault account during Execute.
type FlashCallback interface {
	// Address is the ledger account that receives the principal.
	Address() common.Address

	// Execute runs the borrower's logic with the principal already delivered.
	// vault is the account repayment must reach before Execute returns.
	Execute(ctx context.Context, asset common.Address, amount *big.Int, vault common.Address, payload []byte) error
}
