package callback

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshloan/flashmesh/internal/domain"
)

// Repayer is the reference flash-loan target: it receives the principal,
// does nothing with it, and returns it to the vault in full. Useful as a
// smoke-test borrower and as the template for real targets.
type Repayer struct {
	addr   common.Address
	ledger domain.AssetLedger
	logger *slog.Logger
}

// NewRepayer creates a Repayer operating the given ledger account.
func NewRepayer(addr common.Address, ledger domain.AssetLedger, logger *slog.Logger) *Repayer {
	return &Repayer{
		addr:   addr,
		ledger: ledger,
		logger: logger.With(slog.String("component", "repayer"), slog.String("address", addr.Hex())),
	}
}

// Address implements domain.FlashCallback.
func (r *Repayer) Address() common.Address { return r.addr }

// Execute returns the full principal to the vault.
func (r *Repayer) Execute(ctx context.Context, asset common.Address, amount *big.Int, vault common.Address, payload []byte) error {
	if err := r.ledger.Transfer(ctx, asset, r.addr, vault, amount); err != nil {
		return fmt.Errorf("callback: repay: %w", err)
	}
	r.logger.Debug("principal repaid",
		slog.String("asset", asset.Hex()),
		slog.String("amount", amount.String()),
	)
	return nil
}

// Compile-time interface check.
var _ domain.FlashCallback = (*Repayer)(nil)
