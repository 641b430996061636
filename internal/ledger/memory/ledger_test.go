package memory

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshloan/flashmesh/internal/domain"
)

var (
	testAsset = common.HexToAddress("0x1000")
	alice     = common.HexToAddress("0xa11ce")
	bob       = common.HexToAddress("0xb0b")
)

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	l := New()
	l.Mint(testAsset, alice, big.NewInt(500))

	if err := l.Transfer(ctx, testAsset, alice, bob, big.NewInt(200)); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	got, _ := l.BalanceOf(ctx, testAsset, bob)
	if got.Cmp(big.NewInt(200)) != 0 {
		t.Errorf("bob balance = %s, want 200", got)
	}
	got, _ = l.BalanceOf(ctx, testAsset, alice)
	if got.Cmp(big.NewInt(300)) != 0 {
		t.Errorf("alice balance = %s, want 300", got)
	}
}

func TestTransferInsufficient(t *testing.T) {
	ctx := context.Background()
	l := New()
	l.Mint(testAsset, alice, big.NewInt(100))

	err := l.Transfer(ctx, testAsset, alice, bob, big.NewInt(200))
	if !errors.Is(err, domain.ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}

	// Balances must be untouched.
	got, _ := l.BalanceOf(ctx, testAsset, alice)
	if got.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("alice balance = %s, want 100", got)
	}
}

func TestTransferFromRequiresAllowance(t *testing.T) {
	ctx := context.Background()
	l := New()
	l.Mint(testAsset, alice, big.NewInt(500))

	err := l.TransferFrom(ctx, testAsset, bob, alice, bob, big.NewInt(100))
	if !errors.Is(err, domain.ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed without allowance", err)
	}

	if err := l.Approve(ctx, testAsset, alice, bob, big.NewInt(150)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := l.TransferFrom(ctx, testAsset, bob, alice, bob, big.NewInt(100)); err != nil {
		t.Fatalf("transfer_from: %v", err)
	}

	// Allowance is consumed, not reset.
	err = l.TransferFrom(ctx, testAsset, bob, alice, bob, big.NewInt(100))
	if !errors.Is(err, domain.ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed after allowance exhausted", err)
	}
}

func TestInvalidAmounts(t *testing.T) {
	ctx := context.Background()
	l := New()

	if err := l.Transfer(ctx, testAsset, alice, bob, big.NewInt(0)); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("zero transfer err = %v, want ErrInvalidInput", err)
	}
	if err := l.Transfer(ctx, testAsset, alice, bob, nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("nil transfer err = %v, want ErrInvalidInput", err)
	}
	if err := l.Approve(ctx, testAsset, alice, bob, big.NewInt(-1)); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("negative approve err = %v, want ErrInvalidInput", err)
	}
}
