package memory

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshloan/flashmesh/internal/domain"
)

func testLoan(id byte, asset common.Address, createdAt time.Time) domain.Loan {
	return domain.Loan{
		ID:        common.BytesToHash([]byte{id}),
		Asset:     asset,
		Amount:    big.NewInt(1000),
		Owner:     common.HexToAddress("0x01"),
		Borrower:  common.HexToAddress("0x02"),
		ExpiresAt: createdAt.Add(time.Hour),
		Status:    domain.LoanActive,
		CreatedAt: createdAt,
	}
}

func TestLoanStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	asset := common.HexToAddress("0x1000")
	now := time.Now().UTC()
	s := NewLoanStore()

	loan := testLoan(1, asset, now)
	if err := s.Create(ctx, loan); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, loan); err == nil {
		t.Fatal("duplicate create succeeded")
	}

	got, err := s.GetByID(ctx, loan.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.LoanActive {
		t.Errorf("status = %s, want active", got.Status)
	}

	if n, _ := s.CountActive(ctx, asset); n != 1 {
		t.Errorf("active count = %d, want 1", n)
	}

	if err := s.Close(ctx, loan.ID, domain.CloseRepaid, now.Add(time.Minute)); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(ctx, loan.ID, domain.CloseRepaid, now); !errors.Is(err, domain.ErrLoanNotActive) {
		t.Errorf("double close err = %v, want ErrLoanNotActive", err)
	}

	got, _ = s.GetByID(ctx, loan.ID)
	if got.Status != domain.LoanClosed || got.Reason != domain.CloseRepaid || got.ClosedAt == nil {
		t.Errorf("closed loan = %+v, want closed/repaid with timestamp", got)
	}

	// Closed loans stay in history.
	hist, err := s.ListHistory(ctx, domain.ListOpts{Limit: 10})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 {
		t.Errorf("history length = %d, want 1", len(hist))
	}

	if n, _ := s.CountActive(ctx, asset); n != 0 {
		t.Errorf("active count after close = %d, want 0", n)
	}
}

func TestLoanStoreGetMissing(t *testing.T) {
	s := NewLoanStore()
	_, err := s.GetByID(context.Background(), common.BytesToHash([]byte{9}))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRoundTripStore(t *testing.T) {
	ctx := context.Background()
	s := NewRoundTripStore()

	rt := domain.PendingRoundTrip{
		MessageID:   "msg-1",
		TransferID:  "xfer-1",
		DestDomain:  "chain-b",
		Amount:      big.NewInt(500),
		Status:      domain.RoundTripPending,
		InitiatedAt: time.Now().UTC(),
	}
	if err := s.Create(ctx, rt); err != nil {
		t.Fatalf("create: %v", err)
	}

	pending, _ := s.ListPending(ctx)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	if err := s.SetStatus(ctx, "msg-1", domain.RoundTripCompleted, time.Now().UTC()); err != nil {
		t.Fatalf("set status: %v", err)
	}
	pending, _ = s.ListPending(ctx)
	if len(pending) != 0 {
		t.Errorf("pending after completion = %d, want 0", len(pending))
	}

	if err := s.SetStatus(ctx, "nope", domain.RoundTripFailed, time.Now().UTC()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown message err = %v, want ErrNotFound", err)
	}
}
