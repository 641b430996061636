package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// LoanStore persists loan records. Records are append-only: Close flags a
// loan closed, nothing is ever deleted.
type LoanStore interface {
	Create(ctx context.Context, loan Loan) error
	GetByID(ctx context.Context, id common.Hash) (Loan, error)
	Close(ctx context.Context, id common.Hash, reason CloseReason, closedAt time.Time) error
	ListActive(ctx context.Context, asset common.Address) ([]Loan, error)
	ListHistory(ctx context.Context, opts ListOpts) ([]Loan, error)
	CountActive(ctx context.Context, asset common.Address) (int, error)
}

// RoundTripStore persists cross-domain round-trip records on the origin
// domain.
type RoundTripStore interface {
	Create(ctx context.Context, rt PendingRoundTrip) error
	SetStatus(ctx context.Context, messageID string, status RoundTripStatus, completedAt time.Time) error
	GetByMessageID(ctx context.Context, messageID string) (PendingRoundTrip, error)
	GetByTransferID(ctx context.Context, transferID string) (PendingRoundTrip, error)
	ListPending(ctx context.Context) ([]PendingRoundTrip, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
