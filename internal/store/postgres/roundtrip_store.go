package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meshloan/flashmesh/internal/domain"
)

// RoundTripStore implements domain.RoundTripStore using PostgreSQL.
type RoundTripStore struct {
	pool *pgxpool.Pool
}

// NewRoundTripStore creates a new RoundTripStore backed by the given
// connection pool.
func NewRoundTripStore(pool *pgxpool.Pool) *RoundTripStore {
	return &RoundTripStore{pool: pool}
}

const roundTripSelectCols = `message_id, transfer_id, dest_domain, caller,
	asset, amount::text, target, status, initiated_at, completed_at`

func scanRoundTrip(row pgx.Row) (domain.PendingRoundTrip, error) {
	var (
		rt     domain.PendingRoundTrip
		caller string
		asset  string
		amount string
		target string
	)
	if err := row.Scan(
		&rt.MessageID, &rt.TransferID, &rt.DestDomain, &caller,
		&asset, &amount, &target, &rt.Status, &rt.InitiatedAt, &rt.CompletedAt,
	); err != nil {
		return domain.PendingRoundTrip{}, err
	}
	rt.Caller = common.HexToAddress(caller)
	rt.Asset = common.HexToAddress(asset)
	rt.Target = common.HexToAddress(target)

	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return domain.PendingRoundTrip{}, fmt.Errorf("malformed amount %q", amount)
	}
	rt.Amount = amt
	return rt, nil
}

// Create inserts a new round-trip record.
func (s *RoundTripStore) Create(ctx context.Context, rt domain.PendingRoundTrip) error {
	const query = `
		INSERT INTO round_trips (
			message_id, transfer_id, dest_domain, caller,
			asset, amount, target, status, initiated_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, query,
		rt.MessageID, rt.TransferID, rt.DestDomain, rt.Caller.Hex(),
		rt.Asset.Hex(), rt.Amount.String(), rt.Target.Hex(),
		rt.Status, rt.InitiatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create round trip %s: %w", rt.MessageID, err)
	}
	return nil
}

// SetStatus updates a round trip's status and completion time.
func (s *RoundTripStore) SetStatus(ctx context.Context, messageID string, status domain.RoundTripStatus, completedAt time.Time) error {
	const query = `
		UPDATE round_trips SET status = $2, completed_at = $3 WHERE message_id = $1`

	tag, err := s.pool.Exec(ctx, query, messageID, status, completedAt)
	if err != nil {
		return fmt.Errorf("postgres: set round trip %s status: %w", messageID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: round trip %s: %w", messageID, domain.ErrNotFound)
	}
	return nil
}

// GetByMessageID returns the round trip with the given message id.
func (s *RoundTripStore) GetByMessageID(ctx context.Context, messageID string) (domain.PendingRoundTrip, error) {
	const query = `SELECT ` + roundTripSelectCols + ` FROM round_trips WHERE message_id = $1`

	rt, err := scanRoundTrip(s.pool.QueryRow(ctx, query, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PendingRoundTrip{}, fmt.Errorf("postgres: round trip %s: %w", messageID, domain.ErrNotFound)
		}
		return domain.PendingRoundTrip{}, fmt.Errorf("postgres: get round trip %s: %w", messageID, err)
	}
	return rt, nil
}

// GetByTransferID returns the round trip whose asset transfer has the given
// id.
func (s *RoundTripStore) GetByTransferID(ctx context.Context, transferID string) (domain.PendingRoundTrip, error) {
	const query = `SELECT ` + roundTripSelectCols + ` FROM round_trips WHERE transfer_id = $1`

	rt, err := scanRoundTrip(s.pool.QueryRow(ctx, query, transferID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PendingRoundTrip{}, fmt.Errorf("postgres: round trip for transfer %s: %w", transferID, domain.ErrNotFound)
		}
		return domain.PendingRoundTrip{}, fmt.Errorf("postgres: get round trip for transfer %s: %w", transferID, err)
	}
	return rt, nil
}

// ListPending returns in-flight round trips, oldest first.
func (s *RoundTripStore) ListPending(ctx context.Context) ([]domain.PendingRoundTrip, error) {
	const query = `SELECT ` + roundTripSelectCols + `
		FROM round_trips WHERE status = $1 ORDER BY initiated_at ASC`

	rows, err := s.pool.Query(ctx, query, domain.RoundTripPending)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending round trips: %w", err)
	}
	defer rows.Close()

	var trips []domain.PendingRoundTrip
	for rows.Next() {
		rt, err := scanRoundTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pending round trip: %w", err)
		}
		trips = append(trips, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pending round trips: %w", err)
	}
	return trips, nil
}

// Compile-time interface check.
var _ domain.RoundTripStore = (*RoundTripStore)(nil)
