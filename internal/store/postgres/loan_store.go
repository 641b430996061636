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

// LoanStore implements domain.LoanStore using PostgreSQL.
type LoanStore struct {
	pool *pgxpool.Pool
}

// NewLoanStore creates a new LoanStore backed by the given connection pool.
func NewLoanStore(pool *pgxpool.Pool) *LoanStore {
	return &LoanStore{pool: pool}
}

const loanSelectCols = `id, asset, amount::text, owner, borrower, expires_at,
	status, reason, created_at, closed_at`

func scanLoan(row pgx.Row) (domain.Loan, error) {
	var (
		l        domain.Loan
		id       string
		asset    string
		amount   string
		owner    string
		borrower string
	)
	if err := row.Scan(
		&id, &asset, &amount, &owner, &borrower,
		&l.ExpiresAt, &l.Status, &l.Reason, &l.CreatedAt, &l.ClosedAt,
	); err != nil {
		return domain.Loan{}, err
	}
	l.ID = common.HexToHash(id)
	l.Asset = common.HexToAddress(asset)
	l.Owner = common.HexToAddress(owner)
	l.Borrower = common.HexToAddress(borrower)

	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return domain.Loan{}, fmt.Errorf("malformed amount %q", amount)
	}
	l.Amount = amt
	return l, nil
}

func scanLoanRows(rows pgx.Rows) ([]domain.Loan, error) {
	var loans []domain.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

// Create inserts a new loan record.
func (s *LoanStore) Create(ctx context.Context, loan domain.Loan) error {
	const query = `
		INSERT INTO loans (
			id, asset, amount, owner, borrower,
			expires_at, status, reason, created_at
		) VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, query,
		loan.ID.Hex(), loan.Asset.Hex(), loan.Amount.String(),
		loan.Owner.Hex(), loan.Borrower.Hex(),
		loan.ExpiresAt, loan.Status, loan.Reason, loan.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create loan %s: %w", loan.ID.Hex(), err)
	}
	return nil
}

// GetByID returns the loan with the given id.
func (s *LoanStore) GetByID(ctx context.Context, id common.Hash) (domain.Loan, error) {
	const query = `SELECT ` + loanSelectCols + ` FROM loans WHERE id = $1`

	l, err := scanLoan(s.pool.QueryRow(ctx, query, id.Hex()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Loan{}, fmt.Errorf("postgres: loan %s: %w", id.Hex(), domain.ErrNotFound)
		}
		return domain.Loan{}, fmt.Errorf("postgres: get loan %s: %w", id.Hex(), err)
	}
	return l, nil
}

// Close flags an active loan closed. Closing a missing loan returns
// domain.ErrNotFound; closing one twice returns domain.ErrLoanNotActive.
func (s *LoanStore) Close(ctx context.Context, id common.Hash, reason domain.CloseReason, closedAt time.Time) error {
	const query = `
		UPDATE loans
		SET status = $2, reason = $3, closed_at = $4
		WHERE id = $1 AND status = $5`

	tag, err := s.pool.Exec(ctx, query,
		id.Hex(), domain.LoanClosed, reason, closedAt, domain.LoanActive,
	)
	if err != nil {
		return fmt.Errorf("postgres: close loan %s: %w", id.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("postgres: close loan %s: %w", id.Hex(), domain.ErrLoanNotActive)
	}
	return nil
}

// ListActive returns the open loans for an asset, oldest first.
func (s *LoanStore) ListActive(ctx context.Context, asset common.Address) ([]domain.Loan, error) {
	const query = `SELECT ` + loanSelectCols + `
		FROM loans WHERE status = $1 AND asset = $2 ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, domain.LoanActive, asset.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list active loans: %w", err)
	}
	defer rows.Close()

	loans, err := scanLoanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active loans: %w", err)
	}
	return loans, nil
}

// ListHistory returns loans newest first with pagination and optional time
// filtering on created_at.
func (s *LoanStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Loan, error) {
	query := `SELECT ` + loanSelectCols + ` FROM loans WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list loan history: %w", err)
	}
	defer rows.Close()

	loans, err := scanLoanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan loan history: %w", err)
	}
	return loans, nil
}

// CountActive returns the number of open loans for an asset.
func (s *LoanStore) CountActive(ctx context.Context, asset common.Address) (int, error) {
	const query = `SELECT COUNT(*) FROM loans WHERE status = $1 AND asset = $2`

	var n int
	if err := s.pool.QueryRow(ctx, query, domain.LoanActive, asset.Hex()).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count active loans: %w", err)
	}
	return n, nil
}

// Compile-time interface check.
var _ domain.LoanStore = (*LoanStore)(nil)
