// Package memory implements the domain store interfaces in process memory.
// It backs the sim run mode and the test suites; the postgres package is the
// persistent counterpart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshloan/flashmesh/internal/domain"
)

// LoanStore implements domain.LoanStore with a mutex-protected map.
type LoanStore struct {
	mu    sync.RWMutex
	loans map[common.Hash]domain.Loan
	order []common.Hash // creation order, for history listing
}

// NewLoanStore creates an empty LoanStore.
func NewLoanStore() *LoanStore {
	return &LoanStore{loans: make(map[common.Hash]domain.Loan)}
}

// Create inserts a new loan record.
func (s *LoanStore) Create(ctx context.Context, loan domain.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.loans[loan.ID]; ok {
		return fmt.Errorf("memory: create loan %s: duplicate id", loan.ID.Hex())
	}
	s.loans[loan.ID] = loan
	s.order = append(s.order, loan.ID)
	return nil
}

// GetByID returns the loan with the given id.
func (s *LoanStore) GetByID(ctx context.Context, id common.Hash) (domain.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loan, ok := s.loans[id]
	if !ok {
		return domain.Loan{}, domain.ErrNotFound
	}
	return loan, nil
}

// Close flags a loan closed. Closing an already-closed loan is an error so
// the caller can never double-close through the store.
func (s *LoanStore) Close(ctx context.Context, id common.Hash, reason domain.CloseReason, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loan, ok := s.loans[id]
	if !ok {
		return domain.ErrNotFound
	}
	if loan.Status == domain.LoanClosed {
		return domain.ErrLoanNotActive
	}
	loan.Status = domain.LoanClosed
	loan.Reason = reason
	loan.ClosedAt = &closedAt
	s.loans[id] = loan
	return nil
}

// ListActive returns all active loans for asset.
func (s *LoanStore) ListActive(ctx context.Context, asset common.Address) ([]domain.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Loan
	for _, id := range s.order {
		loan := s.loans[id]
		if loan.Status == domain.LoanActive && loan.Asset == asset {
			out = append(out, loan)
		}
	}
	return out, nil
}

// ListHistory returns loans newest-first, paginated.
func (s *LoanStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]domain.Loan, 0, len(s.order))
	for _, id := range s.order {
		all = append(all, s.loans[id])
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	start := opts.Offset
	if start > len(all) {
		start = len(all)
	}
	end := len(all)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return all[start:end], nil
}

// CountActive returns the number of active loans for asset.
func (s *LoanStore) CountActive(ctx context.Context, asset common.Address) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, loan := range s.loans {
		if loan.Status == domain.LoanActive && loan.Asset == asset {
			n++
		}
	}
	return n, nil
}

// Compile-time interface check.
var _ domain.LoanStore = (*LoanStore)(nil)
