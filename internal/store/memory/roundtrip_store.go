package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meshloan/flashmesh/internal/domain"
)

// RoundTripStore implements domain.RoundTripStore in memory.
type RoundTripStore struct {
	mu    sync.RWMutex
	trips map[string]domain.PendingRoundTrip
	order []string
}

// NewRoundTripStore creates an empty RoundTripStore.
func NewRoundTripStore() *RoundTripStore {
	return &RoundTripStore{trips: make(map[string]domain.PendingRoundTrip)}
}

// Create records a new pending round trip keyed by message id.
func (s *RoundTripStore) Create(ctx context.Context, rt domain.PendingRoundTrip) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trips[rt.MessageID]; ok {
		return fmt.Errorf("memory: create round trip %s: duplicate message id", rt.MessageID)
	}
	s.trips[rt.MessageID] = rt
	s.order = append(s.order, rt.MessageID)
	return nil
}

// SetStatus moves a round trip out of pending.
func (s *RoundTripStore) SetStatus(ctx context.Context, messageID string, status domain.RoundTripStatus, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.trips[messageID]
	if !ok {
		return domain.ErrNotFound
	}
	rt.Status = status
	rt.CompletedAt = &completedAt
	s.trips[messageID] = rt
	return nil
}

// GetByMessageID returns the round trip for the given message id.
func (s *RoundTripStore) GetByMessageID(ctx context.Context, messageID string) (domain.PendingRoundTrip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rt, ok := s.trips[messageID]
	if !ok {
		return domain.PendingRoundTrip{}, domain.ErrNotFound
	}
	return rt, nil
}

// GetByTransferID returns the round trip whose outbound transfer matches.
func (s *RoundTripStore) GetByTransferID(ctx context.Context, transferID string) (domain.PendingRoundTrip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rt := range s.trips {
		if rt.TransferID == transferID {
			return rt, nil
		}
	}
	return domain.PendingRoundTrip{}, domain.ErrNotFound
}

// ListPending returns round trips still awaiting completion, oldest first.
func (s *RoundTripStore) ListPending(ctx context.Context) ([]domain.PendingRoundTrip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.PendingRoundTrip
	for _, id := range s.order {
		if rt := s.trips[id]; rt.Status == domain.RoundTripPending {
			out = append(out, rt)
		}
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.RoundTripStore = (*RoundTripStore)(nil)
