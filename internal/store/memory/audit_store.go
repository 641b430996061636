package memory

import (
	"context"
	"sync"
	"time"

	"github.com/meshloan/flashmesh/internal/domain"
)

// AuditStore implements domain.AuditStore as an append-only in-memory log.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	nextID  int64
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{nextID: 1}
}

// Log appends an audit entry.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, domain.AuditEntry{
		ID:        s.nextID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	s.nextID++
	return nil
}

// List returns audit entries newest-first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		out = append(out, s.entries[i])
	}

	start := opts.Offset
	if start > len(out) {
		start = len(out)
	}
	end := len(out)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return out[start:end], nil
}

// Compile-time interface check.
var _ domain.AuditStore = (*AuditStore)(nil)
