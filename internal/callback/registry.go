// Package callback holds the borrower-side flash-loan targets a domain can
// execute, addressed by their ledger account. The orchestrator resolves the
// target named in a cross-domain instruction through the registry.
package callback

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshloan/flashmesh/internal/domain"
)

// Registry maps ledger accounts to executable flash-loan callbacks. It is
// safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	targets map[common.Address]domain.FlashCallback
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{targets: make(map[common.Address]domain.FlashCallback)}
}

// Register adds a callback under its own address. An existing registration
// for the same address is replaced.
func (r *Registry) Register(cb domain.FlashCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[cb.Address()] = cb
}

// Resolve returns the callback registered at addr.
func (r *Registry) Resolve(addr common.Address) (domain.FlashCallback, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cb, ok := r.targets[addr]
	if !ok {
		return nil, domain.ErrUnknownTarget
	}
	return cb, nil
}

// Addresses returns the registered target addresses.
func (r *Registry) Addresses() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]common.Address, 0, len(r.targets))
	for addr := range r.targets {
		out = append(out, addr)
	}
	return out
}
