// Package guard provides the per-component operation-in-flight flag used by
// the vault and the orchestrator to reject reentrant entry.
package guard

import (
	"sync/atomic"

	"github.com/meshloan/flashmesh/internal/domain"
)

// Guard is a mutex-like entry flag. State-changing operations take it at
// entry and release it on every exit path; nested or concurrent entry is
// rejected rather than queued, which makes it safe to hold across an
// arbitrary borrower callback.
type Guard struct {
	busy atomic.Bool
}

// Enter takes the flag, failing with ErrReentrantCall if it is already held.
func (g *Guard) Enter() error {
	if !g.busy.CompareAndSwap(false, true) {
		return domain.ErrReentrantCall
	}
	return nil
}

// Exit releases the flag.
func (g *Guard) Exit() {
	g.busy.Store(false)
}
