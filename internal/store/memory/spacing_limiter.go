package memory

import (
	"context"
	"sync"
	"time"

	"github.com/meshloan/flashmesh/internal/domain"
)

// SpacingLimiter implements domain.SpacingLimiter with a mutex-protected
// timestamp map. The redis counterpart applies the same semantics across
// processes.
type SpacingLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewSpacingLimiter creates an empty SpacingLimiter.
func NewSpacingLimiter() *SpacingLimiter {
	return &SpacingLimiter{last: make(map[string]time.Time)}
}

// Reserve checks that at least `spacing` has elapsed since the key's last
// recorded initiation and, if so, records `now`. A denied reservation leaves
// the stored timestamp untouched.
func (l *SpacingLimiter) Reserve(ctx context.Context, key string, spacing time.Duration, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.last[key]; ok && now.Sub(last) < spacing {
		return false, nil
	}
	l.last[key] = now
	return true, nil
}

// Last returns the key's last recorded initiation time, zero when none.
func (l *SpacingLimiter) Last(ctx context.Context, key string) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last[key], nil
}

// Compile-time interface check.
var _ domain.SpacingLimiter = (*SpacingLimiter)(nil)
