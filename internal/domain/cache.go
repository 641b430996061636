package domain

import (
	"context"
	"time"
)

// SpacingLimiter enforces a minimum interval between a caller's initiations.
// Reserve atomically checks the spacing and, when allowed, records the new
// initiation timestamp. A failed check must not move the stored timestamp.
type SpacingLimiter interface {
	Reserve(ctx context.Context, key string, spacing time.Duration, now time.Time) (bool, error)
	Last(ctx context.Context, key string) (time.Time, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventBus publishes structured observability events and supports
// subscription for relays (websocket hub, notifier bridge).
type EventBus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, types ...string) (<-chan Event, error)
}
