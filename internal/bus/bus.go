// Package bus provides an in-process domain.EventBus. It is used by the sim
// mode and tests; the redis-backed bus in cache/redis is the cross-process
// counterpart.
package bus

import (
	"context"
	"sync"

	"github.com/meshloan/flashmesh/internal/domain"
)

type subscriber struct {
	types map[string]bool // empty means all types
	ch    chan domain.Event
}

// Bus is an in-memory publish/subscribe event bus. Publishing never blocks;
// a subscriber that falls behind loses events rather than stalling the
// publisher.
type Bus struct {
	mu   sync.Mutex
	subs []*subscriber
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Publish delivers the event to every subscriber interested in its type.
func (b *Bus) Publish(ctx context.Context, event domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if len(sub.types) > 0 && !sub.types[event.Type] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Slow subscriber; drop.
		}
	}
	return nil
}

// Subscribe returns a channel emitting events of the given types, or all
// events when no types are given. The channel is closed when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, types ...string) (<-chan domain.Event, error) {
	sub := &subscriber{
		types: make(map[string]bool, len(types)),
		ch:    make(chan domain.Event, 128),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch, nil
}

// Compile-time interface check.
var _ domain.EventBus = (*Bus)(nil)
