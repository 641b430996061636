package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/meshloan/flashmesh/internal/domain"
)

const eventChannelPrefix = "events:"

// EventBus implements domain.EventBus over Redis Pub/Sub, carrying vault and
// bridge events across processes. Events are JSON-encoded, one channel per
// event type.
type EventBus struct {
	rdb *redis.Client
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{rdb: c.Underlying()}
}

// Publish sends the event to its type channel.
func (b *EventBus) Publish(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: publish event: %w", err)
	}
	if err := b.rdb.Publish(ctx, eventChannelPrefix+event.Type, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish event %s: %w", event.Type, err)
	}
	return nil
}

// Subscribe returns a channel emitting events of the given types, or of all
// types when none are named. The subscription closes with the context.
func (b *EventBus) Subscribe(ctx context.Context, types ...string) (<-chan domain.Event, error) {
	var pubsub *redis.PubSub
	if len(types) == 0 {
		pubsub = b.rdb.PSubscribe(ctx, eventChannelPrefix+"*")
	} else {
		channels := make([]string, len(types))
		for i, t := range types {
			channels[i] = eventChannelPrefix + t
		}
		pubsub = b.rdb.Subscribe(ctx, channels...)
	}

	// Verify the subscription is established by receiving the confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe events: %w", err)
	}

	out := make(chan domain.Event, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Compile-time interface check.
var _ domain.EventBus = (*EventBus)(nil)
