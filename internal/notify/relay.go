package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/meshloan/flashmesh/internal/domain"
)

// Relay subscribes to the event bus and forwards events through the
// Notifier, so operators hear about repayments, breaker flips, and
// emergency withdrawals without watching logs.
type Relay struct {
	notifier *Notifier
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewRelay creates a Relay forwarding bus events through the notifier.
func NewRelay(notifier *Notifier, bus domain.EventBus, logger *slog.Logger) *Relay {
	return &Relay{
		notifier: notifier,
		bus:      bus,
		logger:   logger.With(slog.String("component", "notify_relay")),
	}
}

// Run forwards events until the context is cancelled. The Notifier applies
// the configured event filter; delivery failures are logged and do not stop
// the relay.
func (r *Relay) Run(ctx context.Context) error {
	events, err := r.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("notify: subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			title := fmt.Sprintf("[%s] %s", ev.Domain, ev.Type)
			if err := r.notifier.Notify(ctx, ev.Type, title, formatDetail(ev.Detail)); err != nil {
				r.logger.Warn("notification failed",
					slog.String("event", ev.Type),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// formatDetail renders event details as sorted key=value lines.
func formatDetail(detail map[string]any) string {
	if len(detail) == 0 {
		return "(no detail)"
	}
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s=%v", k, detail[k]))
	}
	return strings.Join(lines, "\n")
}
