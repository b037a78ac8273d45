package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/mqtt"
)

// Subscribe routes every inbound topic filter to HandleMessage. ctx is the
// context handlers run under.
func (e *Engine) Subscribe(ctx context.Context, bus mqtt.ClientAPI) ([]string, error) {
	filters := e.Router.Subscriptions()
	for i, f := range filters {
		if err := bus.Subscribe(f, func(m mqtt.Message) { e.HandleMessage(ctx, m) }); err != nil {
			if i > 0 {
				_ = bus.Unsubscribe(filters[:i]...)
			}
			return nil, fmt.Errorf("subscribe %s: %w", f, err)
		}
	}
	slog.Info("relay hub subscribed", "topics", filters)
	return filters, nil
}

// Detach stops delivery of new messages and waits for in-flight ones.
func (e *Engine) Detach(bus mqtt.ClientAPI, filters []string) {
	if len(filters) > 0 {
		if err := bus.Unsubscribe(filters...); err != nil {
			slog.Warn("mqtt unsubscribe failed", "error", err)
		}
	}
	e.Close()
}
