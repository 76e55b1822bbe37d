package dispatch

import (
	"context"
	"log/slog"

	"github.com/Kinglowther/boda-dispatch/internal/lifecycle"
)

// LogPublisher writes events to the log. Used when no broker is
// configured, and alongside AMQP so every transition leaves a trace.
type LogPublisher struct {
	Log *slog.Logger
}

func (p *LogPublisher) Publish(_ context.Context, e lifecycle.Event) error {
	orderID := ""
	if e.Order != nil {
		orderID = e.Order.ID
	}
	p.Log.Info("order event", "type", e.Type, "order_id", orderID, "rider_id", e.RiderID)
	return nil
}

// MultiPublisher fans an event out to several publishers. The first
// error is returned but remaining publishers still run.
type MultiPublisher []lifecycle.Publisher

func (m MultiPublisher) Publish(ctx context.Context, e lifecycle.Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
