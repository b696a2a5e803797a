package events

import (
	"context"
	"log/slog"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/gitshopapp/billing/internal/logging"
	"github.com/gitshopapp/billing/internal/observability"
)

// LogNotifier writes each event to the request logger.
func LogNotifier(logger *slog.Logger) Notifier {
	return NotifierFunc(func(ctx context.Context, event Event) {
		attrs := []any{
			"event", event.Name,
			"order_id", event.OrderID,
			"order_type", event.OrderType,
		}
		if event.From != "" || event.To != "" {
			attrs = append(attrs, "from", event.From, "to", event.To)
		}
		if event.Trigger != "" {
			attrs = append(attrs, "trigger", event.Trigger)
		}
		if event.RelatedID != 0 {
			attrs = append(attrs, "related_id", event.RelatedID)
		}
		if !event.Amount.IsZero() {
			attrs = append(attrs, "amount", event.Amount.String())
		}
		logging.FromContext(ctx, logger).Info("billing event", attrs...)
	})
}

// MeterNotifier counts events on the request meter.
func MeterNotifier() Notifier {
	return NotifierFunc(func(ctx context.Context, event Event) {
		meter := observability.MeterFromContext(ctx)
		meter.Count("billing.event", 1, sentry.WithAttributes(
			attribute.String("event", string(event.Name)),
			attribute.String("order_type", string(event.OrderType)),
		))
	})
}
