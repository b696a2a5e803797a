// Package events carries billing lifecycle notifications to subscribers such as
// email, logging and metrics. Delivery is synchronous and fire-and-forget.
package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gitshopapp/billing/internal/models"
)

type Name string

const (
	PaymentStatusChanged   Name = "payment_status_changed"
	SubscriptionCreated    Name = "subscription_created"
	SubscriptionPaid       Name = "subscription_payment_complete"
	SubscriptionFailed     Name = "subscription_payment_failed"
	RenewalOrderCreated    Name = "renewal_order_created"
	RefundCreated          Name = "refund_created"
	OrderRefunded          Name = "order_fully_refunded"
	OrderPartiallyRefunded Name = "order_partially_refunded"
)

// StatusName is the per-status notification emitted alongside PaymentStatusChanged.
func StatusName(status models.OrderStatus) Name {
	return Name("status_" + string(status))
}

type Event struct {
	Name       Name
	OrderID    int64
	OrderType  models.OrderType
	From       models.OrderStatus
	To         models.OrderStatus
	Trigger    string
	RelatedID  int64
	Amount     decimal.Decimal
	OccurredAt time.Time
}

// Notifier receives events. Implementations must not block on slow work.
type Notifier interface {
	Emit(ctx context.Context, event Event)
}

type NotifierFunc func(ctx context.Context, event Event)

func (f NotifierFunc) Emit(ctx context.Context, event Event) {
	f(ctx, event)
}

type noopNotifier struct{}

func (noopNotifier) Emit(context.Context, Event) {}

// Noop returns a notifier that drops every event.
func Noop() Notifier {
	return noopNotifier{}
}
