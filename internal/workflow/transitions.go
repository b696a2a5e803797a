package workflow

import "github.com/gitshopapp/billing/internal/models"

type Event string

// Order events.
const (
	EventSubmitOrder    Event = "submit_order"
	EventProcessOrder   Event = "process_order"
	EventHoldOrder      Event = "hold_order"
	EventConfirmPayment Event = "confirm_payment"
	EventCompleteOrder  Event = "complete_order"
	EventCancelOrder    Event = "cancel_order"
	EventFailPayment    Event = "fail_payment"
	EventRefundOrder    Event = "refund_order"
)

// Subscription events.
const (
	EventActivate      Event = "activate"
	EventPaid          Event = "paid"
	EventPaymentFailed Event = "payment_failed"
	EventCancel        Event = "cancel"
	EventRequestCancel Event = "request_cancel"
	EventExpire        Event = "expire"
	EventRenew         Event = "renew"
	EventPutOnHold     Event = "put_on_hold"
	EventReactivate    Event = "reactivate"
)

// Table maps an event and a source status to the resulting status.
type Table map[Event]map[models.OrderStatus]models.OrderStatus

func (t Table) next(event Event, from models.OrderStatus) (models.OrderStatus, bool) {
	sources, ok := t[event]
	if !ok {
		return "", false
	}
	to, ok := sources[from]
	return to, ok
}

func from(to models.OrderStatus, sources ...models.OrderStatus) map[models.OrderStatus]models.OrderStatus {
	out := make(map[models.OrderStatus]models.OrderStatus, len(sources))
	for _, source := range sources {
		out[source] = to
	}
	return out
}

// OrderTransitions is the lifecycle of orders. Completed orders can only be refunded.
func OrderTransitions() Table {
	return Table{
		EventSubmitOrder: from(models.StatusPendingPayment, models.StatusDraft),
		EventProcessOrder: from(models.StatusProcessing,
			models.StatusPendingPayment, models.StatusOnHold, models.StatusPaymentFailed, models.StatusPaymentConfirmed),
		EventHoldOrder: from(models.StatusOnHold,
			models.StatusPendingPayment, models.StatusProcessing, models.StatusPaymentConfirmed),
		EventConfirmPayment: from(models.StatusPaymentConfirmed,
			models.StatusPendingPayment, models.StatusOnHold, models.StatusPaymentFailed),
		EventCompleteOrder: from(models.StatusCompleted,
			models.StatusProcessing, models.StatusPaymentConfirmed, models.StatusOnHold),
		EventCancelOrder: from(models.StatusCancelled,
			models.StatusDraft, models.StatusPendingPayment, models.StatusProcessing, models.StatusOnHold,
			models.StatusPaymentConfirmed, models.StatusPaymentFailed),
		EventFailPayment: from(models.StatusPaymentFailed,
			models.StatusDraft, models.StatusPendingPayment, models.StatusOnHold, models.StatusProcessing,
			models.StatusPaymentConfirmed),
		EventRefundOrder: from(models.StatusRefunded,
			models.StatusPendingPayment, models.StatusProcessing, models.StatusOnHold, models.StatusPaymentConfirmed,
			models.StatusPaymentFailed, models.StatusCompleted),
	}
}

// SubscriptionTransitions is the lifecycle of subscriptions. A payment received after
// cancellation moves to pending_cancel so the prepaid term is honored.
func SubscriptionTransitions() Table {
	return Table{
		EventActivate: from(models.StatusActive,
			models.StatusPendingPayment, models.StatusOnHold, models.StatusPaymentFailed),
		EventPaid: {
			models.StatusPendingPayment: models.StatusActive,
			models.StatusOnHold:         models.StatusActive,
			models.StatusPaymentFailed:  models.StatusActive,
			models.StatusExpired:        models.StatusActive,
			models.StatusCancelled:      models.StatusPendingCancel,
		},
		EventPaymentFailed: from(models.StatusPaymentFailed,
			models.StatusPendingPayment, models.StatusActive, models.StatusOnHold, models.StatusExpired),
		EventCancel: from(models.StatusCancelled,
			models.StatusPendingPayment, models.StatusActive, models.StatusOnHold, models.StatusPaymentFailed,
			models.StatusPendingCancel),
		EventRequestCancel: from(models.StatusPendingCancel, models.StatusActive, models.StatusOnHold),
		EventExpire: from(models.StatusExpired,
			models.StatusActive, models.StatusOnHold, models.StatusPendingCancel, models.StatusPaymentFailed),
		// Only active subscriptions bill again; a pending cancellation runs out instead.
		EventRenew: from(models.StatusExpired, models.StatusActive),
		EventPutOnHold: from(models.StatusOnHold,
			models.StatusActive, models.StatusPendingPayment, models.StatusPaymentFailed),
		EventReactivate: from(models.StatusActive, models.StatusOnHold, models.StatusPendingCancel),
	}
}
