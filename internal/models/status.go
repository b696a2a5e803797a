package models

import "errors"

type OrderStatus string

const (
	StatusDraft            OrderStatus = "draft"
	StatusPendingPayment   OrderStatus = "pending_payment"
	StatusProcessing       OrderStatus = "processing"
	StatusOnHold           OrderStatus = "on_hold"
	StatusPaymentConfirmed OrderStatus = "payment_confirmed"
	StatusCompleted        OrderStatus = "completed"
	StatusCancelled        OrderStatus = "cancelled"
	StatusPaymentFailed    OrderStatus = "payment_failed"
	StatusRefunded         OrderStatus = "refunded"
	StatusExpired          OrderStatus = "expired"

	// Subscription only.
	StatusActive        OrderStatus = "active"
	StatusPendingCancel OrderStatus = "pending_cancel"
)

func (s OrderStatus) String() string {
	return string(s)
}

// IsPaid reports whether an order in this status has been paid for.
func (s OrderStatus) IsPaid() bool {
	switch s {
	case StatusProcessing, StatusPaymentConfirmed, StatusCompleted, StatusActive, StatusPendingCancel:
		return true
	default:
		return false
	}
}

type OrderType string

const (
	TypeOrder        OrderType = "order"
	TypeSubscription OrderType = "subscription"
	TypeRefund       OrderType = "refund_order"
)

// ErrInvalidStatusTransition reports an event or update that does not apply to the
// current status.
var ErrInvalidStatusTransition = errors.New("invalid status transition")
