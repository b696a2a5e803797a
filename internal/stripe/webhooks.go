package stripe

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	stripeapi "github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
)

// OrderIDMetadataKey is set on PaymentIntents created for billing orders.
const OrderIDMetadataKey = "order_id"

func ReadWebhookEvent(r *http.Request, secret string) (*stripeapi.Event, error) {
	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		return nil, fmt.Errorf("missing stripe signature header")
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	event, err := webhook.ConstructEvent(payload, signature, secret)
	if err != nil {
		return nil, fmt.Errorf("webhook signature validation failed: %w", err)
	}

	return &event, nil
}

// PaymentEvent is a payment result reported by Stripe for one order.
type PaymentEvent struct {
	EventID         string
	OrderID         int64
	PaymentIntentID string
	Paid            bool
	OccurredAt      time.Time
}

// ParsePaymentEvent extracts a payment result from payment_intent.succeeded and
// payment_intent.payment_failed events. ok is false for other event types.
func ParsePaymentEvent(event *stripeapi.Event) (PaymentEvent, bool, error) {
	var paid bool
	switch event.Type {
	case stripeapi.EventTypePaymentIntentSucceeded:
		paid = true
	case stripeapi.EventTypePaymentIntentPaymentFailed:
		paid = false
	default:
		return PaymentEvent{}, false, nil
	}
	if event.Data == nil {
		return PaymentEvent{}, false, fmt.Errorf("event %s has no data", event.ID)
	}

	var intent stripeapi.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return PaymentEvent{}, false, fmt.Errorf("invalid payment intent: %w", err)
	}
	raw := intent.Metadata[OrderIDMetadataKey]
	orderID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || orderID <= 0 {
		return PaymentEvent{}, false, fmt.Errorf("payment intent %s has invalid order id %q", intent.ID, raw)
	}

	return PaymentEvent{
		EventID:         event.ID,
		OrderID:         orderID,
		PaymentIntentID: intent.ID,
		Paid:            paid,
		OccurredAt:      time.Unix(event.Created, 0).UTC(),
	}, true, nil
}
