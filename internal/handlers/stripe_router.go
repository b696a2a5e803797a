package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	stripeapi "github.com/stripe/stripe-go/v84"

	"github.com/gitshopapp/billing/internal/db"
	"github.com/gitshopapp/billing/internal/logging"
	"github.com/gitshopapp/billing/internal/observability"
	"github.com/gitshopapp/billing/internal/services"
	"github.com/gitshopapp/billing/internal/stripe"
)

// PaymentHandler applies a gateway payment result to an order.
type PaymentHandler interface {
	HandleOutcome(ctx context.Context, orderID int64, outcome services.PaymentOutcome) error
}

type StripeEventRouter struct {
	payments PaymentHandler
	logger   *slog.Logger
}

func NewStripeEventRouter(payments PaymentHandler, logger *slog.Logger) *StripeEventRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeEventRouter{
		payments: payments,
		logger:   logger,
	}
}

// Handle routes payment intent results to the payment service. Other event types,
// malformed payment events and payments for unknown orders are acknowledged.
func (r *StripeEventRouter) Handle(ctx context.Context, event *stripeapi.Event) error {
	span := sentry.StartSpan(
		ctx,
		"handler.stripe_router.handle",
		sentry.WithOpName("handler.stripe_router"),
		sentry.WithDescription("StripeEventRouter.Handle"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)
	meter.SetAttributes(attribute.String("webhook.provider", "stripe"))
	meter.Count("webhook.router.received", 1)
	recordFailed := func(reason string) {
		meter.Count("webhook.router.failed", 1, sentry.WithAttributes(attribute.String("reason", reason)))
	}

	if event == nil {
		recordFailed("missing_event")
		return fmt.Errorf("missing stripe event")
	}
	meter.SetAttributes(attribute.String("webhook.event_type", string(event.Type)))
	logger := logging.FromContext(ctx, r.logger).With("event_id", event.ID, "type", event.Type)

	payment, ok, err := stripe.ParsePaymentEvent(event)
	if err != nil {
		recordFailed("invalid_payment_event")
		logger.Warn("ignoring unparseable payment event", "error", err)
		span.Status = sentry.SpanStatusOK
		return nil
	}
	if !ok {
		logger.Info("unhandled Stripe event type")
		meter.Count("webhook.router.unhandled", 1)
		span.Status = sentry.SpanStatusOK
		return nil
	}

	err = r.payments.HandleOutcome(ctx, payment.OrderID, services.PaymentOutcome{
		Paid:          payment.Paid,
		PaidAt:        payment.OccurredAt,
		TransactionID: payment.PaymentIntentID,
	})
	switch {
	case errors.Is(err, db.ErrNotFound):
		recordFailed("unknown_order")
		logger.Warn("payment for unknown order", "order_id", payment.OrderID)
		span.Status = sentry.SpanStatusOK
		return nil
	case err != nil:
		recordFailed("payment_outcome_failed")
		span.Status = sentry.SpanStatusInternalError
		return fmt.Errorf("failed to apply payment for order %d: %w", payment.OrderID, err)
	}

	meter.Count("webhook.router.processed", 1, sentry.WithAttributes(
		attribute.String("payment.paid", strconv.FormatBool(payment.Paid)),
	))
	logger.Info("payment event processed", "order_id", payment.OrderID, "paid", payment.Paid)
	span.Status = sentry.SpanStatusOK
	return nil
}
