package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gitshopapp/billing/internal/logging"
	"github.com/gitshopapp/billing/internal/models"
)

// PaymentService routes gateway payment results to orders and the subscriptions
// they pay for.
type PaymentService struct {
	deps          Deps
	orders        *OrderService
	subscriptions *SubscriptionService
	logger        *slog.Logger
}

func NewPaymentService(deps Deps, orders *OrderService, subscriptions *SubscriptionService) *PaymentService {
	deps = deps.withDefaults()
	return &PaymentService{
		deps:          deps,
		orders:        orders,
		subscriptions: subscriptions,
		logger:        deps.Logger.With("component", "payment_service"),
	}
}

func (s *PaymentService) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

// HandleOutcome applies outcome to orderID. Subscriptions are updated directly. For a
// regular order the order is updated first and then every subscription whose current
// parent is that order, which covers both checkout and renewal orders.
func (s *PaymentService) HandleOutcome(ctx context.Context, orderID int64, outcome PaymentOutcome) error {
	span := startSpan(ctx, "service.payment", "service.payment.handle_outcome", "HandleOutcome")
	defer span.Finish()
	ctx = span.Context()

	logger := s.loggerFromContext(ctx)

	order, err := s.deps.Store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load order %d: %w", orderID, err)
	}

	switch order.Type {
	case models.TypeSubscription:
		_, err := s.subscriptions.HandlePayment(ctx, orderID, outcome)
		return err
	case models.TypeRefund:
		logger.Warn("ignoring payment for refund", "order_id", orderID)
		return nil
	}

	if _, err := s.orders.RecordPayment(ctx, orderID, outcome); err != nil {
		return err
	}

	subs, err := s.deps.Store.SubscriptionsByParent(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load subscriptions of order %d: %w", orderID, err)
	}
	for _, sub := range subs {
		if outcome.Paid && sub.Status == models.StatusActive && !sub.LastPaymentDate.Before(outcome.PaidAt) && !outcome.PaidAt.IsZero() {
			continue
		}
		if _, err := s.subscriptions.HandlePayment(ctx, sub.ID, outcome); err != nil {
			return err
		}
	}
	logger.Info("payment handled", "order_id", orderID, "paid", outcome.Paid, "subscriptions", len(subs))
	return nil
}
