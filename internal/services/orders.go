package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/billing/internal/db"
	"github.com/gitshopapp/billing/internal/logging"
	"github.com/gitshopapp/billing/internal/models"
	"github.com/gitshopapp/billing/internal/observability"
	"github.com/gitshopapp/billing/internal/tax"
	"github.com/gitshopapp/billing/internal/workflow"
)

type OrderService struct {
	deps   Deps
	logger *slog.Logger
}

func NewOrderService(deps Deps) *OrderService {
	deps = deps.withDefaults()
	return &OrderService{
		deps:   deps,
		logger: deps.Logger.With("component", "order_service"),
	}
}

func (s *OrderService) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

// PaymentOutcome is a gateway result for one order.
type PaymentOutcome struct {
	Paid          bool
	PaidAt        time.Time
	TransactionID string
}

// ProductInput describes a product added to an order. UnitPrice includes tax when the
// order has tax-inclusive prices. Discount is taken off the line total.
type ProductInput struct {
	ProductID int64
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	Discount  decimal.Decimal
	TaxClass  string
	TaxStatus models.TaxStatus
}

func (s *OrderService) Get(ctx context.Context, id int64) (*models.Order, error) {
	return s.deps.Store.GetOrder(ctx, id)
}

// Calculate recalculates taxes and totals without persisting.
func (s *OrderService) Calculate(ctx context.Context, order *models.Order) error {
	if err := order.Calculate(ctx, s.deps.Engine, s.deps.Tax); err != nil {
		return fmt.Errorf("failed to calculate order %d: %w", order.ID, err)
	}
	return nil
}

// Save calculates order and persists it with its lines in one write.
func (s *OrderService) Save(ctx context.Context, order *models.Order) error {
	span := startSpan(ctx, "service.order", "service.order.save", "Save")
	defer span.Finish()
	ctx = span.Context()

	if err := s.Calculate(ctx, order); err != nil {
		return err
	}
	if err := s.deps.Store.SaveOrder(ctx, order); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	s.loggerFromContext(ctx).Debug("order saved", "order_id", order.ID, "total", order.Total.String())
	return nil
}

// AddProduct prices a product line and attaches it to order. Tax-inclusive prices are
// converted to their exclusive amount for the order's tax location.
func (s *OrderService) AddProduct(ctx context.Context, order *models.Order, input ProductInput) (*models.ProductItem, error) {
	if input.Quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive")
	}
	if input.UnitPrice.IsNegative() || input.Discount.IsNegative() {
		return nil, fmt.Errorf("price and discount must not be negative")
	}
	class := tax.NormalizeClass(input.TaxClass)

	subtotal := input.UnitPrice.Mul(decimal.NewFromInt(int64(input.Quantity)))
	total := subtotal.Sub(input.Discount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	if loc := order.TaxLocation(s.deps.Tax); order.PricesIncludeTax && loc.Calculable() {
		var err error
		if subtotal, err = order.NetPrice(ctx, s.deps.Engine, subtotal, class, *loc); err != nil {
			return nil, fmt.Errorf("failed to remove tax from price: %w", err)
		}
		if total, err = order.NetPrice(ctx, s.deps.Engine, total, class, *loc); err != nil {
			return nil, fmt.Errorf("failed to remove tax from price: %w", err)
		}
	}

	item := models.NewProductItem(input.Name, input.Quantity, subtotal, total)
	item.ProductID = input.ProductID
	item.TaxClass = class
	if input.TaxStatus != "" {
		item.TaxStatus = input.TaxStatus
	}
	order.AddItem(item)
	return item, nil
}

// Transition applies event to the stored order. Transitions on one order are
// serialized and a stale status fails with workflow.ErrInvalidStatusTransition.
func (s *OrderService) Transition(ctx context.Context, orderID int64, event workflow.Event) (*models.Order, error) {
	span := startSpan(ctx, "service.order", "service.order.transition", string(event))
	defer span.Finish()
	ctx = span.Context()

	return s.transition(ctx, orderID, event, nil)
}

// RecordPayment applies a gateway result to an order. A payment for an order that is
// already paid is ignored.
func (s *OrderService) RecordPayment(ctx context.Context, orderID int64, outcome PaymentOutcome) (*models.Order, error) {
	span := startSpan(ctx, "service.order", "service.order.record_payment", "RecordPayment")
	defer span.Finish()
	ctx = span.Context()

	event := workflow.EventFailPayment
	if outcome.Paid {
		event = workflow.EventProcessOrder
	}
	order, err := s.transition(ctx, orderID, event, func(order *models.Order) {
		if outcome.TransactionID != "" {
			order.SetTransactionID(outcome.TransactionID)
		}
		if outcome.Paid && order.PaidAt.IsZero() {
			order.PaidAt = outcome.PaidAt
		}
	})
	if outcome.Paid && errors.Is(err, workflow.ErrInvalidStatusTransition) {
		current, getErr := s.deps.Store.GetOrder(ctx, orderID)
		if getErr == nil && current.Status.IsPaid() {
			s.loggerFromContext(ctx).Info("ignoring payment for paid order", "order_id", orderID, "status", current.Status)
			return current, nil
		}
	}
	return order, err
}

func (s *OrderService) transition(ctx context.Context, orderID int64, event workflow.Event, mutate func(*models.Order)) (*models.Order, error) {
	logger := s.loggerFromContext(ctx)
	meter := observability.MeterFromContext(ctx)

	unlock := s.deps.Locker.Lock(orderID)
	defer unlock()

	var (
		order      *models.Order
		transition workflow.Transition
	)
	err := s.deps.Store.InTx(ctx, func(ctx context.Context, tx db.Store) error {
		var err error
		order, err = tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		transition, err = applyTransition(ctx, tx, s.deps.Machine, event, order)
		if err != nil {
			return err
		}
		now := s.deps.Calendar.Now()
		if mutate != nil {
			mutate(order)
		}
		switch transition.To {
		case models.StatusProcessing, models.StatusPaymentConfirmed:
			if order.PaidAt.IsZero() {
				order.PaidAt = now
			}
		case models.StatusCompleted:
			order.CompletedAt = now
		}
		return tx.SaveOrder(ctx, order)
	})
	if err != nil {
		if errors.Is(err, workflow.ErrInvalidStatusTransition) {
			meter.Count("order.transition.rejected", 1, sentry.WithAttributes(
				attribute.String("event", string(event)),
			))
			logger.Warn("order transition rejected", "order_id", orderID, "event", event, "error", err)
		}
		return nil, fmt.Errorf("failed to apply %s to order %d: %w", event, orderID, err)
	}

	meter.Count("order.transition", 1, sentry.WithAttributes(
		attribute.String("event", string(event)),
		attribute.String("to", string(transition.To)),
	))
	logger.Info("order status changed", "order_id", orderID, "from", transition.From, "to", transition.To)
	s.deps.Machine.Notify(ctx, transition)
	return order, nil
}
