package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/gitshopapp/billing/internal/billing"
	"github.com/gitshopapp/billing/internal/db"
	"github.com/gitshopapp/billing/internal/events"
	"github.com/gitshopapp/billing/internal/logging"
	"github.com/gitshopapp/billing/internal/models"
	"github.com/gitshopapp/billing/internal/observability"
	"github.com/gitshopapp/billing/internal/payments"
	"github.com/gitshopapp/billing/internal/workflow"
)

// lateActivationThreshold is how late a first payment may arrive before the schedule
// is shifted by the delay.
const lateActivationThreshold = time.Hour

type SubscriptionService struct {
	deps   Deps
	logger *slog.Logger
}

func NewSubscriptionService(deps Deps) *SubscriptionService {
	deps = deps.withDefaults()
	return &SubscriptionService{
		deps:   deps,
		logger: deps.Logger.With("component", "subscription_service"),
	}
}

func (s *SubscriptionService) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

// RecurringGroup is a set of cart lines billed on the same schedule.
type RecurringGroup struct {
	Interval  int
	Period    billing.Period
	Length    int
	TrialDays int
	// StartDate defaults to now.
	StartDate time.Time
	Items     []models.Item
}

// RecurringCart is the recurring part of a checkout, one group per schedule.
type RecurringCart struct {
	Groups []RecurringGroup
}

func (g RecurringGroup) validate() error {
	if g.Interval <= 0 {
		return fmt.Errorf("billing interval must be positive")
	}
	if !g.Period.Valid() {
		return fmt.Errorf("unsupported billing period %q", g.Period)
	}
	if g.Length < 0 || g.TrialDays < 0 {
		return fmt.Errorf("length and trial days must not be negative")
	}
	if len(g.Items) == 0 {
		return fmt.Errorf("recurring group has no items")
	}
	return nil
}

func (s *SubscriptionService) Get(ctx context.Context, id int64) (*models.Subscription, error) {
	return s.deps.Store.GetSubscription(ctx, id)
}

// CreateFromOrder replaces the subscriptions created from orderID with one per group
// in cart. Either every subscription is created or none is.
func (s *SubscriptionService) CreateFromOrder(ctx context.Context, orderID int64, cart RecurringCart) ([]*models.Subscription, error) {
	span := startSpan(ctx, "service.subscription", "service.subscription.create_from_order", "CreateFromOrder")
	defer span.Finish()
	ctx = span.Context()

	logger := s.loggerFromContext(ctx)
	meter := observability.MeterFromContext(ctx)

	if len(cart.Groups) == 0 {
		return nil, fmt.Errorf("recurring cart is empty")
	}
	for i, group := range cart.Groups {
		if err := group.validate(); err != nil {
			return nil, fmt.Errorf("recurring group %d: %w", i, err)
		}
	}

	var created []*models.Subscription
	err := s.deps.Store.InTx(ctx, func(ctx context.Context, tx db.Store) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}

		existing, err := tx.SubscriptionsByParent(ctx, orderID)
		if err != nil {
			return err
		}
		for _, sub := range existing {
			if err := tx.DeleteOrder(ctx, sub.ID); err != nil {
				return fmt.Errorf("failed to remove previous subscription %d: %w", sub.ID, err)
			}
			logger.Info("removed previous subscription", "order_id", orderID, "subscription_id", sub.ID)
		}

		created = created[:0]
		for _, group := range cart.Groups {
			sub, err := s.buildSubscription(ctx, order, group)
			if err != nil {
				return err
			}
			if err := tx.SaveSubscription(ctx, sub); err != nil {
				return err
			}
			created = append(created, sub)
		}
		return nil
	})
	if err != nil {
		meter.Count("subscription.create.failed", 1)
		return nil, fmt.Errorf("failed to create subscriptions for order %d: %w", orderID, err)
	}

	for _, sub := range created {
		meter.Count("subscription.created", 1, sentry.WithAttributes(
			attribute.String("period", string(sub.BillingPeriod)),
		))
		logger.Info("subscription created",
			"subscription_id", sub.ID,
			"order_id", orderID,
			"next_payment", sub.NextPaymentDate,
			"manual_renewal", sub.RequiresManualRenewal,
		)
		s.deps.Notifier.Emit(ctx, events.Event{
			Name:      events.SubscriptionCreated,
			OrderID:   sub.ID,
			OrderType: models.TypeSubscription,
			To:        sub.Status,
			RelatedID: orderID,
			Amount:    sub.Total,
		})
	}
	return created, nil
}

func (s *SubscriptionService) buildSubscription(ctx context.Context, order *models.Order, group RecurringGroup) (*models.Subscription, error) {
	sub := models.NewSubscription(order.Currency, group.Interval, group.Period)
	copyCustomer(&sub.Order, order)
	sub.ParentOrderID = order.ID
	sub.Length = group.Length
	sub.TrialDays = group.TrialDays
	sub.Meta.Set(models.MetaCreatedVia, "checkout")
	for _, item := range group.Items {
		sub.AddItem(copyItem(item))
	}

	if err := sub.Calculate(ctx, s.deps.Engine, s.deps.Tax); err != nil {
		return nil, fmt.Errorf("failed to calculate subscription totals: %w", err)
	}

	sub.InitDates(s.deps.Calendar, group.StartDate)
	if err := sub.ValidateDates(); err != nil {
		return nil, err
	}
	sub.RequiresManualRenewal = !sub.Total.IsPositive() ||
		!s.deps.AutoRenewalPayments ||
		!s.deps.Gateways.Supports(order.PaymentMethod, payments.FeatureSubscriptions)
	return sub, nil
}

func copyCustomer(dst, src *models.Order) {
	dst.Billing = src.Billing
	dst.Shipping = src.Shipping
	dst.CustomerID = src.CustomerID
	dst.PaymentMethod = src.PaymentMethod
	dst.PaymentMethodTitle = src.PaymentMethodTitle
	dst.PricesIncludeTax = src.PricesIncludeTax
}

// copyItem returns an unsaved copy of item for another order.
func copyItem(item models.Item) models.Item {
	c := item.Clone()
	base := c.Base()
	base.ID = 0
	base.OrderID = 0
	return c
}

// Renew expires subscription subID and creates the renewal order that collects the next
// payment. Only active subscriptions can be renewed. The renewal order becomes the
// subscription's parent and is added to its related orders.
func (s *SubscriptionService) Renew(ctx context.Context, subID int64) (*models.Order, error) {
	span := startSpan(ctx, "service.subscription", "service.subscription.renew", "Renew")
	defer span.Finish()
	ctx = span.Context()

	unlock := s.deps.Locker.Lock(subID)
	defer unlock()

	var (
		renewal    *models.Order
		transition workflow.Transition
	)
	err := s.deps.Store.InTx(ctx, func(ctx context.Context, tx db.Store) error {
		sub, err := tx.GetSubscription(ctx, subID)
		if err != nil {
			return err
		}
		transition, err = applyTransition(ctx, tx, s.deps.Machine, workflow.EventRenew, sub)
		if err != nil {
			return err
		}

		renewal = models.NewOrder(sub.Currency)
		renewal.Status = models.StatusPendingPayment
		copyCustomer(renewal, &sub.Order)
		renewal.Meta.SetInt64(models.MetaSubscriptionRenewal, sub.ID)
		renewal.Meta.Set(models.MetaCreatedVia, "renewal")
		for _, item := range sub.Items() {
			if item.Type() == models.ItemTypeTax {
				continue
			}
			renewal.AddItem(copyItem(item))
		}
		if err := renewal.Calculate(ctx, s.deps.Engine, s.deps.Tax); err != nil {
			return fmt.Errorf("failed to calculate renewal order: %w", err)
		}
		if err := tx.SaveOrder(ctx, renewal); err != nil {
			return err
		}

		sub.AddRelatedOrder(renewal.ID)
		sub.ParentOrderID = renewal.ID
		return tx.SaveSubscription(ctx, sub)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to renew subscription %d: %w", subID, err)
	}

	observability.MeterFromContext(ctx).Count("subscription.renewal_order.created", 1)
	s.loggerFromContext(ctx).Info("renewal order created", "subscription_id", subID, "order_id", renewal.ID, "total", renewal.Total.String())
	s.deps.Machine.Notify(ctx, transition)
	s.deps.Notifier.Emit(ctx, events.Event{
		Name:      events.RenewalOrderCreated,
		OrderID:   renewal.ID,
		OrderType: models.TypeOrder,
		To:        renewal.Status,
		RelatedID: subID,
		Amount:    renewal.Total,
	})
	return renewal, nil
}

// HandlePayment applies a payment result to a subscription.
//
// A payment on a cancelled subscription moves it to pending_cancel and keeps the
// original cancellation date. A first payment activates the subscription, shifting its
// schedule when the payment arrived more than an hour after the start date. A failed
// payment leaves the dates alone.
func (s *SubscriptionService) HandlePayment(ctx context.Context, subID int64, outcome PaymentOutcome) (*models.Subscription, error) {
	span := startSpan(ctx, "service.subscription", "service.subscription.handle_payment", "HandlePayment")
	defer span.Finish()
	ctx = span.Context()

	if outcome.PaidAt.IsZero() {
		outcome.PaidAt = s.deps.Calendar.Now()
	}

	unlock := s.deps.Locker.Lock(subID)
	defer unlock()

	var (
		sub        *models.Subscription
		transition workflow.Transition
		changed    bool
	)
	err := s.deps.Store.InTx(ctx, func(ctx context.Context, tx db.Store) error {
		var err error
		sub, err = tx.GetSubscription(ctx, subID)
		if err != nil {
			return err
		}
		if outcome.TransactionID != "" {
			sub.SetTransactionID(outcome.TransactionID)
		}

		if !outcome.Paid {
			transition, err = applyTransition(ctx, tx, s.deps.Machine, workflow.EventPaymentFailed, sub)
			if err != nil {
				return err
			}
			changed = true
			return tx.SaveSubscription(ctx, sub)
		}

		from := sub.Status
		switch from {
		case models.StatusActive:
			sub.LastPaymentDate = outcome.PaidAt
			sub.NextPaymentDate = sub.CalculateNextPayment(s.deps.Calendar)
		case models.StatusCancelled:
			cancelled := sub.CancelledDate
			sub.CancelledDate = time.Time{}
			if transition, err = applyTransition(ctx, tx, s.deps.Machine, workflow.EventPaid, sub); err != nil {
				return err
			}
			changed = true
			sub.LastPaymentDate = outcome.PaidAt
			sub.EndDate = s.paidThrough(sub)
			sub.NextPaymentDate = time.Time{}
			sub.CancelledDate = cancelled
		default:
			if transition, err = applyTransition(ctx, tx, s.deps.Machine, workflow.EventPaid, sub); err != nil {
				return err
			}
			changed = true
			sub.LastPaymentDate = outcome.PaidAt
			if from == models.StatusPendingPayment {
				if offset := outcome.PaidAt.Sub(sub.StartDate); !sub.StartDate.IsZero() && offset > lateActivationThreshold {
					sub.ShiftDates(offset)
				}
			} else {
				sub.NextPaymentDate = sub.CalculateNextPayment(s.deps.Calendar)
			}
		}
		return tx.SaveSubscription(ctx, sub)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply payment to subscription %d: %w", subID, err)
	}

	name := events.SubscriptionPaid
	result := "paid"
	if !outcome.Paid {
		name = events.SubscriptionFailed
		result = "failed"
	}
	observability.MeterFromContext(ctx).Count("subscription.payment", 1, sentry.WithAttributes(
		attribute.String("result", result),
	))
	s.loggerFromContext(ctx).Info("subscription payment handled", "subscription_id", subID, "result", result, "status", sub.Status)
	if changed {
		s.deps.Machine.Notify(ctx, transition)
	}
	s.deps.Notifier.Emit(ctx, events.Event{
		Name:      name,
		OrderID:   sub.ID,
		OrderType: models.TypeSubscription,
		To:        sub.Status,
		Amount:    sub.Total,
	})
	return sub, nil
}

// paidThrough is the end of the period covered by the last payment, capped by the
// subscription length.
func (s *SubscriptionService) paidThrough(sub *models.Subscription) time.Time {
	limit := s.deps.Calendar.ExpirationDate(sub.Length, sub.BillingPeriod, sub.StartDate, sub.TrialDays)
	draft := sub.Clone()
	draft.EndDate = time.Time{}
	next := draft.CalculateNextPayment(s.deps.Calendar)
	switch {
	case next.IsZero():
		if limit.IsZero() {
			return sub.EndDate
		}
		return limit
	case !limit.IsZero() && limit.Before(next):
		return limit
	default:
		return next
	}
}

// Cancel ends the subscription now.
func (s *SubscriptionService) Cancel(ctx context.Context, subID int64) (*models.Subscription, error) {
	return s.change(ctx, subID, workflow.EventCancel, func(sub *models.Subscription, _ models.OrderStatus) {
		now := s.deps.Calendar.Now()
		sub.CancelledDate = now
		sub.NextPaymentDate = time.Time{}
		if sub.EndDate.IsZero() || sub.EndDate.After(now) {
			sub.EndDate = now
		}
	})
}

// RequestCancel cancels at the end of the prepaid period.
func (s *SubscriptionService) RequestCancel(ctx context.Context, subID int64) (*models.Subscription, error) {
	return s.change(ctx, subID, workflow.EventRequestCancel, func(sub *models.Subscription, _ models.OrderStatus) {
		sub.CancelledDate = s.deps.Calendar.Now()
		if !sub.NextPaymentDate.IsZero() {
			sub.EndDate = sub.NextPaymentDate
		}
		sub.NextPaymentDate = time.Time{}
	})
}

// Expire ends the subscription once its term is over.
func (s *SubscriptionService) Expire(ctx context.Context, subID int64) (*models.Subscription, error) {
	return s.change(ctx, subID, workflow.EventExpire, func(sub *models.Subscription, _ models.OrderStatus) {
		now := s.deps.Calendar.Now()
		sub.NextPaymentDate = time.Time{}
		if sub.EndDate.IsZero() || sub.EndDate.After(now) {
			sub.EndDate = now
		}
	})
}

func (s *SubscriptionService) PutOnHold(ctx context.Context, subID int64) (*models.Subscription, error) {
	return s.change(ctx, subID, workflow.EventPutOnHold, nil)
}

// Reactivate resumes an on-hold subscription or withdraws a pending cancellation.
func (s *SubscriptionService) Reactivate(ctx context.Context, subID int64) (*models.Subscription, error) {
	return s.change(ctx, subID, workflow.EventReactivate, func(sub *models.Subscription, from models.OrderStatus) {
		if from == models.StatusPendingCancel {
			sub.CancelledDate = time.Time{}
			sub.EndDate = s.deps.Calendar.ExpirationDate(sub.Length, sub.BillingPeriod, sub.StartDate, sub.TrialDays)
		}
		sub.NextPaymentDate = sub.CalculateNextPayment(s.deps.Calendar)
	})
}

// DueForRenewal lists active subscriptions whose next payment is at or before now.
func (s *SubscriptionService) DueForRenewal(ctx context.Context, now time.Time, limit int) ([]*models.Subscription, error) {
	if now.IsZero() {
		now = s.deps.Calendar.Now()
	}
	subs, err := s.deps.Store.SubscriptionsDue(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due subscriptions: %w", err)
	}
	return subs, nil
}

func (s *SubscriptionService) change(ctx context.Context, subID int64, event workflow.Event, mutate func(sub *models.Subscription, from models.OrderStatus)) (*models.Subscription, error) {
	span := startSpan(ctx, "service.subscription", "service.subscription."+string(event), string(event))
	defer span.Finish()
	ctx = span.Context()

	unlock := s.deps.Locker.Lock(subID)
	defer unlock()

	var (
		sub        *models.Subscription
		transition workflow.Transition
	)
	err := s.deps.Store.InTx(ctx, func(ctx context.Context, tx db.Store) error {
		var err error
		sub, err = tx.GetSubscription(ctx, subID)
		if err != nil {
			return err
		}
		transition, err = applyTransition(ctx, tx, s.deps.Machine, event, sub)
		if err != nil {
			return err
		}
		if mutate != nil {
			mutate(sub, transition.From)
		}
		if err := sub.ValidateDates(); err != nil {
			return err
		}
		return tx.SaveSubscription(ctx, sub)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply %s to subscription %d: %w", event, subID, err)
	}

	s.loggerFromContext(ctx).Info("subscription status changed", "subscription_id", subID, "from", transition.From, "to", transition.To)
	s.deps.Machine.Notify(ctx, transition)
	return sub, nil
}
