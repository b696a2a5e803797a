package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/gitshopapp/billing/internal/events"
	"github.com/gitshopapp/billing/internal/models"
	"github.com/gitshopapp/billing/internal/money"
	"github.com/gitshopapp/billing/internal/observability"
)

const (
	defaultQueueSize = 256
	sendTimeout      = 30 * time.Second
	drainTimeout     = 10 * time.Second
)

// OrderReader loads the records an email is rendered from.
type OrderReader interface {
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	GetSubscription(ctx context.Context, id int64) (*models.Subscription, error)
	GetRefund(ctx context.Context, id int64) (*models.Refund, error)
}

// Notifier turns billing events into customer emails. Emit only queues; Run sends.
// Events arriving while the queue is full are dropped with a warning.
type Notifier struct {
	provider Provider
	renderer *Renderer
	orders   OrderReader
	shopName string
	queue    chan events.Event
	logger   *slog.Logger
}

func NewNotifier(provider Provider, orders OrderReader, shopName string, logger *slog.Logger) (*Notifier, error) {
	if provider == nil {
		return nil, fmt.Errorf("email provider is required")
	}
	if orders == nil {
		return nil, fmt.Errorf("order reader is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	renderer, err := NewRenderer()
	if err != nil {
		return nil, err
	}
	return &Notifier{
		provider: provider,
		renderer: renderer,
		orders:   orders,
		shopName: shopName,
		queue:    make(chan events.Event, defaultQueueSize),
		logger:   logger.With("component", "email_notifier"),
	}, nil
}

func (n *Notifier) Emit(_ context.Context, event events.Event) {
	if templateFor(event) == "" {
		return
	}
	select {
	case n.queue <- event:
	default:
		n.logger.Warn("email queue full, dropping notification", "event", event.Name, "order_id", event.OrderID)
	}
}

// Run sends queued emails until ctx is done, then spends up to drainTimeout sending
// what is still queued.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			n.drain(context.WithoutCancel(ctx))
			return
		case event := <-n.queue:
			n.send(ctx, event)
		}
	}
}

func (n *Notifier) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			if left := len(n.queue); left > 0 {
				n.logger.Warn("email queue not drained before shutdown", "pending", left)
			}
			return
		case event := <-n.queue:
			n.send(ctx, event)
		default:
			return
		}
	}
}

func (n *Notifier) send(ctx context.Context, event events.Event) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := n.deliver(ctx, event); err != nil {
		n.logger.Error("failed to send billing email", "event", event.Name, "order_id", event.OrderID, "error", err)
	}
}

func templateFor(event events.Event) string {
	switch event.Name {
	case events.StatusName(models.StatusProcessing):
		if event.OrderType == models.TypeOrder {
			return TemplateReceipt
		}
	case events.RefundCreated:
		return TemplateRefund
	case events.RenewalOrderCreated:
		return TemplateRenewalInvoice
	case events.SubscriptionFailed:
		return TemplatePaymentFailed
	}
	return ""
}

func (n *Notifier) deliver(ctx context.Context, event events.Event) error {
	name := templateFor(event)
	if name == "" {
		return nil
	}

	msg, err := n.message(ctx, event)
	if err != nil {
		return err
	}
	if msg.To == "" {
		n.logger.Debug("no billing email on order, skipping", "event", event.Name, "order_id", event.OrderID)
		return nil
	}

	email, err := n.renderer.Render(name, msg)
	if err != nil {
		return err
	}

	meter := observability.MeterFromContext(ctx)
	attrs := sentry.WithAttributes(attribute.String("email.template", name))
	if err := n.provider.SendEmail(ctx, email); err != nil {
		meter.Count("email.failed", 1, attrs)
		return err
	}
	meter.Count("email.sent", 1, attrs)
	n.logger.Info("billing email sent", "template", name, "order_id", event.OrderID)
	return nil
}

func (n *Notifier) message(ctx context.Context, event events.Event) (*Message, error) {
	date := event.OccurredAt
	if date.IsZero() {
		date = time.Now()
	}

	switch event.Name {
	case events.RefundCreated:
		refund, err := n.orders.GetRefund(ctx, event.OrderID)
		if err != nil {
			return nil, fmt.Errorf("failed to load refund %d: %w", event.OrderID, err)
		}
		parent, err := n.orders.GetOrder(ctx, refund.ParentOrderID)
		if err != nil {
			return nil, fmt.Errorf("failed to load refunded order %d: %w", refund.ParentOrderID, err)
		}
		msg := NewMessage(n.shopName, parent, date)
		msg.Amount = money.FormatFor(refund.Amount, parent.Currency)
		msg.Reason = refund.Reason
		return msg, nil
	case events.SubscriptionFailed:
		sub, err := n.orders.GetSubscription(ctx, event.OrderID)
		if err != nil {
			return nil, fmt.Errorf("failed to load subscription %d: %w", event.OrderID, err)
		}
		return NewMessage(n.shopName, &sub.Order, date), nil
	default:
		order, err := n.orders.GetOrder(ctx, event.OrderID)
		if err != nil {
			return nil, fmt.Errorf("failed to load order %d: %w", event.OrderID, err)
		}
		return NewMessage(n.shopName, order, date), nil
	}
}
