package db

import (
	"context"
	"errors"
	"time"

	"github.com/gitshopapp/billing/internal/models"
)

var ErrNotFound = errors.New("record not found")

// Store persists orders, subscriptions and refunds. Every Save writes the aggregate,
// its lines and its metadata atomically.
type Store interface {
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	GetSubscription(ctx context.Context, id int64) (*models.Subscription, error)
	GetRefund(ctx context.Context, id int64) (*models.Refund, error)

	SaveOrder(ctx context.Context, order *models.Order) error
	SaveSubscription(ctx context.Context, sub *models.Subscription) error
	SaveRefund(ctx context.Context, refund *models.Refund) error

	// DeleteOrder removes an order of any type with its lines.
	DeleteOrder(ctx context.Context, id int64) error

	SubscriptionsByParent(ctx context.Context, orderID int64) ([]*models.Subscription, error)
	RefundsByOrder(ctx context.Context, orderID int64) ([]*models.Refund, error)
	// SubscriptionsDue lists active subscriptions with a next payment at or before t.
	SubscriptionsDue(ctx context.Context, t time.Time, limit int) ([]*models.Subscription, error)

	// UpdateStatus moves id from one status to another. It fails with
	// models.ErrInvalidStatusTransition when the stored status is not from.
	UpdateStatus(ctx context.Context, id int64, from, to models.OrderStatus) error

	// InTx runs fn against a store bound to one transaction. The transaction commits
	// when fn returns nil and rolls back otherwise. Nested calls join the outer one.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
