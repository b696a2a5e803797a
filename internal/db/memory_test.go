package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gitshopapp/billing/internal/billing"
	"github.com/gitshopapp/billing/internal/models"
)

func newTestOrder() *models.Order {
	order := models.NewOrder("USD")
	order.AddItem(models.NewProductItem("Widget", 2, decimal.NewFromInt(20), decimal.NewFromInt(20)))
	order.AddItem(models.NewShippingItem("Flat rate", "flat_rate", decimal.NewFromInt(5)))
	return order
}

func TestMemoryStoreSaveAssignsIDs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	order := newTestOrder()

	if err := store.SaveOrder(ctx, order); err != nil {
		t.Fatalf("save: %v", err)
	}
	if order.ID == 0 {
		t.Fatalf("expected order id to be assigned")
	}
	for _, item := range order.Items() {
		if item.Base().ID == 0 || item.Base().OrderID != order.ID {
			t.Fatalf("item not linked: %+v", item.Base())
		}
	}

	loaded, err := store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(loaded.Items()) != 2 {
		t.Fatalf("expected 2 items, got %d", len(loaded.Items()))
	}

	loaded.Meta.Set(models.MetaTransactionID, "txn_1")
	again, _ := store.GetOrder(ctx, order.ID)
	if again.TransactionID() != "" {
		t.Fatalf("loaded orders must not alias stored state")
	}
}

func TestMemoryStoreRemovedItemsAreDeleted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	order := newTestOrder()
	if err := store.SaveOrder(ctx, order); err != nil {
		t.Fatalf("save: %v", err)
	}

	shipping := order.ShippingLines()[0]
	if !order.RemoveItem(shipping.ID) {
		t.Fatalf("expected shipping line to be removed")
	}
	if err := store.SaveOrder(ctx, order); err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(order.RemovedItemIDs()) != 0 {
		t.Fatalf("removals should be cleared after save")
	}

	loaded, _ := store.GetOrder(ctx, order.ID)
	if len(loaded.ShippingLines()) != 0 || len(loaded.Products()) != 1 {
		t.Fatalf("unexpected items after removal: %d", len(loaded.Items()))
	}
}

func TestMemoryStoreUpdateStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	order := newTestOrder()
	order.Status = models.StatusPendingPayment
	if err := store.SaveOrder(ctx, order); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := store.UpdateStatus(ctx, order.ID, models.StatusPendingPayment, models.StatusProcessing); err != nil {
		t.Fatalf("update: %v", err)
	}
	err := store.UpdateStatus(ctx, order.ID, models.StatusPendingPayment, models.StatusProcessing)
	if !errors.Is(err, models.ErrInvalidStatusTransition) {
		t.Fatalf("expected stale update to fail, got %v", err)
	}
	if err := store.UpdateStatus(ctx, 42, models.StatusDraft, models.StatusProcessing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreInTxRollsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	order := newTestOrder()
	if err := store.SaveOrder(ctx, order); err != nil {
		t.Fatalf("save: %v", err)
	}

	boom := errors.New("boom")
	err := store.InTx(ctx, func(ctx context.Context, tx Store) error {
		refund := models.NewRefund(order, decimal.NewFromInt(5), "damaged")
		if err := tx.SaveRefund(ctx, refund); err != nil {
			return err
		}
		if err := tx.UpdateStatus(ctx, order.ID, models.StatusDraft, models.StatusRefunded); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	refunds, _ := store.RefundsByOrder(ctx, order.ID)
	if len(refunds) != 0 {
		t.Fatalf("refund should have been rolled back")
	}
	loaded, _ := store.GetOrder(ctx, order.ID)
	if loaded.Status != models.StatusDraft {
		t.Fatalf("status should have been rolled back, got %s", loaded.Status)
	}
}

func TestMemoryStoreInTxRollbackRestoresAggregates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	saved := newTestOrder()
	if err := store.SaveOrder(ctx, saved); err != nil {
		t.Fatalf("save: %v", err)
	}
	savedAt := saved.UpdatedAt
	removedID := saved.Items()[1].Base().ID
	saved.RemoveItem(removedID)

	fresh := newTestOrder()
	key := fresh.OrderKey

	boom := errors.New("boom")
	err := store.InTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.SaveOrder(ctx, fresh); err != nil {
			return err
		}
		if err := tx.SaveOrder(ctx, fresh); err != nil {
			return err
		}
		if err := tx.SaveOrder(ctx, saved); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if fresh.ID != 0 || !fresh.CreatedAt.IsZero() || fresh.OrderKey != key {
		t.Fatalf("new order kept stored identity: id %d created %s key %s", fresh.ID, fresh.CreatedAt, fresh.OrderKey)
	}
	for _, item := range fresh.Items() {
		if item.Base().ID != 0 || item.Base().OrderID != 0 {
			t.Fatalf("item kept stored ids %+v", item.Base())
		}
	}
	if !saved.UpdatedAt.Equal(savedAt) {
		t.Fatalf("updated at = %s, want %s", saved.UpdatedAt, savedAt)
	}
	if ids := saved.RemovedItemIDs(); len(ids) != 1 || ids[0] != removedID {
		t.Fatalf("pending removals = %v, want [%d]", ids, removedID)
	}

	if err := store.SaveOrder(ctx, saved); err != nil {
		t.Fatalf("save after rollback: %v", err)
	}
	loaded, err := store.GetOrder(ctx, saved.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if len(loaded.Items()) != 1 {
		t.Fatalf("expected removed line to be deleted on the next save, got %d lines", len(loaded.Items()))
	}
}

func TestMemoryStoreInTxCommits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	order := newTestOrder()
	if err := store.SaveOrder(ctx, order); err != nil {
		t.Fatalf("save: %v", err)
	}

	err := store.InTx(ctx, func(ctx context.Context, tx Store) error {
		return tx.InTx(ctx, func(ctx context.Context, inner Store) error {
			return inner.SaveRefund(ctx, models.NewRefund(order, decimal.NewFromInt(5), ""))
		})
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	refunds, _ := store.RefundsByOrder(ctx, order.ID)
	if len(refunds) != 1 || !refunds[0].Amount.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected committed refund, got %d", len(refunds))
	}
}

func TestMemoryStoreSubscriptionsDue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mk := func(status models.OrderStatus, next time.Time) *models.Subscription {
		sub := models.NewSubscription("USD", 1, billing.PeriodMonth)
		sub.Status = status
		sub.NextPaymentDate = next
		if err := store.SaveSubscription(ctx, sub); err != nil {
			t.Fatalf("save: %v", err)
		}
		return sub
	}
	late := mk(models.StatusActive, now.Add(-time.Hour))
	early := mk(models.StatusActive, now.Add(-48*time.Hour))
	mk(models.StatusActive, now.Add(time.Hour))
	mk(models.StatusOnHold, now.Add(-time.Hour))
	mk(models.StatusActive, time.Time{})

	due, err := store.SubscriptionsDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 2 || due[0].ID != early.ID || due[1].ID != late.ID {
		t.Fatalf("unexpected due subscriptions: %d", len(due))
	}

	limited, _ := store.SubscriptionsDue(ctx, now, 1)
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestMemoryStoreByParentAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	parent := newTestOrder()
	if err := store.SaveOrder(ctx, parent); err != nil {
		t.Fatalf("save: %v", err)
	}

	sub := models.NewSubscription("USD", 1, billing.PeriodWeek)
	sub.ParentOrderID = parent.ID
	if err := store.SaveSubscription(ctx, sub); err != nil {
		t.Fatalf("save subscription: %v", err)
	}
	subs, _ := store.SubscriptionsByParent(ctx, parent.ID)
	if len(subs) != 1 || subs[0].BillingPeriod != billing.PeriodWeek {
		t.Fatalf("unexpected subscriptions: %d", len(subs))
	}

	asOrder, err := store.GetOrder(ctx, sub.ID)
	if err != nil || asOrder.Type != models.TypeSubscription {
		t.Fatalf("subscription should load as an order: %v", err)
	}

	if err := store.DeleteOrder(ctx, sub.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetSubscription(ctx, sub.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := store.DeleteOrder(ctx, sub.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestMemoryStoreRejectsInvalidPeriod(t *testing.T) {
	t.Parallel()

	sub := models.NewSubscription("USD", 1, billing.Period("fortnight"))
	if err := NewMemoryStore().SaveSubscription(context.Background(), sub); err == nil {
		t.Fatalf("expected invalid period to be rejected")
	}
}
