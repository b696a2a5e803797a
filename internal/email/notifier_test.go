package email

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gitshopapp/billing/internal/billing"
	"github.com/gitshopapp/billing/internal/db"
	"github.com/gitshopapp/billing/internal/events"
	"github.com/gitshopapp/billing/internal/models"
	"github.com/gitshopapp/billing/internal/tax"
)

type fakeProvider struct {
	mu   sync.Mutex
	sent []*Email
	err  error
}

func (f *fakeProvider) SendEmail(_ context.Context, email *Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, email)
	return nil
}

func (f *fakeProvider) ValidateAPIKey(context.Context) error {
	return nil
}

func (f *fakeProvider) Sent() []*Email {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Email(nil), f.sent...)
}

func newTestNotifier(t *testing.T, provider Provider, store db.Store) *Notifier {
	t.Helper()

	n, err := NewNotifier(provider, store, "Acme", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewNotifier() error = %v", err)
	}
	return n
}

func saveTestOrder(t *testing.T, store db.Store, email string) *models.Order {
	t.Helper()

	order := models.NewOrder("USD")
	order.Status = models.StatusProcessing
	order.Billing = models.Address{FirstName: "Ada", LastName: "Lovelace", Email: email}
	order.AddItem(models.NewProductItem("Widget <b>", 2, decimal.NewFromInt(40), decimal.NewFromInt(40)))
	order.CalculateTotals(tax.DefaultPolicy())
	if err := store.SaveOrder(context.Background(), order); err != nil {
		t.Fatalf("SaveOrder() error = %v", err)
	}
	return order
}

func TestDeliverReceiptOnProcessing(t *testing.T) {
	t.Parallel()

	store := db.NewMemoryStore()
	provider := &fakeProvider{}
	n := newTestNotifier(t, provider, store)
	order := saveTestOrder(t, store, "ada@example.com")

	err := n.deliver(context.Background(), events.Event{
		Name:       events.StatusName(models.StatusProcessing),
		OrderID:    order.ID,
		OrderType:  models.TypeOrder,
		OccurredAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("deliver() error = %v", err)
	}

	sent := provider.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(sent))
	}
	got := sent[0]
	if got.To != "ada@example.com" || !strings.HasPrefix(got.Subject, "Receipt for order #") {
		t.Fatalf("unexpected email %+v", got)
	}
	if !strings.Contains(got.Text, "Widget <b> x2: 40.00") || !strings.Contains(got.Text, "May 1, 2024") {
		t.Fatalf("unexpected text body:\n%s", got.Text)
	}
	if strings.Contains(got.HTML, "Widget <b>") || !strings.Contains(got.HTML, "Widget &lt;b&gt;") {
		t.Fatalf("expected escaped html body:\n%s", got.HTML)
	}
}

func TestDeliverRefundUsesParentOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := db.NewMemoryStore()
	provider := &fakeProvider{}
	n := newTestNotifier(t, provider, store)
	order := saveTestOrder(t, store, "ada@example.com")

	refund := models.NewRefund(order, decimal.RequireFromString("12.5"), "damaged")
	if err := store.SaveRefund(ctx, refund); err != nil {
		t.Fatalf("SaveRefund() error = %v", err)
	}

	err := n.deliver(ctx, events.Event{
		Name:      events.RefundCreated,
		OrderID:   refund.ID,
		OrderType: models.TypeRefund,
		RelatedID: order.ID,
	})
	if err != nil {
		t.Fatalf("deliver() error = %v", err)
	}
	sent := provider.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(sent))
	}
	if !strings.Contains(sent[0].Subject, "12.50 USD") || !strings.Contains(sent[0].Text, "Reason: damaged") {
		t.Fatalf("unexpected refund email %+v", sent[0])
	}
}

func TestDeliverPaymentFailedLoadsSubscription(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := db.NewMemoryStore()
	provider := &fakeProvider{}
	n := newTestNotifier(t, provider, store)

	sub := models.NewSubscription("USD", 1, billing.PeriodMonth)
	sub.Billing = models.Address{Email: "sub@example.com"}
	sub.AddItem(models.NewProductItem("Plan", 1, decimal.NewFromInt(20), decimal.NewFromInt(20)))
	sub.CalculateTotals(tax.DefaultPolicy())
	if err := store.SaveSubscription(ctx, sub); err != nil {
		t.Fatalf("SaveSubscription() error = %v", err)
	}

	err := n.deliver(ctx, events.Event{Name: events.SubscriptionFailed, OrderID: sub.ID, OrderType: models.TypeSubscription})
	if err != nil {
		t.Fatalf("deliver() error = %v", err)
	}
	sent := provider.Sent()
	if len(sent) != 1 || sent[0].To != "sub@example.com" || !strings.Contains(sent[0].Text, "Hi there") {
		t.Fatalf("unexpected emails %+v", sent)
	}
}

func TestDeliverSkips(t *testing.T) {
	t.Parallel()

	store := db.NewMemoryStore()
	provider := &fakeProvider{}
	n := newTestNotifier(t, provider, store)
	noEmail := saveTestOrder(t, store, "")
	withEmail := saveTestOrder(t, store, "ada@example.com")

	tests := []struct {
		name  string
		event events.Event
	}{
		{
			name:  "order without billing email",
			event: events.Event{Name: events.StatusName(models.StatusProcessing), OrderID: noEmail.ID, OrderType: models.TypeOrder},
		},
		{
			name:  "processing subscription",
			event: events.Event{Name: events.StatusName(models.StatusProcessing), OrderID: withEmail.ID, OrderType: models.TypeSubscription},
		},
		{
			name:  "unrelated event",
			event: events.Event{Name: events.PaymentStatusChanged, OrderID: withEmail.ID, OrderType: models.TypeOrder},
		},
	}

	for _, tt := range tests {
		if err := n.deliver(context.Background(), tt.event); err != nil {
			t.Fatalf("%s: deliver() error = %v", tt.name, err)
		}
	}
	if sent := provider.Sent(); len(sent) != 0 {
		t.Fatalf("expected no emails, got %d", len(sent))
	}
}

func TestDeliverReportsErrors(t *testing.T) {
	t.Parallel()

	store := db.NewMemoryStore()
	n := newTestNotifier(t, &fakeProvider{err: errors.New("boom")}, store)
	order := saveTestOrder(t, store, "ada@example.com")

	processing := events.Event{Name: events.StatusName(models.StatusProcessing), OrderID: order.ID, OrderType: models.TypeOrder}
	if err := n.deliver(context.Background(), processing); err == nil {
		t.Fatal("expected provider error")
	}

	missing := events.Event{Name: events.RenewalOrderCreated, OrderID: 9999}
	if err := n.deliver(context.Background(), missing); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRunSendsQueuedEmails(t *testing.T) {
	t.Parallel()

	store := db.NewMemoryStore()
	provider := &fakeProvider{}
	n := newTestNotifier(t, provider, store)
	order := saveTestOrder(t, store, "ada@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()

	n.Emit(ctx, events.Event{Name: events.RenewalOrderCreated, OrderID: order.ID, OrderType: models.TypeOrder})

	deadline := time.Now().Add(2 * time.Second)
	for len(provider.Sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	sent := provider.Sent()
	if len(sent) != 1 || !strings.HasPrefix(sent[0].Subject, "Invoice #") {
		t.Fatalf("unexpected emails %+v", sent)
	}
}

func TestRunFlushesQueueOnShutdown(t *testing.T) {
	t.Parallel()

	store := db.NewMemoryStore()
	provider := &fakeProvider{}
	n := newTestNotifier(t, provider, store)
	order := saveTestOrder(t, store, "ada@example.com")

	n.Emit(context.Background(), events.Event{Name: events.RenewalOrderCreated, OrderID: order.ID, OrderType: models.TypeOrder})
	n.Emit(context.Background(), events.Event{Name: events.StatusName(models.StatusProcessing), OrderID: order.ID, OrderType: models.TypeOrder})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Run(ctx)

	if sent := provider.Sent(); len(sent) != 2 {
		t.Fatalf("expected 2 emails flushed, got %d", len(sent))
	}
}

func TestNewProvider(t *testing.T) {
	t.Parallel()

	p, err := NewProvider(Config{})
	if err != nil || p != nil {
		t.Fatalf("NewProvider(empty) = %v, %v; want nil, nil", p, err)
	}
	if _, err := NewProvider(Config{Provider: "resend"}); err == nil {
		t.Fatal("expected error for missing resend credentials")
	}
	if _, err := NewProvider(Config{Provider: "postmark", APIKey: "k", From: "a@b.c"}); err == nil {
		t.Fatal("expected unsupported provider error")
	}
	p, err = NewProvider(Config{Provider: "resend", APIKey: "re_123", From: "billing@example.com"})
	if err != nil {
		t.Fatalf("NewProvider(resend) error = %v", err)
	}
	if _, ok := p.(*ResendProvider); !ok {
		t.Fatalf("provider type = %T", p)
	}
}
