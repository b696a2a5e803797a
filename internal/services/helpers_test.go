package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gitshopapp/billing/internal/billing"
	"github.com/gitshopapp/billing/internal/db"
	"github.com/gitshopapp/billing/internal/events"
	"github.com/gitshopapp/billing/internal/models"
	"github.com/gitshopapp/billing/internal/payments"
	"github.com/gitshopapp/billing/internal/tax"
)

var testNow = time.Date(2024, 5, 1, 13, 45, 12, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeGateway struct {
	mu       sync.Mutex
	id       string
	err      error
	requests []payments.RefundRequest
}

func (g *fakeGateway) ID() string {
	return g.id
}

func (g *fakeGateway) Supports(payments.Feature) bool {
	return true
}

func (g *fakeGateway) Refund(_ context.Context, req payments.RefundRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return "", g.err
	}
	return "re_fake", nil
}

func (g *fakeGateway) Requests() []payments.RefundRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]payments.RefundRequest(nil), g.requests...)
}

type testEnv struct {
	deps     Deps
	store    *db.MemoryStore
	recorder *events.Recorder
	clock    *testClock
	gateway  *fakeGateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := db.NewMemoryStore()
	recorder := &events.Recorder{}
	clock := &testClock{now: testNow}
	gateway := &fakeGateway{id: "card"}
	engine := tax.NewEngine(tax.NewTable([]tax.Rate{
		{ID: 1, Country: "US", Percent: dec("8"), Priority: 1, Name: "Sales tax", Shipping: true},
	}), tax.DefaultPolicy())

	return &testEnv{
		deps: Deps{
			Store:               store,
			Engine:              engine,
			Tax:                 models.TaxSettings{BasedOn: models.TaxBasedOnShipping, ShippingTaxClass: tax.ClassStandard},
			Calendar:            billing.NewCalendar(clock, time.UTC),
			Notifier:            recorder,
			Gateways:            payments.NewRegistry(payments.ManualGateway{}, gateway),
			AutoRenewalPayments: true,
			Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
		store:    store,
		recorder: recorder,
		clock:    clock,
		gateway:  gateway,
	}
}

// saveOrder stores a calculated US order with one product line.
func (e *testEnv) saveOrder(t *testing.T, status models.OrderStatus, quantity int, lineTotal string) *models.Order {
	t.Helper()

	order := models.NewOrder("USD")
	order.Status = status
	order.PaymentMethod = "card"
	order.Shipping = models.Address{FirstName: "Ada", Country: "US", State: "NY", Postcode: "10001", City: "New York"}
	order.Billing = order.Shipping
	order.CustomerID = 7
	order.SetTransactionID("pi_123")
	order.AddItem(models.NewProductItem("Widget", quantity, dec(lineTotal), dec(lineTotal)))

	if err := order.Calculate(context.Background(), e.deps.Engine, e.deps.Tax); err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if err := e.store.SaveOrder(context.Background(), order); err != nil {
		t.Fatalf("save order: %v", err)
	}
	return order
}

func monthlyGroup(trialDays int) RecurringGroup {
	return RecurringGroup{
		Interval:  1,
		Period:    billing.PeriodMonth,
		TrialDays: trialDays,
		StartDate: testNow,
		Items:     []models.Item{models.NewProductItem("Plan", 1, dec("20"), dec("20"))},
	}
}

var errInjected = errors.New("injected failure")

// failingStore fails SaveSubscription once calls reaches failAt. Transactions hand out
// wrapped stores so failures inside InTx are observed.
type failingStore struct {
	db.Store
	plan *failPlan
}

type failPlan struct {
	mu     sync.Mutex
	calls  int
	failAt int
}

func (p *failPlan) next() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.calls == p.failAt
}

func (f *failingStore) InTx(ctx context.Context, fn func(ctx context.Context, tx db.Store) error) error {
	return f.Store.InTx(ctx, func(ctx context.Context, tx db.Store) error {
		return fn(ctx, &failingStore{Store: tx, plan: f.plan})
	})
}

func (f *failingStore) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	if f.plan.next() {
		return errInjected
	}
	return f.Store.SaveSubscription(ctx, sub)
}

// statusFailingStore fails every status update, inside transactions too.
type statusFailingStore struct {
	db.Store
}

func (f *statusFailingStore) InTx(ctx context.Context, fn func(ctx context.Context, tx db.Store) error) error {
	return f.Store.InTx(ctx, func(ctx context.Context, tx db.Store) error {
		return fn(ctx, &statusFailingStore{Store: tx})
	})
}

func (f *statusFailingStore) UpdateStatus(context.Context, int64, models.OrderStatus, models.OrderStatus) error {
	return errInjected
}

func hasName(names []events.Name, want events.Name) bool {
	for _, name := range names {
		if name == want {
			return true
		}
	}
	return false
}
