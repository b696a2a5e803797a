package services

import (
	"context"
	"testing"
	"time"

	"github.com/gitshopapp/billing/internal/models"
)

func newPaymentService(env *testEnv) (*PaymentService, *SubscriptionService) {
	subs := NewSubscriptionService(env.deps)
	return NewPaymentService(env.deps, NewOrderService(env.deps), subs), subs
}

func TestHandleOutcomeActivatesCheckoutSubscriptions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	svc, subSvc := newPaymentService(env)
	ctx := context.Background()
	order := env.saveOrder(t, models.StatusPendingPayment, 1, "20")

	created, err := subSvc.CreateFromOrder(ctx, order.ID, RecurringCart{Groups: []RecurringGroup{monthlyGroup(0)}})
	if err != nil {
		t.Fatalf("CreateFromOrder() error = %v", err)
	}

	outcome := PaymentOutcome{Paid: true, PaidAt: testNow, TransactionID: "pi_checkout"}
	if err := svc.HandleOutcome(ctx, order.ID, outcome); err != nil {
		t.Fatalf("HandleOutcome() error = %v", err)
	}

	stored, err := env.store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if stored.Status != models.StatusProcessing || stored.TransactionID() != "pi_checkout" {
		t.Fatalf("order status = %s transaction = %s", stored.Status, stored.TransactionID())
	}
	sub, err := subSvc.Get(ctx, created[0].ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sub.Status != models.StatusActive || !sub.LastPaymentDate.Equal(testNow) {
		t.Fatalf("subscription status = %s last payment = %s", sub.Status, sub.LastPaymentDate)
	}

	// A redelivered payment leaves both untouched.
	if err := svc.HandleOutcome(ctx, order.ID, outcome); err != nil {
		t.Fatalf("repeated HandleOutcome() error = %v", err)
	}
	again, err := subSvc.Get(ctx, created[0].ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if again.Status != models.StatusActive || !again.NextPaymentDate.Equal(sub.NextPaymentDate) {
		t.Fatalf("repeated payment changed the subscription: %s %s", again.Status, again.NextPaymentDate)
	}
}

func TestHandleOutcomeRenewalReactivatesSubscription(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	svc, subSvc := newPaymentService(env)
	ctx := context.Background()
	sub := activeSubscription(t, env, subSvc)

	env.clock.Set(firstRenewal)
	renewal, err := subSvc.Renew(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}

	paidAt := firstRenewal.Add(time.Minute)
	env.clock.Set(paidAt)
	if err := svc.HandleOutcome(ctx, renewal.ID, PaymentOutcome{Paid: true, PaidAt: paidAt}); err != nil {
		t.Fatalf("HandleOutcome() error = %v", err)
	}

	renewed, err := subSvc.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if renewed.Status != models.StatusActive || !renewed.LastPaymentDate.Equal(paidAt) {
		t.Fatalf("status = %s last payment = %s", renewed.Status, renewed.LastPaymentDate)
	}
	if want := paidAt.AddDate(0, 1, 0); !renewed.NextPaymentDate.Equal(want) {
		t.Fatalf("next payment = %s, want %s", renewed.NextPaymentDate, want)
	}

	order, err := env.store.GetOrder(ctx, renewal.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if order.Status != models.StatusProcessing {
		t.Fatalf("renewal order status = %s, want processing", order.Status)
	}
}

func TestHandleOutcomeRoutesByOrderType(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	svc, subSvc := newPaymentService(env)
	ctx := context.Background()
	sub := activeSubscription(t, env, subSvc)

	if err := svc.HandleOutcome(ctx, sub.ID, PaymentOutcome{}); err != nil {
		t.Fatalf("HandleOutcome() error = %v", err)
	}
	failed, err := subSvc.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if failed.Status != models.StatusPaymentFailed {
		t.Fatalf("status = %s, want payment_failed", failed.Status)
	}

	order := env.saveOrder(t, models.StatusProcessing, 1, "100")
	refund, err := NewRefundService(env.deps).CreateRefund(ctx, order.ID, RefundRequest{Amount: dec("5")})
	if err != nil {
		t.Fatalf("CreateRefund() error = %v", err)
	}
	if err := svc.HandleOutcome(ctx, refund.ID, PaymentOutcome{Paid: true}); err != nil {
		t.Fatalf("payment for refund should be ignored, got %v", err)
	}

	if err := svc.HandleOutcome(ctx, 987654321, PaymentOutcome{Paid: true}); err == nil {
		t.Fatalf("expected error for unknown order")
	}
}
