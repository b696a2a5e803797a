package stripe

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v84"

	"github.com/gitshopapp/billing/internal/payments"
)

type fakeRefunds struct {
	params *stripeapi.RefundCreateParams
	refund *stripeapi.Refund
	err    error
}

func (f *fakeRefunds) Create(_ context.Context, params *stripeapi.RefundCreateParams) (*stripeapi.Refund, error) {
	f.params = params
	return f.refund, f.err
}

func TestGatewayRefund(t *testing.T) {
	t.Parallel()

	fake := &fakeRefunds{refund: &stripeapi.Refund{ID: "re_1", Status: stripeapi.RefundStatusSucceeded}}
	gateway := &Gateway{refunds: fake}

	ref, err := gateway.Refund(context.Background(), payments.RefundRequest{
		OrderID:       10,
		RefundID:      11,
		TransactionID: "pi_1",
		Amount:        decimal.RequireFromString("12.34"),
		Currency:      "USD",
		Reason:        "damaged",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref != "re_1" {
		t.Fatalf("unexpected reference %q", ref)
	}
	if got := stripeapi.Int64Value(fake.params.Amount); got != 1234 {
		t.Fatalf("amount = %d, want 1234", got)
	}
	if got := stripeapi.StringValue(fake.params.PaymentIntent); got != "pi_1" {
		t.Fatalf("payment intent = %q", got)
	}
	if fake.params.Metadata["refund_id"] != "11" {
		t.Fatalf("unexpected metadata: %v", fake.params.Metadata)
	}
}

func TestGatewayRefundErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	amount := decimal.NewFromInt(5)

	tests := []struct {
		name string
		fake *fakeRefunds
		req  payments.RefundRequest
	}{
		{
			name: "missing transaction",
			fake: &fakeRefunds{},
			req:  payments.RefundRequest{Amount: amount, Currency: "USD"},
		},
		{
			name: "zero amount",
			fake: &fakeRefunds{},
			req:  payments.RefundRequest{TransactionID: "pi_1", Currency: "USD"},
		},
		{
			name: "api error",
			fake: &fakeRefunds{err: errors.New("card_declined")},
			req:  payments.RefundRequest{TransactionID: "pi_1", Amount: amount, Currency: "USD"},
		},
		{
			name: "failed refund",
			fake: &fakeRefunds{refund: &stripeapi.Refund{ID: "re_2", Status: stripeapi.RefundStatusFailed}},
			req:  payments.RefundRequest{TransactionID: "pi_1", Amount: amount, Currency: "USD"},
		},
	}

	for _, tt := range tests {
		gateway := &Gateway{refunds: tt.fake}
		if _, err := gateway.Refund(ctx, tt.req); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}

func TestGatewaySupports(t *testing.T) {
	t.Parallel()

	gateway := &Gateway{}
	if !gateway.Supports(payments.FeatureSubscriptions) || !gateway.Supports(payments.FeatureRefunds) {
		t.Fatalf("stripe should support subscriptions and refunds")
	}
	if gateway.Supports(payments.Feature("payouts")) {
		t.Fatalf("unexpected feature support")
	}
}
