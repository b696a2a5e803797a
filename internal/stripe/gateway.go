// Package stripe implements the Stripe payment gateway and webhook parsing.
package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	stripeapi "github.com/stripe/stripe-go/v84"

	"github.com/gitshopapp/billing/internal/money"
	"github.com/gitshopapp/billing/internal/payments"
)

const GatewayID = "stripe"

type refundCreator interface {
	Create(ctx context.Context, params *stripeapi.RefundCreateParams) (*stripeapi.Refund, error)
}

// Gateway reverses payments through the Stripe Refunds API. The transaction id stored
// on an order is the PaymentIntent id.
type Gateway struct {
	refunds refundCreator
}

// NewGateway builds a gateway on the v1 refunds client. A nil httpClient uses the
// SDK default transport.
func NewGateway(secretKey string, httpClient *http.Client) *Gateway {
	var opts []stripeapi.ClientOption
	if httpClient != nil {
		backends := stripeapi.NewBackendsWithConfig(&stripeapi.BackendConfig{HTTPClient: httpClient})
		opts = append(opts, stripeapi.WithBackends(backends))
	}
	client := stripeapi.NewClient(secretKey, opts...)
	return &Gateway{refunds: client.V1Refunds}
}

func (g *Gateway) ID() string {
	return GatewayID
}

func (g *Gateway) Supports(feature payments.Feature) bool {
	switch feature {
	case payments.FeatureSubscriptions, payments.FeatureRefunds:
		return true
	default:
		return false
	}
}

func (g *Gateway) Refund(ctx context.Context, req payments.RefundRequest) (string, error) {
	if ctx == nil {
		return "", fmt.Errorf("context is required")
	}
	if req.TransactionID == "" {
		return "", fmt.Errorf("order %d has no payment intent to refund", req.OrderID)
	}
	amount := money.ToMinor(req.Amount, req.Currency)
	if amount <= 0 {
		return "", fmt.Errorf("refund amount must be positive")
	}

	params := &stripeapi.RefundCreateParams{
		PaymentIntent: stripeapi.String(req.TransactionID),
		Amount:        stripeapi.Int64(amount),
		Reason:        stripeapi.String(string(stripeapi.RefundReasonRequestedByCustomer)),
		Metadata: map[string]string{
			"order_id":  strconv.FormatInt(req.OrderID, 10),
			"refund_id": strconv.FormatInt(req.RefundID, 10),
			"reason":    truncate(req.Reason, 500),
		},
	}
	params.SetIdempotencyKey(fmt.Sprintf("refund-%d", req.RefundID))

	refund, err := g.refunds.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to create stripe refund: %w", err)
	}
	if refund.Status == stripeapi.RefundStatusFailed || refund.Status == stripeapi.RefundStatusCanceled {
		return "", fmt.Errorf("stripe refund %s ended %s", refund.ID, refund.Status)
	}
	return refund.ID, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
