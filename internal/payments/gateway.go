// Package payments describes payment gateways by the features they support and routes
// refund reversals to them.
package payments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

type Feature string

const (
	FeatureSubscriptions Feature = "subscriptions"
	FeatureRefunds       Feature = "refunds"
)

var ErrUnknownGateway = errors.New("unknown payment gateway")

// RefundRequest asks a gateway to return Amount of the charge identified by TransactionID.
type RefundRequest struct {
	OrderID       int64
	RefundID      int64
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	Reason        string
}

// Gateway is a payment method an order can be paid with.
type Gateway interface {
	ID() string
	Supports(feature Feature) bool
	// Refund reverses money at the gateway and returns its refund reference.
	Refund(ctx context.Context, req RefundRequest) (string, error)
}

// Registry holds the configured gateways keyed by id.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		r.Register(g)
	}
	return r
}

func (r *Registry) Register(g Gateway) {
	if g == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[g.ID()] = g
}

func (r *Registry) Get(id string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, id)
	}
	return g, nil
}

// Supports reports false for unknown gateways.
func (r *Registry) Supports(gatewayID string, feature Feature) bool {
	g, err := r.Get(gatewayID)
	if err != nil {
		return false
	}
	return g.Supports(feature)
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.gateways))
	for id := range r.gateways {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
