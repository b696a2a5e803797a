package models

import "github.com/shopspring/decimal"

// Refund is a negative order recording money returned against ParentOrderID.
type Refund struct {
	Order

	Amount          decimal.Decimal `json:"amount"`
	Reason          string          `json:"reason"`
	RefundedBy      int64           `json:"refunded_by"`
	RefundedPayment bool            `json:"refunded_payment"`
}

// NewRefund returns a refund of amount against parent.
func NewRefund(parent *Order, amount decimal.Decimal, reason string) *Refund {
	order := NewOrder(parent.Currency)
	order.Type = TypeRefund
	order.Status = StatusCompleted
	order.ParentOrderID = parent.ID
	order.PricesIncludeTax = parent.PricesIncludeTax
	order.CustomerID = parent.CustomerID
	return &Refund{
		Order:  *order,
		Amount: amount,
		Reason: reason,
	}
}

func (r *Refund) Clone() *Refund {
	c := *r
	c.Order = *r.Order.Clone()
	return &c
}
