package models

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/gitshopapp/billing/internal/tax"
)

type ItemType string

const (
	ItemTypeProduct  ItemType = "line_item"
	ItemTypeFee      ItemType = "fee"
	ItemTypeShipping ItemType = "shipping"
	ItemTypeCoupon   ItemType = "coupon"
	ItemTypeTax      ItemType = "tax"
)

type TaxStatus string

const (
	TaxStatusTaxable TaxStatus = "taxable"
	TaxStatusNone    TaxStatus = "none"
)

// LineTaxes holds per-rate taxes before (Subtotal) and after (Total) discounts.
type LineTaxes struct {
	Subtotal tax.Taxes `json:"subtotal"`
	Total    tax.Taxes `json:"total"`
}

func (l LineTaxes) Clone() LineTaxes {
	return LineTaxes{Subtotal: l.Subtotal.Clone(), Total: l.Total.Clone()}
}

// TaxContext is what an item needs to calculate its taxes.
type TaxContext struct {
	Location *tax.Location
	// ShippingTaxClass is the resolved class for shipping lines.
	ShippingTaxClass string
	// ClassCosts is the taxable cost per tax class, used to prorate negative fees.
	ClassCosts map[string]decimal.Decimal
}

// Item is a line on an order. The set of variants is closed.
type Item interface {
	Base() *ItemBase
	Type() ItemType
	// CalculateTaxes recalculates the item taxes. It returns false without error when
	// the item does not take part in tax calculation or the context is incomplete.
	CalculateTaxes(ctx context.Context, engine *tax.Engine, tc TaxContext) (bool, error)
	Clone() Item
	item()
}

// Taxable is implemented by items that carry totals and taxes.
type Taxable interface {
	Item
	Total() decimal.Decimal
	TotalTax() decimal.Decimal
	Taxes() LineTaxes
	SetTaxes(taxes LineTaxes)
}

type ItemBase struct {
	ID      int64
	OrderID int64
	Name    string
	Meta    Meta
}

func (b *ItemBase) Base() *ItemBase {
	return b
}

func (b ItemBase) clone() ItemBase {
	b.Meta = b.Meta.Clone()
	return b
}

// lineAmounts carries the subtotal/total pair shared by product and fee lines and
// keeps subtotal from dropping below total.
type lineAmounts struct {
	subtotal    decimal.Decimal
	subtotalTax decimal.Decimal
	total       decimal.Decimal
	totalTax    decimal.Decimal
	subtotalSet bool
	taxes       LineTaxes
}

func (a *lineAmounts) Subtotal() decimal.Decimal {
	return a.subtotal
}

func (a *lineAmounts) SubtotalTax() decimal.Decimal {
	return a.subtotalTax
}

func (a *lineAmounts) Total() decimal.Decimal {
	return a.total
}

func (a *lineAmounts) TotalTax() decimal.Decimal {
	return a.totalTax
}

func (a *lineAmounts) Taxes() LineTaxes {
	return a.taxes.Clone()
}

// SetTotal sets the line total after discounts. Subtotal is raised to match when it was
// never set or is lower than the new total.
func (a *lineAmounts) SetTotal(total decimal.Decimal) {
	a.total = total
	if !a.subtotalSet || a.subtotal.LessThan(total) {
		a.subtotal = total
		a.subtotalSet = true
	}
}

// SetSubtotal sets the pre-discount total. It never goes below the current total.
func (a *lineAmounts) SetSubtotal(subtotal decimal.Decimal) {
	a.subtotal = decimal.Max(subtotal, a.total)
	a.subtotalSet = true
}

// SetTaxes stores per-rate taxes and recomputes the tax totals. A missing subtotal
// bucket copies the total bucket, and each subtotal rate is kept at or above its total.
func (a *lineAmounts) SetTaxes(taxes LineTaxes) {
	a.taxes = normalizeLineTaxes(taxes)
	a.totalTax = a.taxes.Total.Sum()
	a.subtotalTax = a.taxes.Subtotal.Sum()
}

func (a *lineAmounts) clearTaxes() {
	a.SetTaxes(LineTaxes{})
}

func normalizeLineTaxes(taxes LineTaxes) LineTaxes {
	total := taxes.Total.Clone()
	if total == nil {
		total = tax.Taxes{}
	}
	subtotal := taxes.Subtotal.Clone()
	if subtotal == nil {
		subtotal = total.Clone()
	}
	for id, amount := range total {
		if current, ok := subtotal[id]; !ok || current.LessThan(amount) {
			subtotal[id] = amount
		}
	}
	return LineTaxes{Subtotal: subtotal, Total: total}
}

// ProductItem is a purchased product line.
type ProductItem struct {
	ItemBase
	lineAmounts
	ProductID int64
	Quantity  int
	TaxClass  string
	TaxStatus TaxStatus
}

// NewProductItem creates a taxable product line priced at subtotal before and total
// after discounts.
func NewProductItem(name string, quantity int, subtotal, total decimal.Decimal) *ProductItem {
	if quantity == 0 {
		quantity = 1
	}
	p := &ProductItem{
		ItemBase:  ItemBase{Name: name},
		Quantity:  quantity,
		TaxClass:  tax.ClassStandard,
		TaxStatus: TaxStatusTaxable,
	}
	p.SetTotal(total)
	p.SetSubtotal(subtotal)
	return p
}

func (p *ProductItem) Type() ItemType {
	return ItemTypeProduct
}

func (p *ProductItem) item() {}

func (p *ProductItem) Clone() Item {
	c := *p
	c.ItemBase = p.ItemBase.clone()
	c.taxes = p.taxes.Clone()
	return &c
}

func (p *ProductItem) CalculateTaxes(ctx context.Context, engine *tax.Engine, tc TaxContext) (bool, error) {
	if p.TaxStatus == TaxStatusNone {
		p.clearTaxes()
		return false, nil
	}
	if !tc.Location.Calculable() {
		return false, nil
	}
	rates, err := engine.FindRates(ctx, *tc.Location, p.TaxClass)
	if err != nil {
		return false, err
	}
	p.SetTaxes(LineTaxes{
		Subtotal: engine.Calculate(p.subtotal, rates, false),
		Total:    engine.Calculate(p.total, rates, false),
	})
	return true, nil
}

// FeeItem is a fixed charge or, when negative, a discount.
type FeeItem struct {
	ItemBase
	lineAmounts
	Quantity  int
	TaxClass  string
	TaxStatus TaxStatus
}

func NewFeeItem(name string, total decimal.Decimal) *FeeItem {
	f := &FeeItem{
		ItemBase:  ItemBase{Name: name},
		Quantity:  1,
		TaxClass:  tax.ClassStandard,
		TaxStatus: TaxStatusTaxable,
	}
	f.SetTotal(total)
	return f
}

func (f *FeeItem) Type() ItemType {
	return ItemTypeFee
}

func (f *FeeItem) item() {}

func (f *FeeItem) Clone() Item {
	c := *f
	c.ItemBase = f.ItemBase.clone()
	c.taxes = f.taxes.Clone()
	return &c
}

// CalculateTaxes taxes positive fees directly against their class. Negative fees are
// spread over the classes in tc.ClassCosts.
func (f *FeeItem) CalculateTaxes(ctx context.Context, engine *tax.Engine, tc TaxContext) (bool, error) {
	if f.TaxStatus == TaxStatusNone {
		f.clearTaxes()
		return false, nil
	}
	if !tc.Location.Calculable() {
		return false, nil
	}

	if f.total.IsNegative() {
		taxes, err := tax.ProrateNegative(ctx, engine, f.total, tc.ClassCosts, *tc.Location)
		if err != nil {
			return false, err
		}
		f.SetTaxes(LineTaxes{Total: taxes})
		return true, nil
	}

	rates, err := engine.FindRates(ctx, *tc.Location, f.TaxClass)
	if err != nil {
		return false, err
	}
	f.SetTaxes(LineTaxes{Total: engine.Calculate(f.total, rates, false)})
	return true, nil
}

// ShippingItem is a shipping charge.
type ShippingItem struct {
	ItemBase
	MethodID string
	total    decimal.Decimal
	totalTax decimal.Decimal
	taxes    tax.Taxes
}

func NewShippingItem(name, methodID string, total decimal.Decimal) *ShippingItem {
	return &ShippingItem{
		ItemBase: ItemBase{Name: name},
		MethodID: methodID,
		total:    total,
	}
}

func (s *ShippingItem) Type() ItemType {
	return ItemTypeShipping
}

func (s *ShippingItem) item() {}

func (s *ShippingItem) Total() decimal.Decimal {
	return s.total
}

func (s *ShippingItem) TotalTax() decimal.Decimal {
	return s.totalTax
}

func (s *ShippingItem) SetTotal(total decimal.Decimal) {
	s.total = total
}

// Taxes returns the shipping taxes. Shipping has no discount so both buckets match.
func (s *ShippingItem) Taxes() LineTaxes {
	return LineTaxes{Subtotal: s.taxes.Clone(), Total: s.taxes.Clone()}
}

func (s *ShippingItem) SetTaxes(taxes LineTaxes) {
	s.taxes = taxes.Total.Clone()
	if s.taxes == nil {
		s.taxes = tax.Taxes{}
	}
	s.totalTax = s.taxes.Sum()
}

func (s *ShippingItem) Clone() Item {
	c := *s
	c.ItemBase = s.ItemBase.clone()
	c.taxes = s.taxes.Clone()
	return &c
}

// CalculateTaxes needs both a location and a resolved shipping tax class.
func (s *ShippingItem) CalculateTaxes(ctx context.Context, engine *tax.Engine, tc TaxContext) (bool, error) {
	if !tc.Location.Calculable() || tc.ShippingTaxClass == "" || tc.ShippingTaxClass == tax.ClassInherit {
		return false, nil
	}
	rates, err := engine.FindRates(ctx, *tc.Location, tc.ShippingTaxClass)
	if err != nil {
		return false, err
	}
	s.SetTaxes(LineTaxes{Total: engine.Calculate(s.total, rates, true)})
	return true, nil
}

// CouponItem records a discount applied to other lines.
type CouponItem struct {
	ItemBase
	Code        string
	Discount    decimal.Decimal
	DiscountTax decimal.Decimal
}

func (c *CouponItem) Type() ItemType {
	return ItemTypeCoupon
}

func (c *CouponItem) item() {}

func (c *CouponItem) Clone() Item {
	out := *c
	out.ItemBase = c.ItemBase.clone()
	return &out
}

func (c *CouponItem) CalculateTaxes(context.Context, *tax.Engine, TaxContext) (bool, error) {
	return false, nil
}

// TaxItem is the per-rate tax summary line regenerated on each calculation.
type TaxItem struct {
	ItemBase
	RateID           int64
	Compound         bool
	RatePercent      decimal.Decimal
	TaxTotal         decimal.Decimal
	ShippingTaxTotal decimal.Decimal
}

func (t *TaxItem) Type() ItemType {
	return ItemTypeTax
}

func (t *TaxItem) item() {}

func (t *TaxItem) Clone() Item {
	out := *t
	out.ItemBase = t.ItemBase.clone()
	return &out
}

func (t *TaxItem) CalculateTaxes(context.Context, *tax.Engine, TaxContext) (bool, error) {
	return false, nil
}
