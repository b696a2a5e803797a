package models

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/billing/internal/tax"
)

// TaxBasis selects which address taxes are calculated against.
type TaxBasis string

const (
	TaxBasedOnShipping TaxBasis = "shipping"
	TaxBasedOnBilling  TaxBasis = "billing"
	TaxBasedOnBase     TaxBasis = "base"
)

// TaxSettings is the store-wide tax configuration an order is calculated with.
type TaxSettings struct {
	BasedOn          TaxBasis
	Base             tax.Location
	ShippingTaxClass string
}

type Order struct {
	ID                 int64           `json:"id"`
	Type               OrderType       `json:"type"`
	Status             OrderStatus     `json:"status"`
	Currency           string          `json:"currency"`
	PricesIncludeTax   bool            `json:"prices_include_tax"`
	CustomerID         int64           `json:"customer_id"`
	PaymentMethod      string          `json:"payment_method"`
	PaymentMethodTitle string          `json:"payment_method_title"`
	ShippingTotal      decimal.Decimal `json:"shipping_total"`
	ShippingTax        decimal.Decimal `json:"shipping_tax"`
	DiscountTotal      decimal.Decimal `json:"discount_total"`
	DiscountTax        decimal.Decimal `json:"discount_tax"`
	CartTax            decimal.Decimal `json:"cart_tax"`
	Total              decimal.Decimal `json:"total"`
	Billing            Address         `json:"billing"`
	Shipping           Address         `json:"shipping"`
	ParentOrderID      int64           `json:"parent_order_id"`
	OrderKey           string          `json:"order_key"`
	Meta               Meta            `json:"meta"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	PaidAt             time.Time       `json:"paid_at"`
	CompletedAt        time.Time       `json:"completed_at"`

	items   []Item
	removed []int64
}

// NewOrder returns an empty draft order.
func NewOrder(currency string) *Order {
	return &Order{
		Type:     TypeOrder,
		Status:   StatusDraft,
		Currency: currency,
		OrderKey: NewOrderKey(),
		Meta:     Meta{},
	}
}

// NewOrderKey returns an opaque external order identifier.
func NewOrderKey() string {
	return "order_" + uuid.NewString()
}

func (o *Order) OrderID() int64 {
	return o.ID
}

func (o *Order) OrderType() OrderType {
	return o.Type
}

func (o *Order) CurrentStatus() OrderStatus {
	return o.Status
}

func (o *Order) SetStatus(status OrderStatus) {
	o.Status = status
}

func (o *Order) TransactionID() string {
	return o.Meta.Get(MetaTransactionID)
}

func (o *Order) SetTransactionID(id string) {
	o.Meta.Set(MetaTransactionID, id)
}

// Items returns the order lines in insertion order.
func (o *Order) Items() []Item {
	return append([]Item(nil), o.items...)
}

// Item returns the line with id.
func (o *Order) Item(id int64) (Item, bool) {
	for _, item := range o.items {
		if item.Base().ID == id {
			return item, true
		}
	}
	return nil, false
}

// AddItem attaches item to the order.
func (o *Order) AddItem(item Item) {
	item.Base().OrderID = o.ID
	o.items = append(o.items, item)
}

// RemoveItem detaches the line with id. Persisted lines are deleted on the next save.
func (o *Order) RemoveItem(id int64) bool {
	for i, item := range o.items {
		if item.Base().ID != id {
			continue
		}
		o.items = append(o.items[:i], o.items[i+1:]...)
		if id > 0 {
			o.removed = append(o.removed, id)
		}
		return true
	}
	return false
}

// SetItems replaces the lines without recording removals. Used when loading.
func (o *Order) SetItems(items []Item) {
	o.items = append([]Item(nil), items...)
	o.removed = nil
}

// RemovedItemIDs returns persisted lines removed since the order was loaded.
func (o *Order) RemovedItemIDs() []int64 {
	return append([]int64(nil), o.removed...)
}

// ClearRemoved forgets removals once they are persisted.
func (o *Order) ClearRemoved() {
	o.removed = nil
}

// RestorePoint records what a store assigns when saving: ids, timestamps, the order
// key and pending removals. The returned func puts them back after a rolled back save.
func (o *Order) RestorePoint() func() {
	type itemIDs struct {
		base    *ItemBase
		id      int64
		orderID int64
	}
	var (
		id        = o.ID
		createdAt = o.CreatedAt
		updatedAt = o.UpdatedAt
		key       = o.OrderKey
		metaNil   = o.Meta == nil
		removed   = append([]int64(nil), o.removed...)
		items     = make([]itemIDs, 0, len(o.items))
	)
	for _, item := range o.items {
		base := item.Base()
		items = append(items, itemIDs{base: base, id: base.ID, orderID: base.OrderID})
	}
	return func() {
		o.ID = id
		o.CreatedAt = createdAt
		o.UpdatedAt = updatedAt
		o.OrderKey = key
		if metaNil {
			o.Meta = nil
		}
		o.removed = removed
		for _, item := range items {
			item.base.ID = item.id
			item.base.OrderID = item.orderID
		}
	}
}

func (o *Order) Products() []*ProductItem {
	return itemsOf[*ProductItem](o.items)
}

func (o *Order) Fees() []*FeeItem {
	return itemsOf[*FeeItem](o.items)
}

func (o *Order) ShippingLines() []*ShippingItem {
	return itemsOf[*ShippingItem](o.items)
}

func (o *Order) Coupons() []*CouponItem {
	return itemsOf[*CouponItem](o.items)
}

func (o *Order) TaxLines() []*TaxItem {
	return itemsOf[*TaxItem](o.items)
}

func itemsOf[T Item](items []Item) []T {
	var out []T
	for _, item := range items {
		if v, ok := item.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	c := *o
	c.Meta = o.Meta.Clone()
	c.items = make([]Item, 0, len(o.items))
	for _, item := range o.items {
		c.items = append(c.items, item.Clone())
	}
	c.removed = append([]int64(nil), o.removed...)
	return &c
}

// TaxLocation returns the jurisdiction taxes are calculated for. Shipping-based orders
// without a shipping country fall back to the billing address.
func (o *Order) TaxLocation(settings TaxSettings) *tax.Location {
	switch settings.BasedOn {
	case TaxBasedOnBase:
		base := settings.Base
		return &base
	case TaxBasedOnBilling:
		return o.Billing.TaxLocation()
	default:
		if o.Shipping.Country != "" {
			return o.Shipping.TaxLocation()
		}
		return o.Billing.TaxLocation()
	}
}

// NetPrice converts a price entered including tax into the exclusive amount stored on
// lines. Orders without tax-inclusive prices return gross unchanged.
func (o *Order) NetPrice(ctx context.Context, engine *tax.Engine, gross decimal.Decimal, class string, loc tax.Location) (decimal.Decimal, error) {
	if !o.PricesIncludeTax {
		return gross, nil
	}
	rates, err := engine.FindRates(ctx, loc, class)
	if err != nil {
		return decimal.Zero, err
	}
	return gross.Sub(engine.CalculateInclusive(gross, rates).Sum()), nil
}

// Calculate recalculates taxes and totals.
func (o *Order) Calculate(ctx context.Context, engine *tax.Engine, settings TaxSettings) error {
	if _, err := o.CalculateTaxes(ctx, engine, settings); err != nil {
		return err
	}
	o.CalculateTotals(engine.Policy())
	return nil
}

// CalculateTaxes recalculates taxes on every line and regenerates the tax lines. It
// returns false when the order has no usable tax location.
func (o *Order) CalculateTaxes(ctx context.Context, engine *tax.Engine, settings TaxSettings) (bool, error) {
	loc := o.TaxLocation(settings)
	if !loc.Calculable() {
		return false, nil
	}

	tc := TaxContext{
		Location:         loc,
		ShippingTaxClass: o.shippingTaxClass(settings.ShippingTaxClass),
		ClassCosts:       o.classCosts(settings.ShippingTaxClass),
	}

	for _, item := range o.items {
		if _, err := item.CalculateTaxes(ctx, engine, tc); err != nil {
			return false, err
		}
	}

	rates, err := o.appliedRates(ctx, engine, *loc, tc.ShippingTaxClass)
	if err != nil {
		return false, err
	}
	o.updateTaxLines(engine.Policy(), rates)
	return true, nil
}

// classCosts sums taxable cost per class over products, positive fees and shipping.
func (o *Order) classCosts(shippingClass string) map[string]decimal.Decimal {
	costs := map[string]decimal.Decimal{}
	for _, p := range o.Products() {
		if p.TaxStatus == TaxStatusNone {
			continue
		}
		class := tax.NormalizeClass(p.TaxClass)
		costs[class] = costs[class].Add(p.Total())
	}
	for _, f := range o.Fees() {
		if f.TaxStatus == TaxStatusNone || !f.Total().IsPositive() {
			continue
		}
		class := tax.NormalizeClass(f.TaxClass)
		costs[class] = costs[class].Add(f.Total())
	}
	if class := o.shippingTaxClass(shippingClass); class != "" {
		for _, s := range o.ShippingLines() {
			costs[class] = costs[class].Add(s.Total())
		}
	}
	return costs
}

// shippingTaxClass resolves the inherit class from the products on the order: a single
// shared class wins, otherwise standard if present, otherwise the first class by name.
func (o *Order) shippingTaxClass(configured string) string {
	if configured == "" {
		return ""
	}
	if configured != tax.ClassInherit {
		return tax.NormalizeClass(configured)
	}

	seen := map[string]bool{}
	for _, p := range o.Products() {
		if p.TaxStatus == TaxStatusNone {
			continue
		}
		seen[tax.NormalizeClass(p.TaxClass)] = true
	}
	if len(seen) == 0 {
		return ""
	}
	if seen[tax.ClassStandard] {
		return tax.ClassStandard
	}
	classes := make([]string, 0, len(seen))
	for class := range seen {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes[0]
}

func (o *Order) appliedRates(ctx context.Context, engine *tax.Engine, loc tax.Location, shippingClass string) (map[int64]tax.Rate, error) {
	classes := map[string]bool{}
	for _, p := range o.Products() {
		classes[tax.NormalizeClass(p.TaxClass)] = true
	}
	for _, f := range o.Fees() {
		classes[tax.NormalizeClass(f.TaxClass)] = true
	}
	if shippingClass != "" {
		classes[shippingClass] = true
	}

	rates := map[int64]tax.Rate{}
	for class := range classes {
		found, err := engine.FindRates(ctx, loc, class)
		if err != nil {
			return nil, err
		}
		for _, rate := range found {
			rates[rate.ID] = rate
		}
	}
	return rates, nil
}

// rateTotals sums per-rate line taxes for cart lines and shipping lines.
func (o *Order) rateTotals() (cart tax.Taxes, shipping tax.Taxes) {
	cart, shipping = tax.Taxes{}, tax.Taxes{}
	for _, p := range o.Products() {
		cart.Merge(p.Taxes().Total)
	}
	for _, f := range o.Fees() {
		cart.Merge(f.Taxes().Total)
	}
	for _, s := range o.ShippingLines() {
		shipping.Merge(s.Taxes().Total)
	}
	return cart, shipping
}

func (o *Order) updateTaxLines(policy tax.Policy, rates map[int64]tax.Rate) {
	kept := make([]Item, 0, len(o.items))
	for _, item := range o.items {
		line, ok := item.(*TaxItem)
		if !ok {
			kept = append(kept, item)
			continue
		}
		if line.ID > 0 {
			o.removed = append(o.removed, line.ID)
		}
	}
	o.items = kept

	cart, shipping := o.rateTotals()
	ids := tax.Taxes{}.Merge(cart).Merge(shipping).RateIDs()
	for _, id := range ids {
		rate := rates[id]
		name := rate.Name
		if name == "" {
			name = "Tax"
		}
		o.AddItem(&TaxItem{
			ItemBase:         ItemBase{Name: name},
			RateID:           id,
			Compound:         rate.Compound,
			RatePercent:      rate.Percent,
			TaxTotal:         policy.Finalize(cart[id]),
			ShippingTaxTotal: policy.Finalize(shipping[id]),
		})
	}
}

// CalculateTotals reconciles the order totals with its lines. Per-rate tax sums are
// rounded once here, so round-at-subtotal orders get a single rounding step.
func (o *Order) CalculateTotals(policy tax.Policy) {
	subtotal := decimal.Zero
	linesTotal := decimal.Zero
	discountTax := decimal.Zero
	for _, p := range o.Products() {
		subtotal = subtotal.Add(p.Subtotal())
		linesTotal = linesTotal.Add(p.Total())
		discountTax = discountTax.Add(p.SubtotalTax().Sub(p.TotalTax()))
	}

	fees := decimal.Zero
	for _, f := range o.Fees() {
		fees = fees.Add(f.Total())
	}

	shippingTotal := decimal.Zero
	for _, s := range o.ShippingLines() {
		shippingTotal = shippingTotal.Add(s.Total())
	}

	cart, shipping := o.rateTotals()
	cartTax := decimal.Zero
	for _, id := range cart.RateIDs() {
		cartTax = cartTax.Add(policy.Finalize(cart[id]))
	}
	shippingTax := decimal.Zero
	for _, id := range shipping.RateIDs() {
		shippingTax = shippingTax.Add(policy.Finalize(shipping[id]))
	}

	o.DiscountTotal = policy.Finalize(subtotal.Sub(linesTotal))
	o.DiscountTax = policy.Finalize(discountTax)
	o.ShippingTotal = policy.Finalize(shippingTotal)
	o.CartTax = cartTax
	o.ShippingTax = shippingTax
	o.Total = policy.Finalize(subtotal.Sub(o.DiscountTotal).Add(fees).Add(o.ShippingTotal).Add(o.CartTax).Add(o.ShippingTax))
}

// ItemCount returns the total quantity of product lines.
func (o *Order) ItemCount() int {
	count := 0
	for _, p := range o.Products() {
		count += p.Quantity
	}
	return count
}
