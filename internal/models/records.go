package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ItemRecord is the flat storage form of an Item.
type ItemRecord struct {
	ID          int64
	OrderID     int64
	Type        ItemType
	Name        string
	ProductID   int64
	Quantity    int
	TaxClass    string
	TaxStatus   TaxStatus
	Reference   string // shipping method id, coupon code
	RateID      int64
	Compound    bool
	RatePercent decimal.Decimal
	Subtotal    decimal.Decimal
	SubtotalTax decimal.Decimal
	Total       decimal.Decimal
	TotalTax    decimal.Decimal
	Taxes       LineTaxes
	Meta        Meta
}

func ToRecord(item Item) ItemRecord {
	base := item.Base()
	rec := ItemRecord{
		ID:      base.ID,
		OrderID: base.OrderID,
		Type:    item.Type(),
		Name:    base.Name,
		Meta:    base.Meta.Clone(),
	}

	switch v := item.(type) {
	case *ProductItem:
		rec.ProductID = v.ProductID
		rec.Quantity = v.Quantity
		rec.TaxClass = v.TaxClass
		rec.TaxStatus = v.TaxStatus
		rec.Subtotal = v.subtotal
		rec.SubtotalTax = v.subtotalTax
		rec.Total = v.total
		rec.TotalTax = v.totalTax
		rec.Taxes = v.Taxes()
	case *FeeItem:
		rec.Quantity = v.Quantity
		rec.TaxClass = v.TaxClass
		rec.TaxStatus = v.TaxStatus
		rec.Subtotal = v.subtotal
		rec.SubtotalTax = v.subtotalTax
		rec.Total = v.total
		rec.TotalTax = v.totalTax
		rec.Taxes = v.Taxes()
	case *ShippingItem:
		rec.Reference = v.MethodID
		rec.Subtotal = v.total
		rec.Total = v.total
		rec.SubtotalTax = v.totalTax
		rec.TotalTax = v.totalTax
		rec.Taxes = v.Taxes()
	case *CouponItem:
		rec.Reference = v.Code
		rec.Subtotal = v.Discount
		rec.Total = v.Discount
		rec.SubtotalTax = v.DiscountTax
		rec.TotalTax = v.DiscountTax
	case *TaxItem:
		rec.RateID = v.RateID
		rec.Compound = v.Compound
		rec.RatePercent = v.RatePercent
		rec.Total = v.TaxTotal
		rec.TotalTax = v.ShippingTaxTotal
	}
	return rec
}

// FromRecord rebuilds an Item. Stored tax totals are recomputed from the per-rate map.
func FromRecord(rec ItemRecord) (Item, error) {
	base := ItemBase{ID: rec.ID, OrderID: rec.OrderID, Name: rec.Name, Meta: rec.Meta.Clone()}

	switch rec.Type {
	case ItemTypeProduct:
		p := &ProductItem{
			ItemBase:  base,
			ProductID: rec.ProductID,
			Quantity:  rec.Quantity,
			TaxClass:  rec.TaxClass,
			TaxStatus: rec.TaxStatus,
		}
		p.SetTotal(rec.Total)
		p.SetSubtotal(rec.Subtotal)
		p.SetTaxes(rec.Taxes)
		return p, nil
	case ItemTypeFee:
		f := &FeeItem{
			ItemBase:  base,
			Quantity:  rec.Quantity,
			TaxClass:  rec.TaxClass,
			TaxStatus: rec.TaxStatus,
		}
		f.SetTotal(rec.Total)
		f.SetSubtotal(rec.Subtotal)
		f.SetTaxes(rec.Taxes)
		return f, nil
	case ItemTypeShipping:
		s := &ShippingItem{ItemBase: base, MethodID: rec.Reference, total: rec.Total}
		s.SetTaxes(rec.Taxes)
		return s, nil
	case ItemTypeCoupon:
		return &CouponItem{ItemBase: base, Code: rec.Reference, Discount: rec.Total, DiscountTax: rec.TotalTax}, nil
	case ItemTypeTax:
		return &TaxItem{
			ItemBase:         base,
			RateID:           rec.RateID,
			Compound:         rec.Compound,
			RatePercent:      rec.RatePercent,
			TaxTotal:         rec.Total,
			ShippingTaxTotal: rec.TotalTax,
		}, nil
	default:
		return nil, fmt.Errorf("unknown item type: %q", rec.Type)
	}
}
