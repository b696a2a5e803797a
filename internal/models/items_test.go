package models

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/gitshopapp/billing/internal/tax"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testEngine(policy tax.Policy, rates ...tax.Rate) *tax.Engine {
	return tax.NewEngine(tax.NewTable(rates), policy)
}

func TestProductSubtotalNeverBelowTotal(t *testing.T) {
	t.Parallel()

	type op struct {
		subtotal bool
		value    string
	}

	tests := []struct {
		name string
		ops  []op
	}{
		{name: "total only", ops: []op{{value: "10"}}},
		{name: "total raised above subtotal", ops: []op{{subtotal: true, value: "10"}, {value: "15"}}},
		{name: "subtotal lowered below total", ops: []op{{value: "10"}, {subtotal: true, value: "5"}}},
		{name: "discount then raise", ops: []op{{subtotal: true, value: "20"}, {value: "12"}, {value: "25"}, {subtotal: true, value: "1"}}},
		{name: "negative total", ops: []op{{value: "-4"}}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			item := &ProductItem{}
			for _, step := range tt.ops {
				if step.subtotal {
					item.SetSubtotal(d(step.value))
				} else {
					item.SetTotal(d(step.value))
				}
				if item.Subtotal().LessThan(item.Total()) {
					t.Fatalf("subtotal %s below total %s", item.Subtotal(), item.Total())
				}
			}
		})
	}
}

func TestSetTaxesClampsSubtotalBucket(t *testing.T) {
	t.Parallel()

	item := NewProductItem("Mug", 1, d("10"), d("10"))
	item.SetTaxes(LineTaxes{
		Subtotal: tax.Taxes{1: d("0.50")},
		Total:    tax.Taxes{1: d("0.80"), 2: d("0.10")},
	})

	taxes := item.Taxes()
	if !taxes.Subtotal[1].Equal(d("0.80")) || !taxes.Subtotal[2].Equal(d("0.10")) {
		t.Fatalf("subtotal bucket not clamped: %v", taxes.Subtotal)
	}
	if !item.TotalTax().Equal(d("0.90")) || !item.SubtotalTax().Equal(d("0.90")) {
		t.Fatalf("unexpected tax totals %s / %s", item.TotalTax(), item.SubtotalTax())
	}
}

func TestProductCalculateTaxes(t *testing.T) {
	t.Parallel()

	engine := testEngine(tax.DefaultPolicy(), tax.Rate{ID: 1, Country: "US", Percent: d("10"), Priority: 1})
	loc := &tax.Location{Country: "US", State: "WA", Postcode: "98101", City: "Seattle"}

	item := NewProductItem("Shirt", 2, d("40"), d("30"))
	ok, err := item.CalculateTaxes(context.Background(), engine, TaxContext{Location: loc})
	if err != nil || !ok {
		t.Fatalf("CalculateTaxes() = %v, %v", ok, err)
	}
	if !item.SubtotalTax().Equal(d("4")) || !item.TotalTax().Equal(d("3")) {
		t.Fatalf("unexpected taxes %s / %s", item.SubtotalTax(), item.TotalTax())
	}

	ok, err = item.CalculateTaxes(context.Background(), engine, TaxContext{Location: &tax.Location{Country: "US", State: "WA"}})
	if err != nil || ok {
		t.Fatalf("incomplete location should be a no-op, got %v, %v", ok, err)
	}
	if !item.TotalTax().Equal(d("3")) {
		t.Fatalf("no-op changed taxes to %s", item.TotalTax())
	}

	item.TaxStatus = TaxStatusNone
	if ok, _ := item.CalculateTaxes(context.Background(), engine, TaxContext{Location: loc}); ok {
		t.Fatal("non-taxable item should not calculate")
	}
	if !item.TotalTax().IsZero() {
		t.Fatalf("non-taxable item kept taxes %s", item.TotalTax())
	}
}

func TestNegativeFeeIsProrated(t *testing.T) {
	t.Parallel()

	engine := testEngine(tax.DefaultPolicy(),
		tax.Rate{ID: 1, Percent: d("20"), Priority: 1, Class: tax.ClassStandard},
		tax.Rate{ID: 2, Percent: d("5"), Priority: 1, Class: tax.ClassReduced},
	)
	fee := NewFeeItem("Loyalty discount", d("-20"))
	ok, err := fee.CalculateTaxes(context.Background(), engine, TaxContext{
		Location: &tax.Location{Country: "GB", State: "LND", Postcode: "SW1A 1AA", City: "London"},
		ClassCosts: map[string]decimal.Decimal{
			tax.ClassStandard: d("60"),
			tax.ClassReduced:  d("20"),
		},
	})
	if err != nil || !ok {
		t.Fatalf("CalculateTaxes() = %v, %v", ok, err)
	}

	taxes := fee.Taxes().Total
	if !taxes[1].Equal(d("-3")) || !taxes[2].Equal(d("-0.25")) {
		t.Fatalf("unexpected prorated taxes %v", taxes)
	}
	if !fee.TotalTax().Equal(d("-3.25")) {
		t.Fatalf("unexpected total tax %s", fee.TotalTax())
	}
}

func TestShippingRequiresTaxClass(t *testing.T) {
	t.Parallel()

	engine := testEngine(tax.DefaultPolicy(),
		tax.Rate{ID: 1, Percent: d("10"), Priority: 1, Shipping: true},
		tax.Rate{ID: 2, Percent: d("3"), Priority: 1, Order: 1},
	)
	loc := &tax.Location{Country: "CA", State: "ON", Postcode: "M5V 2T6", City: "Toronto"}
	line := NewShippingItem("Flat rate", "flat_rate", d("15"))

	if ok, _ := line.CalculateTaxes(context.Background(), engine, TaxContext{Location: loc}); ok {
		t.Fatal("shipping without a class should not calculate")
	}

	ok, err := line.CalculateTaxes(context.Background(), engine, TaxContext{Location: loc, ShippingTaxClass: tax.ClassStandard})
	if err != nil || !ok {
		t.Fatalf("CalculateTaxes() = %v, %v", ok, err)
	}
	if !line.TotalTax().Equal(d("1.5")) {
		t.Fatalf("shipping tax = %s, want 1.5", line.TotalTax())
	}
}

func TestCouponAndTaxLinesDoNotCalculate(t *testing.T) {
	t.Parallel()

	engine := testEngine(tax.DefaultPolicy(), tax.Rate{ID: 1, Percent: d("10"), Priority: 1})
	tc := TaxContext{Location: &tax.Location{Country: "US", State: "WA", Postcode: "98101", City: "Seattle"}}
	for _, item := range []Item{&CouponItem{Code: "SAVE10", Discount: d("10")}, &TaxItem{RateID: 1}} {
		if ok, err := item.CalculateTaxes(context.Background(), engine, tc); ok || err != nil {
			t.Fatalf("%s CalculateTaxes() = %v, %v", item.Type(), ok, err)
		}
	}
}

func TestItemRecordPreservesInvariants(t *testing.T) {
	t.Parallel()

	rec := ItemRecord{
		ID:       7,
		Type:     ItemTypeProduct,
		Name:     "Poster",
		Quantity: 1,
		Subtotal: d("5"),
		Total:    d("8"),
		Taxes:    LineTaxes{Total: tax.Taxes{3: d("0.64")}},
		Meta:     Meta{"color": "red"},
	}

	item, err := FromRecord(rec)
	if err != nil {
		t.Fatalf("FromRecord() error = %v", err)
	}
	product, ok := item.(*ProductItem)
	if !ok {
		t.Fatalf("expected *ProductItem, got %T", item)
	}
	if !product.Subtotal().Equal(d("8")) {
		t.Fatalf("subtotal = %s, want 8", product.Subtotal())
	}
	if !product.SubtotalTax().Equal(d("0.64")) {
		t.Fatalf("subtotal tax = %s, want 0.64", product.SubtotalTax())
	}

	if _, err := FromRecord(ItemRecord{Type: "gift_card"}); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	original := NewProductItem("Book", 1, d("12"), d("12"))
	original.Meta.Set(MetaRefundedItemID, "4")
	original.SetTaxes(LineTaxes{Total: tax.Taxes{1: d("1.2")}})

	clone := original.Clone().(*ProductItem)
	clone.Meta.Set(MetaRefundedItemID, "9")
	clone.SetTotal(d("1"))
	clone.SetTaxes(LineTaxes{})

	if original.Meta.Get(MetaRefundedItemID) != "4" {
		t.Fatal("clone shares meta with original")
	}
	if !original.Total().Equal(d("12")) || !original.TotalTax().Equal(d("1.2")) {
		t.Fatal("clone shares amounts with original")
	}
}
