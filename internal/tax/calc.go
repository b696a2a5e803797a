package tax

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/gitshopapp/billing/internal/money"
)

var one = decimal.NewFromInt(1)
var hundred = decimal.NewFromInt(100)

// Taxes maps a tax rate id to an amount.
type Taxes map[int64]decimal.Decimal

// Sum returns the total of all per-rate amounts.
func (t Taxes) Sum() decimal.Decimal {
	total := decimal.Zero
	for _, amount := range t {
		total = total.Add(amount)
	}
	return total
}

// Clone copies the map.
func (t Taxes) Clone() Taxes {
	if t == nil {
		return nil
	}
	out := make(Taxes, len(t))
	for id, amount := range t {
		out[id] = amount
	}
	return out
}

// Merge adds other into t per rate id.
func (t Taxes) Merge(other Taxes) Taxes {
	if t == nil {
		t = Taxes{}
	}
	for id, amount := range other {
		t[id] = t[id].Add(amount)
	}
	return t
}

// Negate flips the sign of every amount.
func (t Taxes) Negate() Taxes {
	out := make(Taxes, len(t))
	for id, amount := range t {
		out[id] = amount.Neg()
	}
	return out
}

// Round rounds every amount to places.
func (t Taxes) Round(places int32) Taxes {
	out := make(Taxes, len(t))
	for id, amount := range t {
		out[id] = amount.Round(places)
	}
	return out
}

// RateIDs returns the rate ids in ascending order.
func (t Taxes) RateIDs() []int64 {
	ids := make([]int64, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CalcTax returns full-precision per-rate tax for price. Rates must already be sorted
// by priority. When inclusive is set, price is treated as tax-inclusive and the tax
// contained in it is returned.
func CalcTax(price decimal.Decimal, rates []Rate, inclusive bool) Taxes {
	if inclusive {
		return calcInclusive(price, rates)
	}
	return calcExclusive(price, rates)
}

func calcExclusive(price decimal.Decimal, rates []Rate) Taxes {
	taxes := Taxes{}
	for _, rate := range rates {
		if rate.Compound {
			continue
		}
		taxes[rate.ID] = taxes[rate.ID].Add(price.Mul(rate.Percent).Div(hundred))
	}

	running := taxes.Sum()
	for _, rate := range rates {
		if !rate.Compound {
			continue
		}
		amount := price.Add(running).Mul(rate.Percent).Div(hundred)
		taxes[rate.ID] = taxes[rate.ID].Add(amount)
		running = taxes.Sum()
	}
	return taxes
}

func calcInclusive(price decimal.Decimal, rates []Rate) Taxes {
	taxes := Taxes{}
	var compound, regular []Rate
	for _, rate := range rates {
		if rate.Compound {
			compound = append(compound, rate)
		} else {
			regular = append(regular, rate)
		}
	}

	nonCompoundPrice := price
	for i := len(compound) - 1; i >= 0; i-- {
		rate := compound[i]
		divisor := one.Add(rate.Percent.Div(hundred))
		amount := nonCompoundPrice.Sub(nonCompoundPrice.Div(divisor))
		taxes[rate.ID] = taxes[rate.ID].Add(amount)
		nonCompoundPrice = nonCompoundPrice.Sub(amount)
	}

	regularTotal := decimal.Zero
	for _, rate := range regular {
		regularTotal = regularTotal.Add(rate.Percent)
	}
	if regularTotal.IsZero() {
		return taxes
	}
	combined := one.Add(regularTotal.Div(hundred))
	net := nonCompoundPrice.Div(combined)
	for _, rate := range regular {
		taxes[rate.ID] = taxes[rate.ID].Add(net.Mul(rate.Percent).Div(hundred))
	}
	return taxes
}

// Policy is the process-wide rounding configuration. Every line item in one
// calculation pass uses the same policy.
type Policy struct {
	// RoundAtSubtotal keeps per-line tax at storage precision and rounds per-rate
	// sums once at the order level.
	RoundAtSubtotal bool
	// Precision is the currency precision used for rounding.
	Precision int32
}

// DefaultPolicy rounds per line to two decimals.
func DefaultPolicy() Policy {
	return Policy{Precision: money.DefaultPrecision}
}

// Apply rounds a per-rate map according to the policy.
func (p Policy) Apply(taxes Taxes) Taxes {
	if p.RoundAtSubtotal {
		return taxes.Round(money.StoragePrecision)
	}
	return taxes.Round(p.Precision)
}

// Finalize rounds an order-level per-rate sum.
func (p Policy) Finalize(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(p.Precision)
}

// Calculator computes line taxes under a fixed policy.
type Calculator struct {
	Policy Policy
}

// NewCalculator returns a calculator for policy.
func NewCalculator(policy Policy) *Calculator {
	return &Calculator{Policy: policy}
}

// Calculate returns per-rate taxes for an exclusive line total. Shipping lines only
// use rates flagged for shipping.
func (c *Calculator) Calculate(lineTotal decimal.Decimal, rates []Rate, forShipping bool) Taxes {
	if forShipping {
		rates = ShippingRates(rates)
	}
	if len(rates) == 0 {
		return Taxes{}
	}
	return c.Policy.Apply(CalcTax(lineTotal, rates, false))
}

// CalculateInclusive returns the tax contained in a tax-inclusive amount.
func (c *Calculator) CalculateInclusive(gross decimal.Decimal, rates []Rate) Taxes {
	if len(rates) == 0 {
		return Taxes{}
	}
	return c.Policy.Apply(CalcTax(gross, rates, true))
}
