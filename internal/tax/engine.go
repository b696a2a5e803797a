package tax

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Engine pairs a rate source with a rounding policy.
type Engine struct {
	source     RateSource
	calculator *Calculator
}

// NewEngine creates an engine. A nil source yields no rates.
func NewEngine(source RateSource, policy Policy) *Engine {
	return &Engine{
		source:     source,
		calculator: NewCalculator(policy),
	}
}

// Policy returns the rounding policy in effect.
func (e *Engine) Policy() Policy {
	return e.calculator.Policy
}

// FindRates returns the sorted rates that apply to loc and class.
func (e *Engine) FindRates(ctx context.Context, loc Location, class string) ([]Rate, error) {
	if e.source == nil {
		return nil, nil
	}
	rates, err := e.source.FindRates(ctx, loc, NormalizeClass(class))
	if err != nil {
		return nil, fmt.Errorf("failed to load tax rates: %w", err)
	}
	sorted := append([]Rate(nil), rates...)
	SortRates(sorted)
	return sorted, nil
}

// Calculate computes taxes for an exclusive amount under the engine policy.
func (e *Engine) Calculate(amount decimal.Decimal, rates []Rate, forShipping bool) Taxes {
	return e.calculator.Calculate(amount, rates, forShipping)
}

// CalculateInclusive computes the tax contained in a gross amount.
func (e *Engine) CalculateInclusive(gross decimal.Decimal, rates []Rate) Taxes {
	return e.calculator.CalculateInclusive(gross, rates)
}

// ProrateNegative spreads a negative amount (a discount fee) across tax classes in
// proportion to each class's share of the taxable cost and returns the summed per-rate
// taxes. Classes with no cost are skipped; a zero total cost yields no taxes.
func ProrateNegative(ctx context.Context, engine *Engine, amount decimal.Decimal, costsByClass map[string]decimal.Decimal, loc Location) (Taxes, error) {
	taxes := Taxes{}
	if !amount.IsNegative() {
		return taxes, nil
	}

	totalCost := decimal.Zero
	for _, cost := range costsByClass {
		if cost.IsPositive() {
			totalCost = totalCost.Add(cost)
		}
	}
	if totalCost.IsZero() {
		return taxes, nil
	}

	classes := make([]string, 0, len(costsByClass))
	for class := range costsByClass {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	for _, class := range classes {
		cost := costsByClass[class]
		if !cost.IsPositive() {
			continue
		}
		share := cost.Div(totalCost)
		portion := amount.Mul(share)
		rates, err := engine.FindRates(ctx, loc, class)
		if err != nil {
			return nil, err
		}
		taxes.Merge(engine.Calculate(portion, rates, false))
	}
	return taxes, nil
}
