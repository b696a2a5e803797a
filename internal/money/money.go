// Package money provides canonical decimal rounding and formatting helpers.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// StoragePrecision is the number of decimal places kept for intermediate amounts
// (unrounded tax shares) before the final rounding step.
const StoragePrecision int32 = 6

// DefaultPrecision applies when a currency code is unknown.
const DefaultPrecision int32 = 2

var (
	Zero    = decimal.Zero
	hundred = decimal.NewFromInt(100)
)

// Precision returns the number of minor-unit digits for an ISO 4217 code.
func Precision(code string) int32 {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return DefaultPrecision
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// Round rounds half away from zero.
func Round(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Round(places)
}

// RoundFor rounds an amount to the precision of the given currency.
func RoundFor(d decimal.Decimal, code string) decimal.Decimal {
	return d.Round(Precision(code))
}

// Format renders a fixed-point string, e.g. "108.00".
func Format(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

// FormatFor renders an amount with the currency's precision and code, e.g. "108.00 USD".
func FormatFor(d decimal.Decimal, code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return d.StringFixed(DefaultPrecision)
	}
	return fmt.Sprintf("%s %s", d.StringFixed(Precision(code)), code)
}

// Parse reads a decimal amount. Empty input is zero.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Sum adds all amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// Percent returns amount * rate / 100.
func Percent(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Div(hundred)
}

// ToMinor converts an amount to integer minor units (cents) for gateway APIs.
func ToMinor(d decimal.Decimal, code string) int64 {
	places := Precision(code)
	return d.Round(places).Shift(places).IntPart()
}

// FromMinor converts integer minor units back into a decimal amount.
func FromMinor(units int64, code string) decimal.Decimal {
	return decimal.New(units, -Precision(code))
}

// Max returns the larger amount.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Min returns the smaller amount.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
