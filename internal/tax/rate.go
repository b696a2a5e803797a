// Package tax matches jurisdiction tax rates and computes per-rate tax amounts.
package tax

import (
	"context"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Tax classes shipped by default. Custom classes are plain strings.
const (
	ClassStandard = "standard"
	ClassReduced  = "reduced-rate"
	ClassZero     = "zero-rate"
	// ClassInherit makes shipping use the tax class of the items being shipped.
	ClassInherit = "inherit"
)

// Rate is a single configured tax rate row.
type Rate struct {
	ID        int64
	Country   string
	State     string
	Postcodes []string
	Cities    []string
	Percent   decimal.Decimal
	Name      string
	Priority  int
	Compound  bool
	Shipping  bool
	Order     int
	Class     string
}

// Location is the jurisdiction a calculation is made for.
type Location struct {
	Country  string
	State    string
	Postcode string
	City     string
}

// Calculable reports whether every jurisdiction field is present. Rates are never
// looked up for a partial address.
func (l *Location) Calculable() bool {
	if l == nil {
		return false
	}
	for _, field := range []string{l.Country, l.State, l.Postcode, l.City} {
		if strings.TrimSpace(field) == "" {
			return false
		}
	}
	return true
}

// RateSource looks up the rates that apply to a location and tax class.
type RateSource interface {
	FindRates(ctx context.Context, loc Location, class string) ([]Rate, error)
}

// NormalizeClass maps the empty class to the standard class.
func NormalizeClass(class string) string {
	class = strings.ToLower(strings.TrimSpace(class))
	if class == "" {
		return ClassStandard
	}
	return class
}

// Matches reports whether the rate applies to loc and class.
func (r Rate) Matches(loc Location, class string) bool {
	if NormalizeClass(r.Class) != NormalizeClass(class) {
		return false
	}
	if r.Country != "" && !strings.EqualFold(r.Country, strings.TrimSpace(loc.Country)) {
		return false
	}
	if r.State != "" && !strings.EqualFold(r.State, strings.TrimSpace(loc.State)) {
		return false
	}
	if len(r.Postcodes) > 0 && !matchPostcode(r.Postcodes, loc.Postcode) {
		return false
	}
	if len(r.Cities) > 0 && !matchCity(r.Cities, loc.City) {
		return false
	}
	return true
}

// MatchRates filters rates for loc/class and orders them by priority then sort order.
func MatchRates(rates []Rate, loc Location, class string) []Rate {
	matched := make([]Rate, 0, len(rates))
	for _, rate := range rates {
		if rate.Matches(loc, class) {
			matched = append(matched, rate)
		}
	}
	SortRates(matched)
	return matched
}

// SortRates orders rates by ascending priority, then sort order, then id.
func SortRates(rates []Rate) {
	sort.SliceStable(rates, func(i, j int) bool {
		if rates[i].Priority != rates[j].Priority {
			return rates[i].Priority < rates[j].Priority
		}
		if rates[i].Order != rates[j].Order {
			return rates[i].Order < rates[j].Order
		}
		return rates[i].ID < rates[j].ID
	})
}

// ShippingRates returns only the rates flagged as applying to shipping.
func ShippingRates(rates []Rate) []Rate {
	out := make([]Rate, 0, len(rates))
	for _, rate := range rates {
		if rate.Shipping {
			out = append(out, rate)
		}
	}
	return out
}

func normalizePostcode(pc string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(pc), " ", ""))
}

func matchPostcode(patterns []string, postcode string) bool {
	pc := normalizePostcode(postcode)
	if pc == "" {
		return false
	}
	for _, pattern := range patterns {
		p := normalizePostcode(pattern)
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(pc, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if p == pc {
			return true
		}
	}
	return false
}

func matchCity(cities []string, city string) bool {
	city = strings.TrimSpace(city)
	if city == "" {
		return false
	}
	for _, c := range cities {
		if strings.EqualFold(strings.TrimSpace(c), city) {
			return true
		}
	}
	return false
}
