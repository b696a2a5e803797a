package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gitshopapp/billing/internal/tax"
)

// TaxRateStore serves tax rates from the tax_rates table.
type TaxRateStore struct {
	pool *pgxpool.Pool
}

func NewTaxRateStore(pool *pgxpool.Pool) *TaxRateStore {
	return &TaxRateStore{pool: pool}
}

// FindRates implements tax.RateSource. Country and state are filtered in SQL and the
// postcode and city patterns in Go.
func (s *TaxRateStore) FindRates(ctx context.Context, loc tax.Location, class string) ([]tax.Rate, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, country, state, postcodes, cities, rate, name, priority,
		compound, shipping, sort_order, tax_class
		FROM tax_rates
		WHERE tax_class = $1 AND (country = '' OR country = $2) AND (state = '' OR state = $3)`,
		tax.NormalizeClass(class),
		strings.ToUpper(strings.TrimSpace(loc.Country)),
		strings.ToUpper(strings.TrimSpace(loc.State)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query tax rates: %w", err)
	}
	rates, err := collect(rows, func(sc scanner) (tax.Rate, error) {
		var rate tax.Rate
		var percent pgtype.Numeric
		err := sc.Scan(&rate.ID, &rate.Country, &rate.State, &rate.Postcodes, &rate.Cities, &percent,
			&rate.Name, &rate.Priority, &rate.Compound, &rate.Shipping, &rate.Order, &rate.Class)
		rate.Percent = fromNumeric(percent)
		return rate, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read tax rates: %w", err)
	}
	return tax.MatchRates(rates, loc, class), nil
}

// ImportRates upserts rates by id in one transaction.
func (s *TaxRateStore) ImportRates(ctx context.Context, rates []tax.Rate) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, rate := range rates {
			postcodes := rate.Postcodes
			if postcodes == nil {
				postcodes = []string{}
			}
			cities := rate.Cities
			if cities == nil {
				cities = []string{}
			}
			_, err := tx.Exec(ctx, `INSERT INTO tax_rates (id, country, state, postcodes, cities, rate, name,
				priority, compound, shipping, sort_order, tax_class)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT (id) DO UPDATE SET
					country = EXCLUDED.country,
					state = EXCLUDED.state,
					postcodes = EXCLUDED.postcodes,
					cities = EXCLUDED.cities,
					rate = EXCLUDED.rate,
					name = EXCLUDED.name,
					priority = EXCLUDED.priority,
					compound = EXCLUDED.compound,
					shipping = EXCLUDED.shipping,
					sort_order = EXCLUDED.sort_order,
					tax_class = EXCLUDED.tax_class`,
				rate.ID, strings.ToUpper(rate.Country), strings.ToUpper(rate.State), postcodes, cities,
				numeric(rate.Percent), rate.Name, rate.Priority, rate.Compound, rate.Shipping, rate.Order,
				tax.NormalizeClass(rate.Class),
			)
			if err != nil {
				return fmt.Errorf("failed to import tax rate %d: %w", rate.ID, err)
			}
		}
		return nil
	})
}
