package tax

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// TableConfig is the on-disk tax rate table format.
type TableConfig struct {
	Rates []RateConfig `yaml:"rates" validate:"dive"`
}

type RateConfig struct {
	ID        int64    `yaml:"id" validate:"required,gt=0"`
	Country   string   `yaml:"country" validate:"omitempty,iso3166_1_alpha2"`
	State     string   `yaml:"state"`
	Postcodes []string `yaml:"postcodes"`
	Cities    []string `yaml:"cities"`
	Rate      string   `yaml:"rate" validate:"required,numeric"`
	Name      string   `yaml:"name" validate:"required"`
	Priority  int      `yaml:"priority" validate:"gte=1"`
	Compound  bool     `yaml:"compound"`
	Shipping  bool     `yaml:"shipping"`
	Order     int      `yaml:"order" validate:"gte=0"`
	Class     string   `yaml:"class"`
}

var tableValidator = validator.New()

// ParseTable decodes and validates a YAML rate table.
func ParseTable(content []byte) ([]Rate, error) {
	var cfg TableConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	for i := range cfg.Rates {
		cfg.Rates[i].Country = strings.ToUpper(strings.TrimSpace(cfg.Rates[i].Country))
	}
	if err := tableValidator.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid tax rate table: %w", err)
	}

	seen := make(map[int64]bool, len(cfg.Rates))
	rates := make([]Rate, 0, len(cfg.Rates))
	for i, rc := range cfg.Rates {
		if seen[rc.ID] {
			return nil, fmt.Errorf("duplicate tax rate id: %d", rc.ID)
		}
		seen[rc.ID] = true

		percent, err := decimal.NewFromString(strings.TrimSpace(rc.Rate))
		if err != nil {
			return nil, fmt.Errorf("rate %d: invalid percentage: %w", i, err)
		}
		if percent.IsNegative() {
			return nil, fmt.Errorf("rate %d: percentage must be zero or positive", i)
		}

		rates = append(rates, Rate{
			ID:        rc.ID,
			Country:   rc.Country,
			State:     strings.ToUpper(strings.TrimSpace(rc.State)),
			Postcodes: rc.Postcodes,
			Cities:    rc.Cities,
			Percent:   percent,
			Name:      strings.TrimSpace(rc.Name),
			Priority:  rc.Priority,
			Compound:  rc.Compound,
			Shipping:  rc.Shipping,
			Order:     rc.Order,
			Class:     NormalizeClass(rc.Class),
		})
	}
	return rates, nil
}

// Table is an immutable in-memory rate source.
type Table struct {
	rates []Rate
}

// NewTable copies rates into a table.
func NewTable(rates []Rate) *Table {
	return &Table{rates: append([]Rate(nil), rates...)}
}

// LoadTableFile reads a YAML rate table from disk.
func LoadTableFile(path string) (*Table, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tax rate table: %w", err)
	}
	rates, err := ParseTable(content)
	if err != nil {
		return nil, err
	}
	return NewTable(rates), nil
}

// FindRates implements RateSource.
func (t *Table) FindRates(ctx context.Context, loc Location, class string) ([]Rate, error) {
	_ = ctx
	return MatchRates(t.rates, loc, class), nil
}

// Rates returns a copy of every rate in the table.
func (t *Table) Rates() []Rate {
	return append([]Rate(nil), t.rates...)
}
