package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/gitshopapp/billing/internal/models"
	"github.com/gitshopapp/billing/internal/money"
	"github.com/gitshopapp/billing/internal/tax"
)

type Config struct {
	StoreProvider string `env:"STORE_PROVIDER" envDefault:"postgres" validate:"oneof=postgres memory"`
	DatabaseURL   string `env:"DATABASE_URL" validate:"required_if=StoreProvider postgres"`
	NodeID        int64  `env:"NODE_ID" envDefault:"1" validate:"gte=0,lte=1023"`

	CacheProvider         string `env:"CACHE_PROVIDER" envDefault:"memory" validate:"omitempty,oneof=memory redis"`
	CacheSize             int    `env:"CACHE_SIZE" envDefault:"10000" validate:"gte=0"`
	RedisConnectionString string `env:"REDIS_CONNECTION_STRING" envDefault:"redis://localhost:6379/0" validate:"required_if=CacheProvider redis"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET" validate:"required_with=StripeSecretKey"`

	EmailProvider string `env:"EMAIL_PROVIDER" validate:"omitempty,oneof=resend"`
	EmailAPIKey   string `env:"EMAIL_API_KEY" validate:"required_if=EmailProvider resend"`
	EmailFrom     string `env:"EMAIL_FROM" validate:"required_if=EmailProvider resend"`
	ShopName      string `env:"SHOP_NAME" envDefault:"Billing"`

	SentryDSN              string  `env:"SENTRY_DSN" validate:"omitempty,url"`
	SentryEnvironment      string  `env:"SENTRY_ENVIRONMENT" envDefault:"development"`
	SentryTracesSampleRate float64 `env:"SENTRY_TRACES_SAMPLE_RATE" envDefault:"1" validate:"gte=0,lte=1"`

	DefaultCurrency     string        `env:"DEFAULT_CURRENCY" envDefault:"USD" validate:"iso4217"`
	PricesIncludeTax    bool          `env:"PRICES_INCLUDE_TAX" envDefault:"false"`
	TaxRoundAtSubtotal  bool          `env:"TAX_ROUND_AT_SUBTOTAL" envDefault:"false"`
	TaxBasedOn          string        `env:"TAX_BASED_ON" envDefault:"shipping" validate:"oneof=shipping billing base"`
	BaseCountry         string        `env:"BASE_COUNTRY" validate:"required_if=TaxBasedOn base"`
	BaseState           string        `env:"BASE_STATE" validate:"required_if=TaxBasedOn base"`
	BasePostcode        string        `env:"BASE_POSTCODE" validate:"required_if=TaxBasedOn base"`
	BaseCity            string        `env:"BASE_CITY" validate:"required_if=TaxBasedOn base"`
	ShippingTaxClass    string        `env:"SHIPPING_TAX_CLASS" envDefault:"inherit"`
	TaxRatesFile        string        `env:"TAX_RATES_FILE"`
	TaxRateCacheTTL     time.Duration `env:"TAX_RATE_CACHE_TTL" envDefault:"5m" validate:"gte=0"`
	SiteTimezone        string        `env:"SITE_TIMEZONE" envDefault:"UTC"`
	AutoRenewalPayments bool          `env:"AUTO_RENEWAL_PAYMENTS" envDefault:"true"`

	LogLevel  slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat string     `env:"LOG_FORMAT" envDefault:"text" validate:"omitempty,oneof=text json"`
	Port      string     `env:"PORT" envDefault:"8080"`
}

var configValidator = validator.New()

func Load() (*Config, error) {
	var cfg Config

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if err := configValidator.Struct(c); err != nil {
		return err
	}

	if _, err := c.SiteLocation(); err != nil {
		return err
	}

	if c.StoreProvider == "memory" && strings.TrimSpace(c.TaxRatesFile) == "" {
		return fmt.Errorf("TAX_RATES_FILE is required when STORE_PROVIDER is memory")
	}

	return nil
}

// SiteLocation is the time zone renewal dates are computed in.
func (c *Config) SiteLocation() (*time.Location, error) {
	name := strings.TrimSpace(c.SiteTimezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("SITE_TIMEZONE %q is not a valid time zone: %w", name, err)
	}
	return loc, nil
}

// TaxPolicy rounds to the precision of the default currency.
func (c *Config) TaxPolicy() tax.Policy {
	return tax.Policy{
		RoundAtSubtotal: c.TaxRoundAtSubtotal,
		Precision:       money.Precision(c.DefaultCurrency),
	}
}

func (c *Config) TaxSettings() models.TaxSettings {
	return models.TaxSettings{
		BasedOn: models.TaxBasis(c.TaxBasedOn),
		Base: tax.Location{
			Country:  strings.ToUpper(strings.TrimSpace(c.BaseCountry)),
			State:    strings.TrimSpace(c.BaseState),
			Postcode: strings.TrimSpace(c.BasePostcode),
			City:     strings.TrimSpace(c.BaseCity),
		},
		ShippingTaxClass: strings.TrimSpace(c.ShippingTaxClass),
	}
}
