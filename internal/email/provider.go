// Package email sends customer billing notifications.
package email

import (
	"context"
	"fmt"
	"net/http"
)

type Provider interface {
	SendEmail(ctx context.Context, email *Email) error
	ValidateAPIKey(ctx context.Context) error
}

type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

type Config struct {
	Provider   string
	APIKey     string
	From       string
	HTTPClient *http.Client
}

// NewProvider returns nil without error when no provider is configured, which
// disables customer email.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "resend":
		if cfg.APIKey == "" || cfg.From == "" {
			return nil, fmt.Errorf("resend requires an API key and a from address")
		}
		return NewResendProvider(cfg.APIKey, cfg.From, cfg.HTTPClient), nil
	default:
		return nil, fmt.Errorf("unsupported email provider: %s", cfg.Provider)
	}
}
