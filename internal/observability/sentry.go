// Package observability wires Sentry tracing, metrics and outbound HTTP tracing.
package observability

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

type SentryConfig struct {
	DSN              string
	Environment      string
	TracesSampleRate float64
}

// InitSentry starts the Sentry client. Without a DSN the SDK stays disabled and
// spans and meters become no-ops. The returned func flushes buffered events.
func InitSentry(cfg SentryConfig) (func(time.Duration), error) {
	if cfg.DSN == "" {
		return func(time.Duration) {}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		EnableTracing:    true,
		TracesSampleRate: cfg.TracesSampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sentry: %w", err)
	}
	return func(timeout time.Duration) {
		sentry.Flush(timeout)
	}, nil
}
