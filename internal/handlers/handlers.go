// Package handlers serves the billing HTTP boundary: health checks and gateway webhooks.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gitshopapp/billing/internal/cache"
	"github.com/gitshopapp/billing/internal/config"
	"github.com/gitshopapp/billing/internal/logging"
)

const maxWebhookBodyBytes = 1 << 20 // 1 MB

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	config        *config.Config
	db            Pinger
	cacheProvider cache.Provider
	stripeRouter  *StripeEventRouter
	logger        *slog.Logger
}

type Dependencies struct {
	Config *config.Config
	// DB is nil for the in-memory store.
	DB            Pinger
	CacheProvider cache.Provider
	StripeRouter  *StripeEventRouter
	Logger        *slog.Logger
}

func New(deps Dependencies) (*Handlers, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if deps.Config == nil {
		return nil, fmt.Errorf("handlers dependencies: config is required")
	}
	if deps.CacheProvider == nil {
		return nil, fmt.Errorf("handlers dependencies: cacheProvider is required")
	}

	return &Handlers{
		config:        deps.Config,
		db:            deps.DB,
		cacheProvider: deps.CacheProvider,
		stripeRouter:  deps.StripeRouter,
		logger:        logger.With("component", "handlers"),
	}, nil
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			logger.Error("database health check failed", "error", err)
			http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
		"store":  h.config.StoreProvider,
	}); err != nil {
		logger.Error("failed to encode health response", "error", err)
	}
}

func (h *Handlers) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, h.logger)
}
