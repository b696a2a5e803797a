package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gitshopapp/billing/internal/billing"
	"github.com/gitshopapp/billing/internal/cache"
	"github.com/gitshopapp/billing/internal/config"
	"github.com/gitshopapp/billing/internal/db"
	"github.com/gitshopapp/billing/internal/email"
	"github.com/gitshopapp/billing/internal/events"
	"github.com/gitshopapp/billing/internal/handlers"
	"github.com/gitshopapp/billing/internal/logging"
	"github.com/gitshopapp/billing/internal/observability"
	"github.com/gitshopapp/billing/internal/payments"
	"github.com/gitshopapp/billing/internal/services"
	"github.com/gitshopapp/billing/internal/stripe"
	"github.com/gitshopapp/billing/internal/tax"
	"github.com/gitshopapp/billing/internal/workflow"
)

const outboundTimeout = 30 * time.Second

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	DB            *pgxpool.Pool
	Store         db.Store
	CacheProvider cache.Provider

	Orders        *services.OrderService
	Subscriptions *services.SubscriptionService
	Refunds       *services.RefundService
	Payments      *services.PaymentService
	Handlers      *handlers.Handlers

	emailNotifier *email.Notifier
	workers       sync.WaitGroup
	flushSentry   func(time.Duration)
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	a := &App{Config: cfg, Logger: logger}

	a.flushSentry, err = observability.InitSentry(observability.SentryConfig{
		DSN:              cfg.SentryDSN,
		Environment:      cfg.SentryEnvironment,
		TracesSampleRate: cfg.SentryTracesSampleRate,
	})
	if err != nil {
		return nil, err
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	if err := a.init(startupCtx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config
	logger := a.Logger

	cacheProvider, err := cache.NewProvider(cache.Config{
		Provider:              cfg.CacheProvider,
		RedisConnectionString: cfg.RedisConnectionString,
		MemorySize:            cfg.CacheSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize cache provider: %w", err)
	}
	a.CacheProvider = cacheProvider

	rates, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	loc, err := cfg.SiteLocation()
	if err != nil {
		return err
	}

	bus := events.NewBus(logger)
	bus.Subscribe(events.LogNotifier(logger.With("component", "billing_events")))
	bus.Subscribe(events.MeterNotifier())

	emailProvider, err := email.NewProvider(email.Config{
		Provider:   cfg.EmailProvider,
		APIKey:     cfg.EmailAPIKey,
		From:       cfg.EmailFrom,
		HTTPClient: observability.NewHTTPClient(outboundTimeout),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize email provider: %w", err)
	}
	if emailProvider != nil {
		a.emailNotifier, err = email.NewNotifier(emailProvider, a.Store, cfg.ShopName, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize email notifier: %w", err)
		}
		bus.Subscribe(a.emailNotifier)
	}

	gateways := payments.NewRegistry(payments.ManualGateway{})
	if cfg.StripeSecretKey != "" {
		gateways.Register(stripe.NewGateway(cfg.StripeSecretKey, observability.NewHTTPClient(outboundTimeout)))
	}

	deps := services.Deps{
		Store:               a.Store,
		Engine:              tax.NewEngine(rates, cfg.TaxPolicy()),
		Tax:                 cfg.TaxSettings(),
		Calendar:            billing.NewCalendar(billing.SystemClock, loc),
		Notifier:            bus,
		Machine:             workflow.NewMachine(bus),
		Locker:              workflow.NewLocker(),
		Gateways:            gateways,
		AutoRenewalPayments: cfg.AutoRenewalPayments,
		Logger:              logger,
	}
	a.Orders = services.NewOrderService(deps)
	a.Subscriptions = services.NewSubscriptionService(deps)
	a.Refunds = services.NewRefundService(deps)
	a.Payments = services.NewPaymentService(deps, a.Orders, a.Subscriptions)

	var stripeRouter *handlers.StripeEventRouter
	if cfg.StripeWebhookSecret != "" {
		stripeRouter = handlers.NewStripeEventRouter(a.Payments, logger.With("component", "stripe_router"))
	}

	var pinger handlers.Pinger
	if a.DB != nil {
		pinger = a.DB
	}
	a.Handlers, err = handlers.New(handlers.Dependencies{
		Config:        cfg,
		DB:            pinger,
		CacheProvider: cacheProvider,
		StripeRouter:  stripeRouter,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize handlers: %w", err)
	}
	return nil
}

// openStore selects the order store and the tax rate source that goes with it.
func (a *App) openStore(ctx context.Context) (tax.RateSource, error) {
	cfg := a.Config

	var table *tax.Table
	if cfg.TaxRatesFile != "" {
		loaded, err := tax.LoadTableFile(cfg.TaxRatesFile)
		if err != nil {
			return nil, err
		}
		table = loaded
	}

	if cfg.StoreProvider == "memory" {
		if table == nil {
			return nil, fmt.Errorf("TAX_RATES_FILE is required when STORE_PROVIDER is memory")
		}
		a.Store = db.NewMemoryStore()
		a.Logger.Warn("using in-memory store, data is lost on restart")
		return table, nil
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL, a.Logger.With("component", "db"))
	if err != nil {
		return nil, err
	}
	a.DB = pool
	if err := db.Migrate(ctx, pool); err != nil {
		return nil, err
	}

	store, err := db.NewPostgresStore(pool, cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize order store: %w", err)
	}
	a.Store = store

	rateStore := db.NewTaxRateStore(pool)
	if table != nil {
		if err := rateStore.ImportRates(ctx, table.Rates()); err != nil {
			return nil, fmt.Errorf("failed to import tax rates: %w", err)
		}
		a.Logger.Info("imported tax rates", "file", cfg.TaxRatesFile, "count", len(table.Rates()))
	}

	cached, err := tax.NewCachedSource(rateStore, a.CacheProvider, cfg.TaxRateCacheTTL, a.Logger.With("component", "tax_rates"))
	if err != nil {
		return nil, err
	}
	return cached, nil
}

// Start runs background workers until ctx is done. Close waits for them, so cancel
// ctx before calling Close.
func (a *App) Start(ctx context.Context) {
	if a.emailNotifier != nil {
		a.workers.Add(1)
		go func() {
			defer a.workers.Done()
			a.emailNotifier.Run(ctx)
		}()
	}
}

func (a *App) Close() {
	if a == nil {
		return
	}
	a.workers.Wait()
	if a.CacheProvider != nil {
		closeCacheProvider(a.Logger, a.CacheProvider)
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.flushSentry != nil {
		a.flushSentry(2 * time.Second)
	}
}

func closeCacheProvider(logger *slog.Logger, provider cache.Provider) {
	if provider == nil {
		return
	}
	if err := provider.Close(); err != nil && logger != nil {
		logger.Warn("failed to close cache provider", "error", err)
	}
}
