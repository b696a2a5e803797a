package main

// renew creates renewal orders for every subscription whose next payment is due.
// It is meant to be run periodically by an external scheduler such as cron.

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gitshopapp/billing/app"
)

func main() {
	batch := flag.Int("batch", 100, "maximum subscriptions to renew in one run")
	flag.Parse()

	os.Exit(run(*batch))
}

func run(batch int) int {
	fallbackLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	application, err := app.New()
	if err != nil {
		fallbackLogger.Error("failed to initialize app", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	workers, stopWorkers := context.WithCancel(ctx)
	application.Start(workers)
	defer func() {
		// Close waits for the email worker to flush renewal invoices.
		stopWorkers()
		stop()
		application.Close()
	}()

	logger := application.Logger.With("component", "renewal_run")
	due, err := application.Subscriptions.DueForRenewal(ctx, time.Now(), batch)
	if err != nil {
		logger.Error("failed to list due subscriptions", "error", err)
		return 1
	}

	var failed int
	for _, sub := range due {
		if ctx.Err() != nil {
			break
		}
		order, err := application.Subscriptions.Renew(ctx, sub.ID)
		if err != nil {
			failed++
			logger.Error("failed to renew subscription", "subscription_id", sub.ID, "error", err)
			continue
		}
		logger.Info("subscription renewed", "subscription_id", sub.ID, "order_id", order.ID)
	}
	logger.Info("renewal run finished", "due", len(due), "failed", failed)

	if failed > 0 {
		return 1
	}
	return 0
}
