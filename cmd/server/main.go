package main

// The billing server receives gateway webhooks and runs the billing services.

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gitshopapp/billing/app"
	"github.com/gitshopapp/billing/server"
)

func main() {
	fallbackLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	application, err := app.New()
	if err != nil {
		fallbackLogger.Error("failed to initialize app", "error", err)
		os.Exit(1)
	}
	srv, err := server.New(application.Config, application.Logger, application.Handlers)
	if err != nil {
		fallbackLogger.Error("failed to initialize server", "error", err)
		application.Close()
		os.Exit(1)
	}

	workers, stopWorkers := context.WithCancel(context.Background())
	application.Start(workers)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Run()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		stopWorkers()
		application.Close()
		if err != nil {
			application.Logger.Error("server failed", "error", err)
			os.Exit(1)
		}
		return
	case <-quit:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = srv.Close(ctx)
	cancel()
	stopWorkers()
	application.Close()
	if err != nil {
		application.Logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
}
