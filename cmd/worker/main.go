package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taphoa39/taphoa-backend/internal/app"
	"github.com/taphoa39/taphoa-backend/internal/consumers/inventory"
	"github.com/taphoa39/taphoa-backend/pkg/config"
	"github.com/taphoa39/taphoa-backend/pkg/idempotency"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	domain, err := app.Build(ctx, cfg, logg, prometheus.DefaultRegisterer)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap worker", err)
		os.Exit(1)
	}
	defer domain.Close()

	if domain.PubSub == nil {
		logg.Error(ctx, "inventory subscription not configured", errors.New("pubsub client is required"))
		domain.Close()
		os.Exit(1)
	}

	params := inventory.Params{
		Subscription: domain.PubSub.InventorySubscription(),
		Decrementer:  domain.Decrementer,
		Notifier:     domain.Notifier,
		Metrics:      domain.EventMetrics,
		Logger:       logg,
	}
	if domain.Redis != nil {
		guard, err := idempotency.NewManager(domain.Redis, 0)
		if err != nil {
			logg.Error(ctx, "failed to create idempotency guard", err)
			domain.Close()
			os.Exit(1)
		}
		params.Guard = guard
	}

	service, err := NewService(ServiceParams{
		Logger:   logg,
		Domain:   domain,
		Consumer: mustConsumer(ctx, logg, domain, params),
	})
	if err != nil {
		logg.Error(ctx, "failed to create worker service", err)
		domain.Close()
		os.Exit(1)
	}

	ctx = logg.WithFields(ctx, map[string]any{
		"env":          cfg.App.Env,
		"serviceKind":  cfg.Service.Kind,
		"subscription": cfg.PubSub.InventorySubscription,
	})
	logg.Info(ctx, "starting worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		domain.Close()
		os.Exit(1)
	}
	logg.Info(ctx, "worker shutting down gracefully")
}

func mustConsumer(ctx context.Context, logg *logger.Logger, domain *app.App, params inventory.Params) *inventory.Consumer {
	consumer, err := inventory.NewConsumer(params)
	if err != nil {
		logg.Error(ctx, "failed to create inventory consumer", err)
		domain.Close()
		os.Exit(1)
	}
	return consumer
}
