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
	"github.com/taphoa39/taphoa-backend/pkg/config"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	domain, err := app.Build(ctx, cfg, logg, prometheus.DefaultRegisterer)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap cron worker", err)
		os.Exit(1)
	}
	defer domain.Close()

	if domain.Redis == nil {
		logg.Warn(ctx, "redis not configured, scheduler lock is process local")
	}

	service, err := domain.Scheduler(prometheus.DefaultRegisterer)
	if err != nil {
		logg.Error(ctx, "failed to create cron service", err)
		os.Exit(1)
	}

	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"interval":    cfg.Sync.Interval.String(),
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		domain.Close()
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}
