package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taphoa39/taphoa-backend/api/controllers"
	"github.com/taphoa39/taphoa-backend/api/routes"
	"github.com/taphoa39/taphoa-backend/internal/app"
	"github.com/taphoa39/taphoa-backend/pkg/config"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
	"github.com/taphoa39/taphoa-backend/pkg/metrics"
)

const shutdownTimeout = 20 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	domain, err := app.Build(ctx, cfg, logg, reg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap api", err)
		os.Exit(1)
	}
	defer domain.Close()

	scheduler, err := domain.Scheduler(reg)
	if err != nil {
		logg.Error(ctx, "failed to create job trigger", err)
		os.Exit(1)
	}

	pingers := map[string]controllers.Pinger{
		"database":  domain.DB,
		"firestore": domain.Firestore,
	}
	if domain.Redis != nil {
		pingers["redis"] = domain.Redis
	}
	if domain.GCS != nil {
		pingers["gcs"] = domain.GCS
	}
	if domain.BigQuery != nil {
		pingers["bigquery"] = domain.BigQuery
	}
	if domain.PubSub != nil {
		pingers["pubsub"] = domain.PubSub
	}

	handler := routes.NewRouter(routes.Deps{
		Config:       cfg,
		Logger:       logg,
		Gatherer:     reg,
		Metrics:      metrics.NewHTTPMetrics(reg),
		Pingers:      pingers,
		Products:     domain.Products,
		ProductSync:  domain.ProductSync,
		Decrementer:  domain.Decrementer,
		Customers:    domain.Customers,
		CustomerSync: domain.CustomerSync,
		Invoices:     domain.Invoices,
		Orders:       domain.Orders,
		Pipeline:     domain.Pipeline,
		Summaries:    domain.Summaries,
		Events:       domain.Notifier,
		Runs:         domain.Runs,
		Jobs:         scheduler,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx = logg.WithFields(ctx, map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			domain.Close()
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
		}
		logg.Info(ctx, "api server stopped")
	}
}
