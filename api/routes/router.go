package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taphoa39/taphoa-backend/api/controllers"
	"github.com/taphoa39/taphoa-backend/api/middleware"
	"github.com/taphoa39/taphoa-backend/internal/customers"
	"github.com/taphoa39/taphoa-backend/internal/invoices"
	"github.com/taphoa39/taphoa-backend/internal/notifications"
	"github.com/taphoa39/taphoa-backend/internal/products"
	"github.com/taphoa39/taphoa-backend/internal/reconcile"
	"github.com/taphoa39/taphoa-backend/internal/sales"
	"github.com/taphoa39/taphoa-backend/internal/summaries"
	"github.com/taphoa39/taphoa-backend/internal/syncruns"
	"github.com/taphoa39/taphoa-backend/pkg/config"
	"github.com/taphoa39/taphoa-backend/pkg/enums"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
	"github.com/taphoa39/taphoa-backend/pkg/metrics"
)

type Syncer interface {
	Sync(ctx context.Context, trigger string) *reconcile.Result
}

type CustomerSyncer interface {
	Syncer
	Create(ctx context.Context, customer map[string]any) (map[string]any, error)
}

type SalesPipeline interface {
	InvoiceCreated(ctx context.Context, raw map[string]any) (*sales.Outcome, error)
	InvoiceUpdated(ctx context.Context, id string, updates map[string]any) (*sales.Outcome, error)
	InvoiceDeleted(ctx context.Context, id string) (*sales.Outcome, error)
	OrderCreated(ctx context.Context, raw map[string]any) (*sales.Outcome, error)
	OrderUpdated(ctx context.Context, id string, updates map[string]any) (*sales.Outcome, error)
	OrderDeleted(ctx context.Context, id string) (*sales.Outcome, error)
}

type Decrementer interface {
	Apply(ctx context.Context, events []products.DecrementEvent) (*products.DecrementResult, error)
}

type EventLog interface {
	Last(namespace string) (notifications.Event, bool)
}

type RunHistory interface {
	Recent(ctx context.Context, resource enums.SyncResource, limit int) ([]syncruns.Run, error)
}

type JobTrigger interface {
	Trigger(ctx context.Context, name string) error
}

// Deps is everything the API router serves. Runs and Jobs are optional; their
// routes are only mounted when set.
type Deps struct {
	Config   *config.Config
	Logger   *logger.Logger
	Gatherer prometheus.Gatherer
	Metrics  *metrics.HTTPMetrics
	Pingers  map[string]controllers.Pinger

	Products     products.Service
	ProductSync  Syncer
	Decrementer  Decrementer
	Customers    customers.Service
	CustomerSync CustomerSyncer
	Invoices     invoices.Service
	Orders       invoices.Service
	Pipeline     SalesPipeline
	Summaries    summaries.Service
	Events       EventLog
	Runs         RunHistory
	Jobs         JobTrigger
}

func NewRouter(d Deps) http.Handler {
	cfg := d.Config
	logg := d.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, d.Metrics),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, d.Pingers))
	})
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	syncLimit := middleware.RateLimit(cfg.RateLimit.SyncPerMinute, time.Minute, logg)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimit.RequestsPerMinute, time.Minute, logg))

		r.Route("/products", func(r chi.Router) {
			r.Get("/", controllers.ListProducts(d.Products, logg))
			r.With(syncLimit).Post("/sync", controllers.SyncMirror(d.ProductSync, logg))
			r.Post("/decrement", controllers.DecrementStock(d.Decrementer, logg))
			r.Get("/{productId}", controllers.GetProduct(d.Products, logg))
			r.Get("/{productId}/variants", controllers.ProductVariants(d.Products, logg))
		})

		r.Route("/invoices", func(r chi.Router) {
			r.Get("/", controllers.ListSales(d.Invoices, logg))
			r.Post("/", controllers.CreateSale(d.Pipeline.InvoiceCreated, logg))
			r.Get("/{saleId}", controllers.GetSale(d.Invoices, logg))
			r.Patch("/{saleId}", controllers.UpdateSale(d.Pipeline.InvoiceUpdated, logg))
			r.Delete("/{saleId}", controllers.DeleteSale(d.Pipeline.InvoiceDeleted, logg))
		})

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", controllers.ListSales(d.Orders, logg))
			r.Post("/", controllers.CreateSale(d.Pipeline.OrderCreated, logg))
			r.Get("/{saleId}", controllers.GetSale(d.Orders, logg))
			r.Patch("/{saleId}", controllers.UpdateSale(d.Pipeline.OrderUpdated, logg))
			r.Delete("/{saleId}", controllers.DeleteSale(d.Pipeline.OrderDeleted, logg))
		})

		r.Route("/customers", func(r chi.Router) {
			r.Get("/", controllers.ListCustomers(d.Customers, logg))
			r.Post("/", controllers.CreateCustomer(d.CustomerSync, logg))
			r.Post("/delete", controllers.DeleteCustomers(d.Customers, logg))
			r.With(syncLimit).Post("/sync", controllers.SyncMirror(d.CustomerSync, logg))
			r.With(syncLimit).Post("/refresh", controllers.RefreshCustomers(d.Customers, logg))
			r.Get("/{customerId}", controllers.GetCustomer(d.Customers, logg))
			r.Patch("/{customerId}", controllers.UpdateCustomer(d.Customers, logg))
			r.Get("/{customerId}/invoices", controllers.CustomerInvoices(d.Customers, logg))
			r.Post("/{customerId}/recalculate", controllers.RecalculateCustomer(d.Customers, logg))
		})

		r.Route("/summaries", func(r chi.Router) {
			r.Get("/top-products", controllers.TopProducts(d.Summaries, logg))
			r.Get("/daily/{key}", controllers.GetSummary(d.Summaries, summaries.Daily, logg))
			r.Get("/monthly/{key}", controllers.GetSummary(d.Summaries, summaries.Monthly, logg))
			r.Get("/yearly/{key}", controllers.GetSummary(d.Summaries, summaries.Yearly, logg))
			r.Post("/daily/{key}/recompute", controllers.RecomputeDailySummary(d.Summaries, logg))
			r.Post("/monthly/{key}/recompute", controllers.RecomputeMonthlySummary(d.Summaries, logg))
			r.Post("/yearly/{key}/recompute", controllers.RecomputeYearlySummary(d.Summaries, logg))
		})

		r.Get("/notifications/{namespace}/last", controllers.LastNotification(d.Events, logg))

		if d.Runs != nil {
			r.Get("/sync-runs/{resource}", controllers.RecentSyncRuns(d.Runs, logg))
		}
		if d.Jobs != nil {
			r.With(syncLimit).Post("/jobs/{job}/run", controllers.TriggerJob(d.Jobs, logg))
		}
	})

	return r
}
