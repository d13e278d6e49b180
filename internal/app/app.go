// Package app assembles the mirror domain from configuration. Every binary
// builds the same graph and then runs the part it serves.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/taphoa39/taphoa-backend/internal/cron"
	"github.com/taphoa39/taphoa-backend/internal/customers"
	"github.com/taphoa39/taphoa-backend/internal/inventory"
	"github.com/taphoa39/taphoa-backend/internal/invoices"
	"github.com/taphoa39/taphoa-backend/internal/notifications"
	"github.com/taphoa39/taphoa-backend/internal/products"
	"github.com/taphoa39/taphoa-backend/internal/reconcile"
	"github.com/taphoa39/taphoa-backend/internal/sales"
	"github.com/taphoa39/taphoa-backend/internal/salesfacts"
	"github.com/taphoa39/taphoa-backend/internal/summaries"
	"github.com/taphoa39/taphoa-backend/internal/syncruns"
	pkgbigquery "github.com/taphoa39/taphoa-backend/pkg/bigquery"
	"github.com/taphoa39/taphoa-backend/pkg/cache"
	"github.com/taphoa39/taphoa-backend/pkg/config"
	"github.com/taphoa39/taphoa-backend/pkg/db"
	"github.com/taphoa39/taphoa-backend/pkg/firestore"
	"github.com/taphoa39/taphoa-backend/pkg/kiotviet"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
	"github.com/taphoa39/taphoa-backend/pkg/metrics"
	"github.com/taphoa39/taphoa-backend/pkg/migrate"
	"github.com/taphoa39/taphoa-backend/pkg/pubsub"
	"github.com/taphoa39/taphoa-backend/pkg/redis"
	"github.com/taphoa39/taphoa-backend/pkg/storage/gcs"
)

const closeTimeout = 10 * time.Second

// App is the wired domain. Redis, GCS, BigQuery and Pub/Sub are nil when not
// configured.
type App struct {
	Config *config.Config
	Logger *logger.Logger

	DB        *db.Client
	Redis     *redis.Client
	Firestore *firestore.Accounts
	PubSub    *pubsub.Client
	GCS       *gcs.Client
	BigQuery  *pkgbigquery.Client

	Notifier     *notifications.Dispatcher
	EventMetrics *metrics.EventMetrics
	Runs         *syncruns.Repository

	Products     products.Service
	ProductSync  *products.Syncer
	Decrementer  *products.Decrementer
	Customers    customers.Service
	CustomerSync *customers.Syncer
	Invoices     invoices.Service
	Orders       invoices.Service
	Summaries    summaries.Service
	Pipeline     *sales.Pipeline
	Facts        *salesfacts.Writer

	closers []func(ctx context.Context) error
}

// Build dials every backing service and wires the domain. On failure every
// connection opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, logg *logger.Logger, reg prometheus.Registerer) (*App, error) {
	a := &App{Config: cfg, Logger: logg}
	if err := a.dial(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.wire(reg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) dial(ctx context.Context) error {
	cfg, logg := a.Config, a.Logger

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("bootstrap database: %w", err)
	}
	a.DB = dbClient
	a.onClose(func(context.Context) error { return dbClient.Close() })

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return fmt.Errorf("dev migrations: %w", err)
	}
	if err := syncruns.EnsureLocalSchema(dbClient); err != nil {
		return fmt.Errorf("local sync run schema: %w", err)
	}

	if cfg.Redis.Enabled() {
		redisClient, err := redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			return fmt.Errorf("bootstrap redis: %w", err)
		}
		a.Redis = redisClient
		a.onClose(func(context.Context) error { return redisClient.Close() })
	}

	projectID := cfg.Firestore.ProjectID
	if projectID == "" {
		projectID = cfg.GCP.ProjectID
	}
	accounts, err := firestore.NewAccounts(ctx, projectID, cfg.Firestore.Accounts(), logg)
	if err != nil {
		return fmt.Errorf("bootstrap firestore: %w", err)
	}
	a.Firestore = accounts
	a.onClose(func(context.Context) error { return accounts.Close() })

	if strings.TrimSpace(cfg.GCS.SnapshotBucket) != "" {
		gcsClient, err := gcs.NewClient(ctx, cfg.GCS, cfg.GCP, logg)
		if err != nil {
			return fmt.Errorf("bootstrap gcs: %w", err)
		}
		a.GCS = gcsClient
		a.onClose(func(context.Context) error { return gcsClient.Close() })
	}

	if strings.TrimSpace(cfg.BigQuery.Dataset) != "" && strings.TrimSpace(cfg.BigQuery.SalesTable) != "" {
		bq, err := pkgbigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg, salesfacts.TableSpec(cfg.BigQuery.SalesTable))
		if err != nil {
			return fmt.Errorf("bootstrap bigquery: %w", err)
		}
		a.BigQuery = bq
		a.onClose(func(context.Context) error { return bq.Close() })
	}

	if strings.TrimSpace(cfg.PubSub.InventorySubscription) != "" {
		ps, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			return fmt.Errorf("bootstrap pubsub: %w", err)
		}
		a.PubSub = ps
		a.onClose(func(context.Context) error { return ps.Close() })
	}
	return nil
}

func (a *App) wire(reg prometheus.Registerer) error {
	cfg, logg := a.Config, a.Logger

	productStore, err := a.Firestore.Store(config.AccountProducts)
	if err != nil {
		return err
	}
	customerStore, err := a.Firestore.Store(config.AccountCustomers)
	if err != nil {
		return err
	}
	invoiceStore, err := a.Firestore.Store(config.AccountInvoices)
	if err != nil {
		return err
	}

	a.EventMetrics = metrics.NewEventMetrics(reg)
	params := notifications.DispatcherParams{Logger: logg, Metrics: a.EventMetrics}
	if a.PubSub != nil && strings.TrimSpace(cfg.PubSub.NotificationTopic) != "" {
		publisher, err := notifications.NewPubSubPublisher(a.PubSub.NotificationPublisher())
		if err != nil {
			return err
		}
		params.Publisher = publisher
	}
	a.Notifier = notifications.NewDispatcher(params)
	dispatcher := a.Notifier
	a.onClose(func(context.Context) error {
		dispatcher.Close()
		return nil
	})

	loader := cache.NewLoader(a.newCache(), logg)

	a.Products, err = products.NewService(products.ServiceParams{
		Store:    productStore,
		Loader:   loader,
		Notifier: a.Notifier,
		Logger:   logg,
		TTL:      cfg.Cache.DefaultTTL,
	})
	if err != nil {
		return err
	}
	a.Decrementer, err = products.NewDecrementer(productStore, a.Products, a.Notifier, logg)
	if err != nil {
		return err
	}

	a.Invoices, err = invoices.NewService(invoices.ServiceParams{Kind: invoices.KindInvoice, Store: invoiceStore, Loader: loader, Logger: logg, TTL: cfg.Cache.InvoicesTTL})
	if err != nil {
		return err
	}
	a.Orders, err = invoices.NewService(invoices.ServiceParams{Kind: invoices.KindOrder, Store: invoiceStore, Loader: loader, Logger: logg, TTL: cfg.Cache.InvoicesTTL})
	if err != nil {
		return err
	}

	a.Summaries, err = summaries.NewService(summaries.ServiceParams{Store: invoiceStore, Invoices: a.Invoices, Notifier: a.Notifier, Logger: logg})
	if err != nil {
		return err
	}

	a.Customers, err = customers.NewService(customers.ServiceParams{
		Store:       customerStore,
		Invoices:    a.Invoices,
		Loader:      loader,
		Debt:        customers.NewDebtResolver(cfg.Debt),
		Notifier:    a.Notifier,
		Logger:      logg,
		TTL:         cfg.Cache.DefaultTTL,
		InvoicesTTL: cfg.Cache.InvoicesTTL,
	})
	if err != nil {
		return err
	}

	adjuster, err := inventory.NewAdjuster(a.Products, logg)
	if err != nil {
		return err
	}

	pipelineParams := sales.PipelineParams{
		Invoices:  a.Invoices,
		Orders:    a.Orders,
		Inventory: adjuster,
		Summaries: a.Summaries,
		Customers: a.Customers,
		Notifier:  a.Notifier,
		Logger:    logg,
	}
	if a.BigQuery != nil {
		a.Facts, err = salesfacts.New(a.BigQuery, salesfacts.Config{Table: cfg.BigQuery.SalesTable, BatchSize: cfg.BigQuery.BatchSize})
		if err != nil {
			return err
		}
		pipelineParams.Facts = a.Facts
		a.onClose(a.Facts.Flush)
	}
	a.Pipeline, err = sales.NewPipeline(pipelineParams)
	if err != nil {
		return err
	}

	return a.wireSync(reg, productStore, customerStore)
}

func (a *App) wireSync(reg prometheus.Registerer, productStore, customerStore firestore.Store) error {
	cfg, logg := a.Config, a.Logger

	opts := []kiotviet.Option{kiotviet.WithLogger(logg)}
	if a.GCS != nil {
		opts = append(opts, kiotviet.WithArchiver(a.GCS))
	}
	remote, err := kiotviet.NewClient(cfg.KiotViet, opts...)
	if err != nil {
		return fmt.Errorf("kiotviet client: %w", err)
	}

	a.Runs = syncruns.NewRepository(a.DB)
	syncMetrics := metrics.NewSyncMetrics(reg)

	productEngine, err := reconcile.NewEngine(reconcile.Params{Store: productStore, Runs: a.Runs, Metrics: syncMetrics, Logger: logg, BatchSize: cfg.Sync.BatchSize})
	if err != nil {
		return err
	}
	customerEngine, err := reconcile.NewEngine(reconcile.Params{Store: customerStore, Runs: a.Runs, Metrics: syncMetrics, Logger: logg, BatchSize: cfg.Sync.BatchSize})
	if err != nil {
		return err
	}

	a.ProductSync, err = products.NewSyncer(productEngine, remote, a.Products, a.Notifier)
	if err != nil {
		return err
	}
	a.CustomerSync, err = customers.NewSyncer(customerEngine, remote, a.Customers, a.Notifier)
	return err
}

func (a *App) newCache() cache.Cache {
	cfg := a.Config.Cache
	if strings.EqualFold(strings.TrimSpace(cfg.Backend), config.CacheBackendRedis) && a.Redis != nil {
		return cache.NewRedis(a.Redis, cfg.DefaultTTL)
	}
	return cache.NewMemory(cfg.Size, cfg.DefaultTTL)
}

// Scheduler registers the periodic jobs. Sync jobs run every cycle and the
// aggregate refresh runs on its own slower cadence. Without redis the lock is
// process local.
func (a *App) Scheduler(reg prometheus.Registerer) (*cron.Service, error) {
	cfg := a.Config

	catalog, err := cron.NewCatalogSyncJob(a.ProductSync)
	if err != nil {
		return nil, err
	}
	customerSync, err := cron.NewCustomerSyncJob(a.CustomerSync)
	if err != nil {
		return nil, err
	}
	aggregates, err := cron.NewCustomerAggregateJob(a.Customers, a.Logger)
	if err != nil {
		return nil, err
	}
	rollup, err := cron.NewSummaryRollupJob(a.Summaries, time.Now)
	if err != nil {
		return nil, err
	}
	registry := cron.NewRegistry(
		catalog,
		customerSync,
		cron.Every(aggregates, cfg.Sync.CustomerRefreshInterval),
		rollup,
	)

	var lock cron.Lock = cron.NewLocalLock()
	if a.Redis != nil {
		env := cfg.App.Env
		if env == "" {
			env = "local"
		}
		redisLock, err := cron.NewRedisLock(a.Redis, "scheduler:"+env, cfg.Sync.LockTTL)
		if err != nil {
			return nil, err
		}
		lock = redisLock
	}

	return cron.NewService(cron.ServiceParams{
		Logger:   a.Logger,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(reg),
		Interval: cfg.Sync.Interval,
	})
}

func (a *App) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	if a == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	if errs != nil && a.Logger != nil {
		a.Logger.Error(ctx, "error releasing resources", errs)
	}
}
