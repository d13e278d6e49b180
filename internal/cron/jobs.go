package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"

	"github.com/taphoa39/taphoa-backend/internal/customers"
	"github.com/taphoa39/taphoa-backend/internal/reconcile"
	"github.com/taphoa39/taphoa-backend/internal/summaries"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
)

const (
	JobCatalogSync        = "catalog_sync"
	JobCustomerSync       = "customer_sync"
	JobCustomerAggregates = "customer_aggregate_refresh"
	JobSummaryRollup      = "summary_rollup"

	cronTrigger = "cron"
)

// Syncer is satisfied by the product and customer reconcilers.
type Syncer interface {
	Sync(ctx context.Context, trigger string) *reconcile.Result
}

type syncJob struct {
	name   string
	syncer Syncer
}

func NewCatalogSyncJob(syncer Syncer) (Job, error) {
	return newSyncJob(JobCatalogSync, syncer)
}

func NewCustomerSyncJob(syncer Syncer) (Job, error) {
	return newSyncJob(JobCustomerSync, syncer)
}

func newSyncJob(name string, syncer Syncer) (Job, error) {
	if syncer == nil {
		return nil, fmt.Errorf("%s: syncer required", name)
	}
	return &syncJob{name: name, syncer: syncer}, nil
}

func (j *syncJob) Name() string { return j.name }

func (j *syncJob) Run(ctx context.Context) error {
	result := j.syncer.Sync(ctx, cronTrigger)
	if result == nil {
		return errors.New("sync returned no result")
	}
	if !result.Success {
		return fmt.Errorf("%s: %s", result.ErrorType, result.Error)
	}
	return nil
}

type refresher interface {
	RefreshAll(ctx context.Context) (*customers.RefreshResult, error)
}

type customerAggregateJob struct {
	customers refresher
	logg      *logger.Logger
}

// NewCustomerAggregateJob recomputes every customer's totals from invoice
// history, repairing drift left by failed incremental updates.
func NewCustomerAggregateJob(svc refresher, logg *logger.Logger) (Job, error) {
	if svc == nil {
		return nil, fmt.Errorf("customer service required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &customerAggregateJob{customers: svc, logg: logg}, nil
}

func (j *customerAggregateJob) Name() string { return JobCustomerAggregates }

func (j *customerAggregateJob) Run(ctx context.Context) error {
	res, err := j.customers.RefreshAll(ctx)
	if err != nil {
		return err
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"updated":  len(res.Updated),
		"failures": len(res.Failures),
	}), "customer aggregates refreshed")
	if len(res.Failures) == 0 {
		return nil
	}
	ids := make([]string, 0, len(res.Failures))
	for id := range res.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var errs error
	for _, id := range ids {
		errs = multierr.Append(errs, fmt.Errorf("customer %s: %s", id, res.Failures[id]))
	}
	return errs
}

type rollup interface {
	RecomputeDaily(ctx context.Context, date string) (*summaries.Summary, error)
	RecomputeMonthly(ctx context.Context, year, month int) (*summaries.Summary, error)
	RecomputeYearly(ctx context.Context, year int) (*summaries.Summary, error)
}

type summaryRollupJob struct {
	summaries rollup
	now       func() time.Time
}

// NewSummaryRollupJob rebuilds yesterday's and today's day buckets and then
// the month and year buckets containing them.
func NewSummaryRollupJob(svc rollup, now func() time.Time) (Job, error) {
	if svc == nil {
		return nil, fmt.Errorf("summary service required")
	}
	if now == nil {
		now = time.Now
	}
	return &summaryRollupJob{summaries: svc, now: now}, nil
}

func (j *summaryRollupJob) Name() string { return JobSummaryRollup }

func (j *summaryRollupJob) Run(ctx context.Context) error {
	today := j.now().UTC()
	days := []time.Time{today.AddDate(0, 0, -1), today}

	var errs error
	for _, d := range days {
		if _, err := j.summaries.RecomputeDaily(ctx, d.Format(time.DateOnly)); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	months := map[string]bool{}
	years := map[int]bool{}
	for _, d := range days {
		key := d.Format("2006-01")
		if !months[key] {
			months[key] = true
			if _, err := j.summaries.RecomputeMonthly(ctx, d.Year(), int(d.Month())); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	for _, d := range days {
		if !years[d.Year()] {
			years[d.Year()] = true
			if _, err := j.summaries.RecomputeYearly(ctx, d.Year()); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}
