// Package reconcile mirrors a remote collection into the document store by
// comparing content checksums. A run moves through
// FETCH_LOCAL_CHECKSUMS, FETCH_REMOTE, DIFF and APPLY_BATCHES; the first
// failing phase aborts it. Batches already committed stay applied.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taphoa39/taphoa-backend/internal/checksum"
	"github.com/taphoa39/taphoa-backend/internal/syncruns"
	"github.com/taphoa39/taphoa-backend/pkg/enums"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/firestore"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
	"github.com/taphoa39/taphoa-backend/pkg/metrics"
)

const (
	PhaseChecksumFetch = "checksum_fetch"
	PhaseAPIFetch      = "api_fetch"
	PhaseCompare       = "compare"
	PhaseUpdate        = "update"
)

// Marker fields written next to the checksum on mirrored documents.
const (
	FieldStoreForIndexedDB = "StoreForIndexedDB"
	FieldKiotVietDeleted   = "KiotVietDeleted"
)

// Item is one normalized remote record.
type Item struct {
	ID       string
	Doc      map[string]any
	Inactive bool
	Deleted  bool
}

// Job describes one mirrored resource.
type Job struct {
	Resource   enums.SyncResource
	Collection string
	Trigger    string
	Fetch      func(ctx context.Context) ([]map[string]any, error)
	// Normalize maps a raw record onto its stored form. Records it rejects are
	// counted as skipped and left out of the run.
	Normalize func(raw map[string]any) (Item, error)
	// Invalidate runs after the last batch with every written id.
	Invalidate func(ctx context.Context, ids []string)
}

// RunRecorder persists the run in the sync ledger.
type RunRecorder interface {
	Start(ctx context.Context, resource enums.SyncResource, trigger string) (*syncruns.Run, error)
	Finish(ctx context.Context, id uuid.UUID, outcome syncruns.Outcome) (*syncruns.Run, error)
}

type Breakdown struct {
	ChecksumFetch float64 `json:"checksum_fetch"`
	APIFetch      float64 `json:"api_fetch"`
	Compare       float64 `json:"compare"`
	Update        float64 `json:"update"`
}

type Stats struct {
	TotalAPIItems    int       `json:"total_api_items"`
	UpdatedOrCreated int       `json:"updated_or_created"`
	Unchanged        int       `json:"unchanged"`
	InactiveIncluded int       `json:"inactive_included"`
	DeletedIncluded  int       `json:"deleted_included"`
	Skipped          int       `json:"skipped"`
	TotalTimeSeconds float64   `json:"total_time_seconds"`
	Breakdown        Breakdown `json:"breakdown"`
}

// Result is the structured report of a run. Failures never surface as errors.
type Result struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message"`
	Error     string     `json:"error,omitempty"`
	ErrorType string     `json:"error_type,omitempty"`
	RunID     *uuid.UUID `json:"run_id,omitempty"`
	Stats     *Stats     `json:"stats,omitempty"`
	// UpdatedIDs lists the documents written by this run.
	UpdatedIDs []string `json:"-"`
}

type Params struct {
	Store   firestore.Store
	Runs    RunRecorder
	Metrics *metrics.SyncMetrics
	Logger  *logger.Logger
	Retry   firestore.RetryPolicy
	// BatchSize is capped at firestore.MaxBatchWrites.
	BatchSize int
}

type Engine struct {
	store     firestore.Store
	runs      RunRecorder
	metrics   *metrics.SyncMetrics
	logg      *logger.Logger
	retry     firestore.RetryPolicy
	batchSize int
	now       func() time.Time
}

func NewEngine(params Params) (*Engine, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("reconcile store required")
	}
	e := &Engine{
		store:     params.Store,
		runs:      params.Runs,
		metrics:   params.Metrics,
		logg:      params.Logger,
		retry:     params.Retry,
		batchSize: params.BatchSize,
		now:       time.Now,
	}
	if e.logg == nil {
		e.logg = logger.Nop()
	}
	if e.retry.Attempts <= 0 {
		e.retry = firestore.QuotaPolicy
	}
	if e.batchSize <= 0 || e.batchSize > firestore.MaxBatchWrites {
		e.batchSize = firestore.MaxBatchWrites
	}
	return e, nil
}

type phaseError struct {
	phase string
	err   error
}

func (p *phaseError) Error() string { return p.phase + ": " + p.err.Error() }

func (p *phaseError) Unwrap() error { return p.err }

// Run executes one reconciliation of job.
func (e *Engine) Run(ctx context.Context, job Job) *Result {
	resource := string(job.Resource)
	ctx = e.logg.WithField(ctx, "resource", resource)

	var runID *uuid.UUID
	if e.runs != nil {
		run, err := e.runs.Start(ctx, job.Resource, job.Trigger)
		if err != nil {
			e.metrics.IncRun(resource, "rejected")
			return failure(err)
		}
		runID = &run.ID
		ctx = e.logg.WithSyncRunID(ctx, run.ID.String())
	}

	started := e.now()
	stats, ids, err := e.run(ctx, job)
	elapsed := e.now().Sub(started)

	var result *Result
	if err != nil {
		result = failure(err)
		result.Stats = stats
		e.metrics.IncRun(resource, string(enums.SyncRunFailed))
		e.logg.Error(ctx, "reconciliation run failed", err)
	} else {
		stats.TotalTimeSeconds = round3(elapsed.Seconds())
		result = &Result{Success: true, Message: fmt.Sprintf("%s sync completed", resource), Stats: stats, UpdatedIDs: ids}
		e.metrics.IncRun(resource, string(enums.SyncRunSucceeded))
		e.metrics.AddItems(resource, metrics.OutcomeUpserted, stats.UpdatedOrCreated)
		e.metrics.AddItems(resource, metrics.OutcomeUnchanged, stats.Unchanged)
		e.metrics.AddItems(resource, metrics.OutcomeInactive, stats.InactiveIncluded)
		e.metrics.AddItems(resource, metrics.OutcomeDeleted, stats.DeletedIncluded)
		e.logg.Info(e.logg.WithFields(ctx, map[string]any{
			"total_api_items":    stats.TotalAPIItems,
			"updated_or_created": stats.UpdatedOrCreated,
			"unchanged":          stats.Unchanged,
		}), "reconciliation run completed")
	}
	result.RunID = runID

	if runID != nil {
		outcome := syncruns.Outcome{Success: result.Success, Duration: elapsed, Error: result.Error, ErrorType: result.ErrorType}
		if stats != nil {
			outcome.TotalRemote = stats.TotalAPIItems
			outcome.UpdatedOrCreated = stats.UpdatedOrCreated
			outcome.Unchanged = stats.Unchanged
			outcome.InactiveIncluded = stats.InactiveIncluded
			outcome.DeletedIncluded = stats.DeletedIncluded
		}
		// The ledger write must not be lost to a cancelled request.
		if _, err := e.runs.Finish(context.WithoutCancel(ctx), *runID, outcome); err != nil {
			e.logg.Error(ctx, "failed to finish sync run", err)
		}
	}
	return result
}

func (e *Engine) run(ctx context.Context, job Job) (*Stats, []string, error) {
	resource := string(job.Resource)
	stats := &Stats{}

	phase := e.now()
	local, err := e.localChecksums(ctx, job.Collection)
	if err != nil {
		return stats, nil, &phaseError{phase: PhaseChecksumFetch, err: err}
	}
	stats.Breakdown.ChecksumFetch = e.observe(resource, PhaseChecksumFetch, phase)

	phase = e.now()
	raws, err := job.Fetch(ctx)
	if err != nil {
		return stats, nil, &phaseError{phase: PhaseAPIFetch, err: err}
	}
	stats.TotalAPIItems = len(raws)
	stats.Breakdown.APIFetch = e.observe(resource, PhaseAPIFetch, phase)

	phase = e.now()
	stamp := e.now().UTC().Format(time.RFC3339Nano)
	var changed []Item
	for _, raw := range raws {
		item, err := job.Normalize(raw)
		if err != nil {
			stats.Skipped++
			continue
		}
		if item.Deleted {
			stats.DeletedIncluded++
		}
		if item.Inactive {
			stats.InactiveIncluded++
		}
		sum := checksum.Checksum(item.Doc)
		if prev, ok := local[item.ID]; ok && prev == sum {
			stats.Unchanged++
			continue
		}
		item.Doc[checksum.FieldChecksum] = sum
		item.Doc[checksum.FieldTimestamp] = stamp
		if item.Inactive {
			item.Doc[FieldStoreForIndexedDB] = true
		}
		if item.Deleted {
			item.Doc[FieldKiotVietDeleted] = true
		}
		changed = append(changed, item)
	}
	stats.Breakdown.Compare = e.observe(resource, PhaseCompare, phase)

	phase = e.now()
	ids := make([]string, 0, len(changed))
	var staged []string
	batch := e.store.Batch()
	flush := func() error {
		if err := firestore.CommitWithQuotaRetry(ctx, e.retry, batch); err != nil {
			return err
		}
		ids = append(ids, staged...)
		staged = staged[:0]
		batch = e.store.Batch()
		return nil
	}
	for _, item := range changed {
		if batch.Len() >= e.batchSize {
			if err := flush(); err != nil {
				return e.abortUpdate(ctx, job, stats, ids, err)
			}
		}
		if err := batch.Set(job.Collection, item.ID, item.Doc, true); err != nil {
			return e.abortUpdate(ctx, job, stats, ids, err)
		}
		staged = append(staged, item.ID)
	}
	if err := flush(); err != nil {
		return e.abortUpdate(ctx, job, stats, ids, err)
	}
	stats.UpdatedOrCreated = len(ids)
	stats.Breakdown.Update = e.observe(resource, PhaseUpdate, phase)
	e.invalidate(ctx, job, ids)
	return stats, ids, nil
}

// abortUpdate reports the batches that did commit before the failure.
func (e *Engine) abortUpdate(ctx context.Context, job Job, stats *Stats, ids []string, err error) (*Stats, []string, error) {
	stats.UpdatedOrCreated = len(ids)
	e.invalidate(ctx, job, ids)
	return stats, ids, &phaseError{phase: PhaseUpdate, err: err}
}

func (e *Engine) localChecksums(ctx context.Context, collection string) (map[string]string, error) {
	docs, err := e.store.Select(ctx, collection, checksum.FieldChecksum)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(docs))
	for _, doc := range docs {
		if sum, ok := doc.Data[checksum.FieldChecksum].(string); ok {
			out[doc.ID] = sum
		}
	}
	return out, nil
}

func (e *Engine) invalidate(ctx context.Context, job Job, ids []string) {
	if job.Invalidate != nil {
		job.Invalidate(ctx, ids)
	}
}

func (e *Engine) observe(resource, phase string, started time.Time) float64 {
	d := e.now().Sub(started)
	e.metrics.ObservePhase(resource, phase, d)
	return round3(d.Seconds())
}

func failure(err error) *Result {
	errType := string(pkgerrors.CodeInternal)
	if typed := pkgerrors.As(pkgerrors.FromGRPC(err, "reconcile")); typed != nil {
		errType = string(typed.Code())
	}
	return &Result{
		Success:   false,
		Message:   "Sync failed",
		Error:     err.Error(),
		ErrorType: errType,
	}
}

func round3(f float64) float64 {
	return float64(int64(f*1000+0.5)) / 1000
}
