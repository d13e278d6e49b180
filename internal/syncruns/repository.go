// Package syncruns records reconciliation runs so operators can see when the
// mirror last converged and why a run failed.
package syncruns

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/taphoa39/taphoa-backend/pkg/db"
	"github.com/taphoa39/taphoa-backend/pkg/enums"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
)

const runningIndex = "idx_sync_runs_one_running_per_resource"

const (
	TriggerManual = "manual"
	TriggerCron   = "cron"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Repository persists sync runs.
type Repository struct {
	db  *gorm.DB
	txn txRunner
	now func() time.Time
}

// NewRepository binds the repository to the shared database client.
func NewRepository(client *db.Client) *Repository {
	return &Repository{db: client.DB(), txn: client, now: time.Now}
}

// EnsureLocalSchema creates the ledger table on sqlite connections, which do
// not run the postgres migrations. It is a no-op for postgres.
func EnsureLocalSchema(client *db.Client) error {
	if !client.IsSQLite() {
		return nil
	}
	conn := client.DB()
	if err := conn.AutoMigrate(&Run{}); err != nil {
		return err
	}
	return conn.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS " + runningIndex + " ON sync_runs (resource) WHERE status = 'running'",
	).Error
}

// Start opens a run. Only one run per resource may be running at a time; a
// second Start while one is open fails with CONFLICT.
func (r *Repository) Start(ctx context.Context, resource enums.SyncResource, trigger string) (*Run, error) {
	if trigger == "" {
		trigger = TriggerManual
	}
	run := &Run{
		ID:        uuid.New(),
		Resource:  resource,
		Trigger:   trigger,
		Status:    enums.SyncRunRunning,
		StartedAt: r.now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		if db.IsUniqueViolation(err, runningIndex) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "a sync run is already in progress").
				WithDetails(map[string]any{"resource": resource})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create sync run")
	}
	return run, nil
}

// Finish closes a running run with its outcome.
func (r *Repository) Finish(ctx context.Context, id uuid.UUID, outcome Outcome) (*Run, error) {
	var finished Run
	err := r.txn.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&finished).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "sync run not found")
			}
			return err
		}
		if finished.Status.IsTerminal() {
			return pkgerrors.New(pkgerrors.CodeConflict, "sync run already finished")
		}
		applyOutcome(&finished, outcome, r.now().UTC())
		return tx.Save(&finished).Error
	})
	if err != nil {
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "finish sync run")
	}
	return &finished, nil
}

// Recent lists the latest runs for resource, newest first. An empty resource
// lists every resource.
func (r *Repository) Recent(ctx context.Context, resource enums.SyncResource, limit int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q := r.db.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if resource != "" {
		q = q.Where("resource = ?", resource)
	}
	var runs []Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list sync runs")
	}
	return runs, nil
}

func applyOutcome(run *Run, outcome Outcome, finishedAt time.Time) {
	run.Status = enums.SyncRunSucceeded
	if !outcome.Success {
		run.Status = enums.SyncRunFailed
	}
	run.TotalRemote = outcome.TotalRemote
	run.UpdatedOrCreated = outcome.UpdatedOrCreated
	run.Unchanged = outcome.Unchanged
	run.InactiveIncluded = outcome.InactiveIncluded
	run.DeletedIncluded = outcome.DeletedIncluded
	run.DurationMS = outcome.Duration.Milliseconds()
	if outcome.Error != "" {
		msg := outcome.Error
		run.Error = &msg
	}
	if outcome.ErrorType != "" {
		kind := outcome.ErrorType
		run.ErrorType = &kind
	}
	run.FinishedAt = &finishedAt
}
