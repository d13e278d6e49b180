package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
	"github.com/taphoa39/taphoa-backend/pkg/metrics"
)

const defaultInterval = 15 * time.Minute

// ServiceParams configure the cron service.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.CronJobMetrics
	Interval time.Duration
	Now      func() time.Time
}

// Service runs registered jobs on a fixed tick under a shared lock.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	metrics  *metrics.CronJobMetrics
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	lastRun map[string]time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lock == nil {
		return nil, fmt.Errorf("lock required")
	}
	registry := params.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		logg:     params.Logger,
		registry: registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		interval: interval,
		now:      now,
		lastRun:  make(map[string]time.Time),
	}, nil
}

// Run starts the cron loop until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.runCycle(ctx); err != nil {
		s.logg.Error(ctx, "scheduled run failed", err)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "cron service context canceled")
			return ctx.Err()
		case <-ticker.C:
			if err := s.runCycle(ctx); err != nil {
				s.logg.Error(ctx, "scheduled run failed", err)
			}
		}
	}
}

// Trigger runs one named job immediately under the lock, ignoring its
// cadence. It reports CONFLICT when another cycle holds the lock.
func (s *Service) Trigger(ctx context.Context, name string) error {
	job, ok := s.registry.Lookup(name)
	if !ok {
		return pkgerrors.New(pkgerrors.CodeNotFound, "unknown cron job "+name)
	}
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock acquire")
	}
	if !locked {
		s.metrics.IncSkipped()
		return pkgerrors.New(pkgerrors.CodeConflict, "another cron cycle is running")
	}
	defer s.release(ctx)
	return s.runJob(ctx, job)
}

func (s *Service) runCycle(ctx context.Context) error {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		s.metrics.IncSkipped()
		s.logg.Info(ctx, "another cron instance is running; skipping this cycle")
		return nil
	}
	defer s.release(ctx)

	s.logg.Info(ctx, "scheduled run starting")
	for _, job := range s.registry.Jobs() {
		if !s.due(job) {
			continue
		}
		_ = s.runJob(ctx, job)
	}
	s.logg.Info(ctx, "scheduled run complete")
	return nil
}

func (s *Service) release(ctx context.Context) {
	if err := s.lock.Release(ctx); err != nil {
		s.logg.Error(ctx, "failed to release cron lock", err)
	}
}

func (s *Service) due(job Job) bool {
	c, ok := job.(Cadenced)
	if !ok {
		return true
	}
	s.mu.Lock()
	last, seen := s.lastRun[job.Name()]
	s.mu.Unlock()
	return !seen || s.now().Sub(last) >= c.Every()
}

func (s *Service) runJob(ctx context.Context, job Job) error {
	jobCtx := s.logg.WithFields(ctx, map[string]any{"job": job.Name(), "event": "cron.job"})
	s.logg.Info(jobCtx, "job start")
	start := s.now()
	s.mu.Lock()
	s.lastRun[job.Name()] = start
	s.mu.Unlock()

	err := job.Run(jobCtx)
	duration := s.now().Sub(start)
	s.metrics.ObserveDuration(job.Name(), duration)
	jobCtx = s.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		s.logg.Error(jobCtx, "job failed", err)
		s.metrics.IncFailure(job.Name())
		return err
	}
	s.logg.Info(jobCtx, "job completed")
	s.metrics.IncSuccess(job.Name())
	return nil
}
