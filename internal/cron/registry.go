package cron

import (
	"context"
	"time"
)

// Job is a scheduled task run by the cron worker.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Cadenced jobs run at most once per Every, even when the service ticks
// more often.
type Cadenced interface {
	Every() time.Duration
}

// Registry tracks registered cron jobs in registration order.
type Registry struct {
	jobs []Job
}

func NewRegistry(jobs ...Job) *Registry {
	registry := &Registry{}
	for _, job := range jobs {
		registry.Register(job)
	}
	return registry
}

func (r *Registry) Register(job Job) {
	if job == nil {
		return
	}
	r.jobs = append(r.jobs, job)
}

// Jobs returns a copy of the registered jobs.
func (r *Registry) Jobs() []Job {
	jobs := make([]Job, len(r.jobs))
	copy(jobs, r.jobs)
	return jobs
}

// Lookup finds a job by name.
func (r *Registry) Lookup(name string) (Job, bool) {
	for _, job := range r.jobs {
		if job.Name() == name {
			return job, true
		}
	}
	return nil, false
}

type cadencedJob struct {
	Job
	every time.Duration
}

func (c cadencedJob) Every() time.Duration { return c.every }

// Every wraps job so the service spaces its runs by at least d.
func Every(job Job, d time.Duration) Job {
	if job == nil || d <= 0 {
		return job
	}
	return cadencedJob{Job: job, every: d}
}
