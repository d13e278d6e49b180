package cron

import (
	"context"
	"testing"
	"time"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryStoresJobs(t *testing.T) {
	registry := NewRegistry(nil)
	jobA := &stubJob{name: JobCatalogSync}
	jobB := &stubJob{name: JobSummaryRollup}
	registry.Register(jobA)
	registry.Register(nil)
	registry.Register(jobB)
	jobs := registry.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0] != jobA || jobs[1] != jobB {
		t.Fatalf("jobs returned out of order")
	}
	jobs[0] = nil
	if registry.Jobs()[0] == nil {
		t.Fatalf("internal slice leaked")
	}
}

func TestRegistryLookup(t *testing.T) {
	registry := NewRegistry(Every(&stubJob{name: JobCustomerSync}, time.Hour))
	job, ok := registry.Lookup(JobCustomerSync)
	if !ok {
		t.Fatal("expected wrapped job to be found by name")
	}
	if c, ok := job.(Cadenced); !ok || c.Every() != time.Hour {
		t.Fatalf("expected cadence to survive registration, got %T", job)
	}
	if _, ok := registry.Lookup("missing"); ok {
		t.Fatal("unexpected job found")
	}
}

func TestEveryWithoutCadenceReturnsJob(t *testing.T) {
	job := &stubJob{name: "a"}
	if Every(job, 0) != Job(job) {
		t.Fatal("zero cadence must not wrap")
	}
}
