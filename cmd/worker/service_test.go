package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taphoa39/taphoa-backend/internal/app"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
)

type fakeConsumer struct {
	err   error
	block bool
	runs  int
}

func (f *fakeConsumer) Run(ctx context.Context) error {
	f.runs++
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func TestNewServiceRequiresConsumer(t *testing.T) {
	if _, err := NewService(ServiceParams{Logger: logger.Nop(), Domain: &app.App{}}); err == nil {
		t.Fatal("expected error without consumer")
	}
}

func TestServiceRunReturnsConsumerError(t *testing.T) {
	want := errors.New("subscription gone")
	consumer := &fakeConsumer{err: want}
	svc, err := NewService(ServiceParams{Logger: logger.Nop(), Domain: &app.App{}, Consumer: consumer})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Run(context.Background()); !errors.Is(err, want) {
		t.Fatalf("expected consumer error, got %v", err)
	}
}

func TestServiceRunStopsOnFailedReadiness(t *testing.T) {
	consumer := &fakeConsumer{}
	svc := &Service{
		logg:     logger.Nop(),
		consumer: consumer,
		checks: []dependencyCheck{{
			name: "redis",
			ping: func(context.Context) error { return errors.New("connection refused") },
		}},
	}
	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("expected readiness error")
	}
	if consumer.runs != 0 {
		t.Fatal("consumer should not start before dependencies are ready")
	}
}

func TestServiceRunHonoursCancellation(t *testing.T) {
	consumer := &fakeConsumer{block: true}
	svc, err := NewService(ServiceParams{Logger: logger.Nop(), Domain: &app.App{}, Consumer: consumer})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := svc.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
