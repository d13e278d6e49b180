package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taphoa39/taphoa-backend/internal/app"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
)

const heartbeatInterval = 30 * time.Second

type consumer interface {
	Run(ctx context.Context) error
}

type pingFunc func(context.Context) error

type ServiceParams struct {
	Logger   *logger.Logger
	Domain   *app.App
	Consumer consumer
}

type Service struct {
	logg     *logger.Logger
	consumer consumer
	checks   []dependencyCheck
}

type dependencyCheck struct {
	name string
	ping pingFunc
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Domain == nil {
		return nil, errors.New("domain is required")
	}
	if params.Consumer == nil {
		return nil, errors.New("inventory consumer is required")
	}
	return &Service{
		logg:     params.Logger,
		consumer: params.Consumer,
		checks:   readinessChecks(params.Domain),
	}, nil
}

func readinessChecks(d *app.App) []dependencyCheck {
	var checks []dependencyCheck
	if d.DB != nil {
		checks = append(checks, dependencyCheck{"database", d.DB.Ping})
	}
	if d.Firestore != nil {
		checks = append(checks, dependencyCheck{"firestore", d.Firestore.Ping})
	}
	if d.Redis != nil {
		checks = append(checks, dependencyCheck{"redis", d.Redis.Ping})
	}
	if d.PubSub != nil {
		checks = append(checks, dependencyCheck{"pubsub", d.PubSub.Ping})
	}
	return checks
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	for _, check := range s.checks {
		if err := pingDependency(ctx, s.logg, check.name, check.ping); err != nil {
			return err
		}
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn pingFunc) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.consumer.Run(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "worker context canceled")
			return ctx.Err()
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logg.Error(ctx, "consumer stopped unexpectedly", err)
			}
			return err
		case <-ticker.C:
			s.logg.Debug(ctx, "worker.heartbeat")
		}
	}
}
