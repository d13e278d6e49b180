package products

import (
	"context"
	"fmt"

	"github.com/taphoa39/taphoa-backend/internal/notifications"
	"github.com/taphoa39/taphoa-backend/internal/reconcile"
	"github.com/taphoa39/taphoa-backend/pkg/enums"
)

// Fetcher returns the full remote product catalog.
type Fetcher interface {
	FetchProducts(ctx context.Context) ([]map[string]any, error)
}

// Syncer reconciles the product mirror against the remote catalog.
type Syncer struct {
	engine   *reconcile.Engine
	fetcher  Fetcher
	service  Service
	notifier notifications.Sink
}

func NewSyncer(engine *reconcile.Engine, fetcher Fetcher, service Service, notifier notifications.Sink) (*Syncer, error) {
	if engine == nil {
		return nil, fmt.Errorf("reconcile engine required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("product fetcher required")
	}
	if service == nil {
		return nil, fmt.Errorf("product service required")
	}
	if notifier == nil {
		notifier = notifications.NopSink{}
	}
	return &Syncer{engine: engine, fetcher: fetcher, service: service, notifier: notifier}, nil
}

// Sync runs one reconciliation. trigger is recorded on the run ledger.
func (s *Syncer) Sync(ctx context.Context, trigger string) *reconcile.Result {
	result := s.engine.Run(ctx, reconcile.Job{
		Resource:   enums.SyncResourceProducts,
		Collection: Collection,
		Trigger:    trigger,
		Fetch:      s.fetcher.FetchProducts,
		Normalize:  normalize,
		Invalidate: func(ctx context.Context, ids []string) {
			s.service.Invalidate(ctx, ids...)
		},
	})
	if result.Success {
		s.notifier.Emit(ctx, enums.EventProductsSynced, result.Stats)
	}
	return result
}

func normalize(raw map[string]any) (reconcile.Item, error) {
	p, err := FromRecord(raw)
	if err != nil {
		return reconcile.Item{}, err
	}
	return reconcile.Item{
		ID:       p.DocID(),
		Doc:      p.Document(),
		Inactive: !p.IsActive,
		Deleted:  p.IsDeleted,
	}, nil
}
