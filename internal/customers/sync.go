package customers

import (
	"context"
	"fmt"

	"github.com/taphoa39/taphoa-backend/internal/notifications"
	"github.com/taphoa39/taphoa-backend/internal/reconcile"
	"github.com/taphoa39/taphoa-backend/pkg/enums"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
)

// Upstream is the remote customer surface.
type Upstream interface {
	FetchCustomers(ctx context.Context) ([]map[string]any, error)
	CreateCustomer(ctx context.Context, customer map[string]any) (map[string]any, error)
}

// Syncer mirrors remote customers and pushes new ones upstream.
type Syncer struct {
	engine   *reconcile.Engine
	upstream Upstream
	service  Service
	notifier notifications.Sink
}

func NewSyncer(engine *reconcile.Engine, upstream Upstream, service Service, notifier notifications.Sink) (*Syncer, error) {
	if engine == nil {
		return nil, fmt.Errorf("reconcile engine required")
	}
	if upstream == nil {
		return nil, fmt.Errorf("customer upstream required")
	}
	if service == nil {
		return nil, fmt.Errorf("customer service required")
	}
	if notifier == nil {
		notifier = notifications.NopSink{}
	}
	return &Syncer{engine: engine, upstream: upstream, service: service, notifier: notifier}, nil
}

// Sync reconciles the customer mirror. Aggregate fields stay untouched since
// remote documents are merged without them.
func (s *Syncer) Sync(ctx context.Context, trigger string) *reconcile.Result {
	result := s.engine.Run(ctx, reconcile.Job{
		Resource:   enums.SyncResourceCustomers,
		Collection: Collection,
		Trigger:    trigger,
		Fetch:      s.upstream.FetchCustomers,
		Normalize:  normalize,
		Invalidate: func(ctx context.Context, ids []string) {
			s.service.Invalidate(ctx, ids...)
		},
	})
	if result.Success && len(result.UpdatedIDs) > 0 {
		s.notifier.Emit(ctx, enums.EventCustomersUpdated, result.Stats)
	}
	return result
}

// Create registers the customer remotely and stores the returned record.
func (s *Syncer) Create(ctx context.Context, customer map[string]any) (map[string]any, error) {
	if len(customer) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer payload is required")
	}
	created, err := s.upstream.CreateCustomer(ctx, customer)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create customer upstream")
	}
	item, err := normalize(created)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "upstream returned customer without id")
	}
	if _, err := s.service.Add(ctx, item.Doc); err != nil {
		return nil, err
	}
	return item.Doc, nil
}

func normalize(raw map[string]any) (reconcile.Item, error) {
	c, err := FromRecord(raw)
	if err != nil {
		return reconcile.Item{}, err
	}
	return reconcile.Item{
		ID:       c.Key,
		Doc:      c.Document(),
		Inactive: !c.IsActive,
		Deleted:  c.IsDeleted,
	}, nil
}
