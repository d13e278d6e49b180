// Package invoices stores invoice and order documents. Every store call is
// retried on deadline-exceeded failures.
package invoices

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/taphoa39/taphoa-backend/pkg/cache"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/firestore"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
	"github.com/taphoa39/taphoa-backend/pkg/types"
)

// Kind selects the collection and cache keys a Service works on.
type Kind struct {
	Name       string
	Collection string
	ListKey    string
	ItemKey    func(id string) string
}

var (
	KindInvoice = Kind{Name: "invoice", Collection: Collection, ListKey: cache.KeyAllInvoices, ItemKey: cache.InvoiceKey}
	KindOrder   = Kind{Name: "order", Collection: OrderCollection, ListKey: cache.KeyAllOrders, ItemKey: cache.OrderKey}
)

// Service reads and writes invoice-like documents.
type Service interface {
	Kind() Kind
	Read(ctx context.Context, id string) (map[string]any, error)
	ReadAll(ctx context.Context) ([]map[string]any, error)
	Add(ctx context.Context, raw map[string]any) (string, error)
	Update(ctx context.Context, id string, updates map[string]any) error
	Delete(ctx context.Context, id string) error
	ByDate(ctx context.Context, date string) ([]map[string]any, error)
	// ByDateRange returns documents created between two YYYY-MM-DD days inclusive.
	ByDateRange(ctx context.Context, from, to string) ([]map[string]any, error)
	ByStatus(ctx context.Context, status string) ([]map[string]any, error)
	// ByField matches path against every value, ten values per query.
	ByField(ctx context.Context, path string, values []string) ([]map[string]any, error)
	Invalidate(ctx context.Context, ids ...string)
}

type ServiceParams struct {
	Kind   Kind
	Store  firestore.Store
	Loader *cache.Loader
	Logger *logger.Logger
	TTL    time.Duration
	Retry  firestore.RetryPolicy
}

type service struct {
	kind   Kind
	store  firestore.Store
	loader *cache.Loader
	logg   *logger.Logger
	ttl    time.Duration
	retry  firestore.RetryPolicy
}

func NewService(params ServiceParams) (Service, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("invoice store required")
	}
	if params.Kind.Collection == "" {
		params.Kind = KindInvoice
	}
	s := &service{
		kind:   params.Kind,
		store:  params.Store,
		loader: params.Loader,
		logg:   params.Logger,
		ttl:    params.TTL,
		retry:  params.Retry,
	}
	if s.logg == nil {
		s.logg = logger.Nop()
	}
	if s.ttl <= 0 {
		s.ttl = 300 * time.Second
	}
	if s.retry.Attempts <= 0 {
		s.retry = firestore.DeadlinePolicy
	}
	return s, nil
}

func (s *service) Kind() Kind { return s.kind }

func (s *service) Read(ctx context.Context, id string) (map[string]any, error) {
	if strings.TrimSpace(id) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, s.kind.Name+" id is required")
	}
	return cache.Fetch(ctx, s.loader, s.kind.ItemKey(id), s.ttl, func(ctx context.Context) (map[string]any, error) {
		var doc *firestore.Document
		err := s.withRetry(ctx, "read "+s.kind.Name+" "+id, func(ctx context.Context) error {
			var err error
			doc, err = s.store.Get(ctx, s.kind.Collection, id)
			return err
		})
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, s.kind.Name+" not found")
		}
		return doc.Data, nil
	})
}

func (s *service) ReadAll(ctx context.Context) ([]map[string]any, error) {
	return cache.Fetch(ctx, s.loader, s.kind.ListKey, s.ttl, func(ctx context.Context) ([]map[string]any, error) {
		var docs []firestore.Document
		err := s.withRetry(ctx, "list "+s.kind.Name+"s", func(ctx context.Context) error {
			var err error
			docs, err = s.store.All(ctx, s.kind.Collection)
			return err
		})
		if err != nil {
			return nil, err
		}
		return documents(docs), nil
	})
}

func (s *service) Add(ctx context.Context, raw map[string]any) (string, error) {
	if raw == nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, s.kind.Name+" must be an object")
	}
	id := types.FirstID(raw, "id", "Id")
	if id == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, s.kind.Name+" id is required")
	}
	err := s.withRetry(ctx, "add "+s.kind.Name+" "+id, func(ctx context.Context) error {
		return s.store.Set(ctx, s.kind.Collection, id, raw, false)
	})
	if err != nil {
		return "", err
	}
	s.Invalidate(ctx, id)
	return id, nil
}

func (s *service) Update(ctx context.Context, id string, updates map[string]any) error {
	if strings.TrimSpace(id) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, s.kind.Name+" id is required")
	}
	if len(updates) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "updates must be a non-empty object")
	}
	err := s.withRetry(ctx, "update "+s.kind.Name+" "+id, func(ctx context.Context) error {
		return s.store.Update(ctx, s.kind.Collection, id, updates)
	})
	if err != nil {
		return err
	}
	s.Invalidate(ctx, id)
	return nil
}

func (s *service) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, s.kind.Name+" id is required")
	}
	err := s.withRetry(ctx, "delete "+s.kind.Name+" "+id, func(ctx context.Context) error {
		return s.store.Delete(ctx, s.kind.Collection, id)
	})
	if err != nil {
		return err
	}
	s.Invalidate(ctx, id)
	return nil
}

func (s *service) ByDate(ctx context.Context, date string) ([]map[string]any, error) {
	return s.ByDateRange(ctx, date, date)
}

func (s *service) ByDateRange(ctx context.Context, from, to string) ([]map[string]any, error) {
	for _, d := range []string{from, to} {
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "date must be YYYY-MM-DD")
		}
	}
	start, _ := DayRange(from)
	_, end := DayRange(to)
	return s.query(ctx, "list "+s.kind.Name+"s by date",
		firestore.Gte("createdDate", start), firestore.Lte("createdDate", end))
}

func (s *service) ByStatus(ctx context.Context, status string) ([]map[string]any, error) {
	return s.query(ctx, "list "+s.kind.Name+"s by status", firestore.Eq("status", status))
}

func (s *service) ByField(ctx context.Context, path string, values []string) ([]map[string]any, error) {
	// Upstream ids arrive as numbers or strings, so numeric values match both.
	var clean []any
	for _, v := range values {
		if v = strings.TrimSpace(v); v == "" {
			continue
		}
		clean = append(clean, v)
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			clean = append(clean, n)
		}
	}
	var out []map[string]any
	for start := 0; start < len(clean); start += firestore.MaxInValues {
		end := min(start+firestore.MaxInValues, len(clean))
		chunk := clean[start:end]
		filter := firestore.In(path, chunk)
		if len(chunk) == 1 {
			filter = firestore.Eq(path, chunk[0])
		}
		docs, err := s.query(ctx, "list "+s.kind.Name+"s by "+path, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, docs...)
	}
	return out, nil
}

func (s *service) query(ctx context.Context, name string, filters ...firestore.Filter) ([]map[string]any, error) {
	var docs []firestore.Document
	err := s.withRetry(ctx, name, func(ctx context.Context) error {
		var err error
		docs, err = s.store.Query(ctx, s.kind.Collection, filters...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return documents(docs), nil
}

func (s *service) Invalidate(ctx context.Context, ids ...string) {
	keys := []string{s.kind.ListKey}
	for _, id := range ids {
		keys = append(keys, s.kind.ItemKey(id))
	}
	s.loader.Invalidate(ctx, keys...)
}

func (s *service) withRetry(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	err := firestore.RetryOnDeadline(ctx, s.retry, name, fn)
	if err == nil {
		return nil
	}
	if errors.Is(err, firestore.ErrNotFound) {
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, s.kind.Name+" not found")
	}
	return pkgerrors.FromGRPC(err, name)
}
