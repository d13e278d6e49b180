// Package products mirrors the KiotViet product catalog into the document
// store and owns every write to product documents.
package products

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taphoa39/taphoa-backend/internal/checksum"
	"github.com/taphoa39/taphoa-backend/internal/notifications"
	"github.com/taphoa39/taphoa-backend/pkg/cache"
	"github.com/taphoa39/taphoa-backend/pkg/enums"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/firestore"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
	"github.com/taphoa39/taphoa-backend/pkg/types"
)

const defaultTTL = 300 * time.Second

// Service exposes product mirror reads and writes.
type Service interface {
	ReadAll(ctx context.Context, opts ListOptions) ([]map[string]any, error)
	Read(ctx context.Context, id string) (map[string]any, error)
	Product(ctx context.Context, id string) (*Product, error)
	Add(ctx context.Context, raw map[string]any) (*AddResult, error)
	AddBatch(ctx context.Context, raws []any) (*BatchResult, error)
	Update(ctx context.Context, id string, updates map[string]any) (*UpdateResult, error)
	UpsertMany(ctx context.Context, groups map[string][]any) (*UpsertResult, error)
	Delete(ctx context.Context, id string) error
	GroupByMaster(ctx context.Context) (map[string]*Group, error)
	ByMaster(ctx context.Context, masterID string) ([]map[string]any, error)
	Variants(ctx context.Context, id string) (*Variants, error)
	AdjustOnHand(ctx context.Context, id string, fn func(current float64) float64) (*OnHandChange, error)
	Invalidate(ctx context.Context, ids ...string)
	InvalidateAll(ctx context.Context)
}

type ListOptions struct {
	IncludeInactive bool
	IncludeDeleted  bool
}

type AddResult struct {
	Message   string `json:"message"`
	ProductID string `json:"product_id,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
}

type BatchError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type BatchResult struct {
	Status         string       `json:"status"`
	Message        string       `json:"message"`
	AddedCount     int          `json:"added_count"`
	SkippedCount   int          `json:"skipped_count"`
	TotalRequested int          `json:"total_requested"`
	Errors         []BatchError `json:"errors,omitempty"`
	ErrorCount     int          `json:"error_count,omitempty"`
}

type UpdateResult struct {
	Message string `json:"message"`
	Removed bool   `json:"removed"`
}

type UpsertResult struct {
	Message string   `json:"message"`
	Updated []string `json:"updated"`
	Removed []string `json:"removed,omitempty"`
}

// Group is a master unit and the child units that convert into it.
type Group struct {
	Master   map[string]any   `json:"master"`
	Children []map[string]any `json:"children"`
}

type Variants struct {
	Master   map[string]any   `json:"master"`
	Variants []map[string]any `json:"variants"`
	Total    int              `json:"total"`
}

// OnHandChange reports one stock write.
type OnHandChange struct {
	ID        string  `json:"Id"`
	OldOnHand float64 `json:"old_OnHand"`
	NewOnHand float64 `json:"new_OnHand"`
}

type ServiceParams struct {
	Store    firestore.Store
	Loader   *cache.Loader
	Notifier notifications.Sink
	Logger   *logger.Logger
	TTL      time.Duration
	Retry    firestore.RetryPolicy
	Now      func() time.Time
}

type service struct {
	store    firestore.Store
	loader   *cache.Loader
	notifier notifications.Sink
	logg     *logger.Logger
	ttl      time.Duration
	retry    firestore.RetryPolicy
	now      func() time.Time
}

// NewService wires the product mirror.
func NewService(params ServiceParams) (Service, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("product store required")
	}
	if params.Loader == nil {
		return nil, fmt.Errorf("cache loader required")
	}
	svc := &service{
		store:    params.Store,
		loader:   params.Loader,
		notifier: params.Notifier,
		logg:     params.Logger,
		ttl:      params.TTL,
		retry:    params.Retry,
		now:      params.Now,
	}
	if svc.notifier == nil {
		svc.notifier = notifications.NopSink{}
	}
	if svc.logg == nil {
		svc.logg = logger.Nop()
	}
	if svc.ttl <= 0 {
		svc.ttl = defaultTTL
	}
	if svc.retry.Attempts <= 0 {
		svc.retry = firestore.QuotaPolicy
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	return svc, nil
}

func (s *service) ReadAll(ctx context.Context, opts ListOptions) ([]map[string]any, error) {
	key := cache.ProductListKey(opts.IncludeInactive, opts.IncludeDeleted)
	return cache.Fetch(ctx, s.loader, key, s.ttl, func(ctx context.Context) ([]map[string]any, error) {
		docs, err := s.store.All(ctx, Collection)
		if err != nil {
			return nil, pkgerrors.FromGRPC(err, "list products")
		}
		out := make([]map[string]any, 0, len(docs))
		for _, doc := range docs {
			active := types.ToBool(doc.Data["isActive"], true)
			deleted := types.ToBool(doc.Data["isDeleted"], false)
			if !opts.IncludeInactive && !active {
				continue
			}
			if !opts.IncludeDeleted && deleted {
				continue
			}
			out = append(out, doc.Data)
		}
		return out, nil
	})
}

func (s *service) Read(ctx context.Context, id string) (map[string]any, error) {
	if id == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}
	doc, err := cache.Fetch(ctx, s.loader, cache.ProductKey(id), s.ttl, func(ctx context.Context) (map[string]any, error) {
		doc, err := s.store.Get(ctx, Collection, id)
		if err != nil {
			return nil, pkgerrors.FromGRPC(err, "read product")
		}
		if doc == nil {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
		}
		return doc.Data, nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Product reads the canonical product straight from the store. Missing
// documents return nil without error.
func (s *service) Product(ctx context.Context, id string) (*Product, error) {
	doc, err := s.store.Get(ctx, Collection, id)
	if err != nil {
		return nil, pkgerrors.FromGRPC(err, "read product")
	}
	if doc == nil {
		return nil, nil
	}
	if types.FirstID(doc.Data, "Id", "id") == "" {
		doc.Data["Id"] = doc.ID
	}
	p, err := FromRecord(doc.Data)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, fmt.Sprintf("product %s is malformed", id))
	}
	return &p, nil
}

func (s *service) Add(ctx context.Context, raw map[string]any) (*AddResult, error) {
	if raw == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product must be an object")
	}
	p, err := FromRecord(raw)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, err.Error())
	}
	id := p.DocID()
	defer s.Invalidate(ctx, id)

	if !p.Stored() {
		if err := s.store.Delete(ctx, Collection, id); err != nil {
			return nil, pkgerrors.FromGRPC(err, "delete product")
		}
		return &AddResult{Message: "Product skipped because inactive or deleted", Skipped: true}, nil
	}
	if err := s.store.Set(ctx, Collection, id, s.stamp(p.Document()), false); err != nil {
		return nil, pkgerrors.FromGRPC(err, "add product")
	}
	return &AddResult{Message: "Product added", ProductID: id}, nil
}

func (s *service) AddBatch(ctx context.Context, raws []any) (*BatchResult, error) {
	if len(raws) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "No products provided")
	}
	result := &BatchResult{TotalRequested: len(raws)}
	batch := s.store.Batch()
	var ids []string
	for idx, item := range raws {
		raw, ok := item.(map[string]any)
		if !ok {
			result.Errors = append(result.Errors, BatchError{Index: idx, Error: "Product must be a dict"})
			continue
		}
		p, err := FromRecord(raw)
		if err != nil {
			result.Errors = append(result.Errors, BatchError{Index: idx, Error: "Missing Id"})
			continue
		}
		if !p.Stored() {
			result.SkippedCount++
			continue
		}
		if batch.Len() >= firestore.MaxBatchWrites {
			if err := s.commit(ctx, batch); err != nil {
				return nil, err
			}
			batch = s.store.Batch()
		}
		if err := batch.Set(Collection, p.DocID(), s.stamp(p.Document()), false); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "stage product")
		}
		ids = append(ids, p.DocID())
		result.AddedCount++
	}
	if err := s.commit(ctx, batch); err != nil {
		return nil, err
	}
	s.Invalidate(ctx, ids...)

	result.Status = "success"
	result.Message = fmt.Sprintf("Added %d products successfully", result.AddedCount)
	result.ErrorCount = len(result.Errors)
	return result, nil
}

func (s *service) Update(ctx context.Context, id string, updates map[string]any) (*UpdateResult, error) {
	if id == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}
	if len(updates) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "updates must be a non-empty object")
	}
	defer s.Invalidate(ctx, id)
	if err := s.store.Update(ctx, Collection, id, updates); err != nil {
		if errors.Is(err, firestore.ErrNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "product not found")
		}
		return nil, pkgerrors.FromGRPC(err, "update product")
	}
	doc, err := s.store.Get(ctx, Collection, id)
	if err != nil {
		return nil, pkgerrors.FromGRPC(err, "re-read product")
	}
	if doc != nil && types.ToBool(doc.Data["isDeleted"], false) {
		if err := s.store.Delete(ctx, Collection, id); err != nil {
			return nil, pkgerrors.FromGRPC(err, "remove deleted product")
		}
		return &UpdateResult{Message: "Product removed because inactive or deleted", Removed: true}, nil
	}
	return &UpdateResult{Message: "Product updated"}, nil
}

// UpsertMany merges every product found in the grouped payload. Deleted
// products are removed from the mirror instead.
func (s *service) UpsertMany(ctx context.Context, groups map[string][]any) (*UpsertResult, error) {
	result := &UpsertResult{Updated: []string{}}
	batch := s.store.Batch()
	for _, group := range groups {
		for _, item := range group {
			raw, ok := item.(map[string]any)
			if !ok {
				continue
			}
			id := types.FirstID(raw, "Id", "id")
			if id == "" {
				continue
			}
			if batch.Len() >= firestore.MaxBatchWrites {
				if err := s.commit(ctx, batch); err != nil {
					return nil, err
				}
				batch = s.store.Batch()
			}
			if types.ToBool(raw["isDeleted"], false) {
				if err := batch.Delete(Collection, id); err != nil {
					return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "stage product delete")
				}
				result.Removed = append(result.Removed, id)
				continue
			}
			if err := batch.Set(Collection, id, raw, true); err != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "stage product merge")
			}
			result.Updated = append(result.Updated, id)
		}
	}
	if err := s.commit(ctx, batch); err != nil {
		return nil, err
	}
	s.Invalidate(ctx, append(append([]string{}, result.Updated...), result.Removed...)...)

	result.Message = fmt.Sprintf("Updated %d products", len(result.Updated))
	if len(result.Removed) > 0 {
		result.Message += fmt.Sprintf(", removed %d products", len(result.Removed))
	}
	return result, nil
}

func (s *service) Delete(ctx context.Context, id string) error {
	if id == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}
	defer s.Invalidate(ctx, id)
	if err := s.store.Delete(ctx, Collection, id); err != nil {
		return pkgerrors.FromGRPC(err, "delete product")
	}
	return nil
}

func (s *service) GroupByMaster(ctx context.Context) (map[string]*Group, error) {
	all, err := s.ReadAll(ctx, ListOptions{})
	if err != nil {
		return nil, err
	}
	groups := map[string]*Group{}
	var children []map[string]any
	for _, doc := range all {
		if isMasterDoc(doc) {
			id := types.FirstID(doc, "Id", "id")
			groups[id] = &Group{Master: doc, Children: []map[string]any{}}
			continue
		}
		children = append(children, doc)
	}
	for _, child := range children {
		if g, ok := groups[types.ToID(child["MasterUnitId"])]; ok {
			g.Children = append(g.Children, child)
		}
	}
	return groups, nil
}

func (s *service) ByMaster(ctx context.Context, masterID string) ([]map[string]any, error) {
	all, err := s.ReadAll(ctx, ListOptions{IncludeInactive: true, IncludeDeleted: true})
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for _, doc := range all {
		if types.ToID(doc["MasterProductId"]) == masterID || types.ToID(doc["MasterUnitId"]) == masterID {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (s *service) Variants(ctx context.Context, id string) (*Variants, error) {
	master, err := s.Read(ctx, id)
	if err != nil {
		if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeNotFound {
			return &Variants{Variants: []map[string]any{}}, nil
		}
		return nil, err
	}
	variants, err := s.ByMaster(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Variants{Master: master, Variants: variants, Total: 1 + len(variants)}, nil
}

// AdjustOnHand rewrites OnHand inside a transaction. fn receives the current
// value and returns the new one.
func (s *service) AdjustOnHand(ctx context.Context, id string, fn func(current float64) float64) (*OnHandChange, error) {
	var change *OnHandChange
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx firestore.Tx) error {
		doc, err := tx.Get(Collection, id)
		if err != nil {
			return err
		}
		if doc == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
		}
		current := types.ToFloat(doc.Data[FieldOnHand])
		next := fn(current)
		if err := tx.Update(Collection, id, map[string]any{FieldOnHand: next}); err != nil {
			return err
		}
		change = &OnHandChange{ID: id, OldOnHand: current, NewOnHand: next}
		return nil
	})
	if err != nil {
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.FromGRPC(err, "adjust product stock")
	}
	s.Invalidate(ctx, id)
	return change, nil
}

// Invalidate drops the product keys and every product list variant.
func (s *service) Invalidate(ctx context.Context, ids ...string) {
	keys := cache.ProductListKeys()
	for _, id := range ids {
		if id != "" {
			keys = append(keys, cache.ProductKey(id))
		}
	}
	s.loader.Invalidate(ctx, keys...)
}

func (s *service) InvalidateAll(ctx context.Context) {
	s.Invalidate(ctx)
}

func (s *service) stamp(doc map[string]any) map[string]any {
	doc[checksum.FieldChecksum] = checksum.Checksum(doc)
	doc[checksum.FieldTimestamp] = s.now().UTC().Format(time.RFC3339Nano)
	return doc
}

func (s *service) commit(ctx context.Context, batch firestore.Batch) error {
	if err := firestore.CommitWithQuotaRetry(ctx, s.retry, batch); err != nil {
		if pkgerrors.As(err) != nil {
			return err
		}
		return pkgerrors.FromGRPC(err, "commit product batch")
	}
	return nil
}

func isMasterDoc(doc map[string]any) bool {
	v := doc["MasterUnitId"]
	return v == nil || types.ToFloat(v) == 0
}

// EmitOnHand reports stock writes to realtime clients.
func EmitOnHand(ctx context.Context, sink notifications.Sink, changes []OnHandChange) {
	switch len(changes) {
	case 0:
		return
	case 1:
		sink.Emit(ctx, enums.EventProductOnHandUpdated, changes[0])
	default:
		sink.Emit(ctx, enums.EventProductsOnHandUpdated, changes)
	}
}
