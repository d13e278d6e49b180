// Package customers mirrors KiotViet customers and maintains the invoice
// aggregates stored on each customer document.
package customers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taphoa39/taphoa-backend/internal/invoices"
	"github.com/taphoa39/taphoa-backend/internal/notifications"
	"github.com/taphoa39/taphoa-backend/pkg/cache"
	"github.com/taphoa39/taphoa-backend/pkg/config"
	"github.com/taphoa39/taphoa-backend/pkg/enums"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/firestore"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
	"github.com/taphoa39/taphoa-backend/pkg/types"
)

const (
	Collection = "customers"

	FieldDebt          = "Debt"
	FieldTotalRevenue  = "TotalRevenue"
	FieldTotalInvoiced = "TotalInvoiced"
	FieldTotalPoint    = "TotalPoint"
)

const (
	ReasonNoCustomer          = "no_customer"
	ReasonCustomerNotFound    = "customer_not_found"
	ReasonCustomerIDRequired  = "customer_id_required"
	ReasonCustomerIDInvalid   = "customer_id_invalid"
	ReasonNotFound            = "not_found"
	ReasonInvalidDirection    = "invalid_direction"
	reasonInvoiceLookupFailed = "invoice_lookup_failed"
	reasonUpdateFailed        = "update_failed"
)

const (
	defaultListTTL     = 300 * time.Second
	defaultInvoicesTTL = 120 * time.Second
	refreshConcurrency = 8
)

// AggregateFields are owned by the aggregate engine and never taken from the
// remote catalog.
var AggregateFields = []string{FieldDebt, FieldTotalRevenue, FieldTotalInvoiced, FieldTotalPoint}

// Totals are the aggregate fields of one customer.
type Totals struct {
	Debt          float64 `json:"Debt"`
	TotalRevenue  float64 `json:"TotalRevenue"`
	TotalInvoiced int64   `json:"TotalInvoiced"`
	TotalPoint    float64 `json:"TotalPoint"`
}

func (t Totals) fields() map[string]any {
	return map[string]any{
		FieldDebt:          t.Debt,
		FieldTotalRevenue:  t.TotalRevenue,
		FieldTotalInvoiced: t.TotalInvoiced,
		FieldTotalPoint:    t.TotalPoint,
	}
}

func totalsOf(data map[string]any) Totals {
	return Totals{
		Debt:          types.ToFloat(data[FieldDebt]),
		TotalRevenue:  types.ToFloat(data[FieldTotalRevenue]),
		TotalInvoiced: types.ToInt(data[FieldTotalInvoiced]),
		TotalPoint:    types.ToFloat(data[FieldTotalPoint]),
	}
}

type ApplyResult struct {
	Applied    bool            `json:"applied"`
	Reason     string          `json:"reason,omitempty"`
	CustomerID string          `json:"customer_id,omitempty"`
	Direction  enums.Direction `json:"direction,omitempty"`
	Updates    *Totals         `json:"updates,omitempty"`
	Customer   map[string]any  `json:"customer,omitempty"`
}

type RecalcResult struct {
	Updated    bool           `json:"updated"`
	Reason     string         `json:"reason,omitempty"`
	CustomerID string         `json:"customer_id,omitempty"`
	Updates    *Totals        `json:"updates,omitempty"`
	Customer   map[string]any `json:"customer,omitempty"`
}

type RefreshResult struct {
	Updated  []map[string]any  `json:"updated"`
	Failures map[string]string `json:"update_failures,omitempty"`
}

type DeleteResult struct {
	Message      string            `json:"message"`
	Deleted      []string          `json:"deleted"`
	Failed       map[string]string `json:"failed"`
	DeletedCount int               `json:"deleted_count"`
	FailedCount  int               `json:"failed_count"`
	Requested    int               `json:"requested"`
	Invalid      []any             `json:"invalid,omitempty"`
}

type UpdateResult struct {
	Message string         `json:"message"`
	Updated bool           `json:"updated"`
	ID      string         `json:"id,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Changes map[string]any `json:"changes,omitempty"`
}

// Service maintains customer documents and their aggregates.
type Service interface {
	ApplyInvoiceDelta(ctx context.Context, inv *invoices.Invoice, dir enums.Direction) (*ApplyResult, error)
	ApplyInvoiceChange(ctx context.Context, prev, next *invoices.Invoice) ([]*ApplyResult, error)
	RecalculateCustomerTotals(ctx context.Context, customerID string) (*RecalcResult, error)
	RecalculateFromInvoice(ctx context.Context, inv *invoices.Invoice) (*RecalcResult, error)
	RefreshAll(ctx context.Context) (*RefreshResult, error)
	InvoicesByCustomer(ctx context.Context, customerID string) ([]map[string]any, error)
	Read(ctx context.Context, id string) (map[string]any, error)
	ReadAll(ctx context.Context) ([]map[string]any, error)
	Add(ctx context.Context, raw map[string]any) (string, error)
	AddMany(ctx context.Context, raws []map[string]any) (int, error)
	Update(ctx context.Context, id string, updates map[string]any) (*UpdateResult, error)
	DeleteMany(ctx context.Context, ids []any) (*DeleteResult, error)
	Invalidate(ctx context.Context, ids ...string)
}

type ServiceParams struct {
	Store       firestore.Store
	Invoices    invoices.Service
	Loader      *cache.Loader
	Debt        *DebtResolver
	Notifier    notifications.Sink
	Logger      *logger.Logger
	TTL         time.Duration
	InvoicesTTL time.Duration
	Retry       firestore.RetryPolicy
}

type service struct {
	store       firestore.Store
	invoices    invoices.Service
	loader      *cache.Loader
	debt        *DebtResolver
	notifier    notifications.Sink
	logg        *logger.Logger
	ttl         time.Duration
	invoicesTTL time.Duration
	retry       firestore.RetryPolicy
}

func NewService(params ServiceParams) (Service, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("customer store required")
	}
	if params.Invoices == nil {
		return nil, fmt.Errorf("invoice service required")
	}
	s := &service{
		store:       params.Store,
		invoices:    params.Invoices,
		loader:      params.Loader,
		debt:        params.Debt,
		notifier:    params.Notifier,
		logg:        params.Logger,
		ttl:         params.TTL,
		invoicesTTL: params.InvoicesTTL,
		retry:       params.Retry,
	}
	if s.debt == nil {
		s.debt = NewDebtResolver(config.DebtConfig{})
	}
	if s.notifier == nil {
		s.notifier = notifications.NopSink{}
	}
	if s.logg == nil {
		s.logg = logger.Nop()
	}
	if s.ttl <= 0 {
		s.ttl = defaultListTTL
	}
	if s.invoicesTTL <= 0 {
		s.invoicesTTL = defaultInvoicesTTL
	}
	if s.retry.Attempts <= 0 {
		s.retry = firestore.QuotaPolicy
	}
	return s, nil
}

// ApplyInvoiceDelta adds (or with DirectionReverse removes) one invoice's
// contribution to its customer inside a transaction.
func (s *service) ApplyInvoiceDelta(ctx context.Context, inv *invoices.Invoice, dir enums.Direction) (*ApplyResult, error) {
	if !dir.IsValid() {
		return &ApplyResult{Reason: ReasonInvalidDirection}, nil
	}
	if inv == nil || inv.CustomerID == "" {
		return &ApplyResult{Reason: ReasonNoCustomer}, nil
	}
	id := inv.CustomerID
	ctx = s.logg.WithCustomerID(ctx, id)

	debt := s.debt.Resolve(inv.Raw)
	revenue := inv.TotalPrice
	profit := inv.Profit()
	sign := float64(dir)

	var result *ApplyResult
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx firestore.Tx) error {
		doc, err := tx.Get(Collection, id)
		if err != nil {
			return err
		}
		if doc == nil {
			result = &ApplyResult{Reason: ReasonCustomerNotFound, CustomerID: id}
			return nil
		}
		cur := FromDocument(doc.ID, doc.Data).Totals
		next := Totals{
			Debt:          types.Round2(types.ClampZero(cur.Debt + sign*debt)),
			TotalRevenue:  types.Round2(types.ClampZero(cur.TotalRevenue + sign*revenue)),
			TotalInvoiced: max(cur.TotalInvoiced+int64(dir), 0),
			TotalPoint:    types.Round2(types.ClampZero(cur.TotalPoint + sign*profit)),
		}
		if err := tx.Update(Collection, id, next.fields()); err != nil {
			return err
		}
		customer := doc.Data
		for k, v := range next.fields() {
			customer[k] = v
		}
		customer["id"] = id
		result = &ApplyResult{Applied: true, CustomerID: id, Direction: dir, Updates: &next, Customer: customer}
		return nil
	})
	if err != nil {
		return nil, pkgerrors.FromGRPC(err, "apply invoice to customer")
	}
	if result.Applied {
		s.Invalidate(ctx, id)
		s.invalidateInvoices(ctx, id)
	}
	return result, nil
}

// ApplyInvoiceChange reverses prev and applies next. Either may be nil.
func (s *service) ApplyInvoiceChange(ctx context.Context, prev, next *invoices.Invoice) ([]*ApplyResult, error) {
	var results []*ApplyResult
	if prev != nil {
		res, err := s.ApplyInvoiceDelta(ctx, prev, enums.DirectionReverse)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	if next != nil {
		res, err := s.ApplyInvoiceDelta(ctx, next, enums.DirectionApply)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// RecalculateCustomerTotals rebuilds the aggregates from invoice history.
// Quota failures are returned as errors; everything else is a reason.
func (s *service) RecalculateCustomerTotals(ctx context.Context, customerID string) (*RecalcResult, error) {
	if customerID == "" {
		return &RecalcResult{Reason: ReasonCustomerIDRequired}, nil
	}
	id := strings.TrimSpace(customerID)
	if id == "" {
		return &RecalcResult{Reason: ReasonCustomerIDInvalid}, nil
	}
	ctx = s.logg.WithCustomerID(ctx, id)

	doc, err := s.store.Get(ctx, Collection, id)
	if err != nil {
		return nil, pkgerrors.FromGRPC(err, "read customer")
	}
	if doc == nil {
		return &RecalcResult{Reason: ReasonNotFound, CustomerID: id}, nil
	}

	totals, err := s.rebuild(ctx, id)
	if err != nil {
		if pkgerrors.IsQuotaExceeded(err) {
			return nil, err
		}
		return &RecalcResult{Reason: reasonInvoiceLookupFailed + ": " + err.Error(), CustomerID: id}, nil
	}
	if err := s.store.Update(ctx, Collection, id, totals.fields()); err != nil {
		if pkgerrors.IsQuotaExceeded(err) {
			return nil, pkgerrors.FromGRPC(err, "update customer totals")
		}
		return &RecalcResult{Reason: err.Error(), CustomerID: id}, nil
	}
	s.Invalidate(ctx, id)

	customer := doc.Data
	for k, v := range totals.fields() {
		customer[k] = v
	}
	customer["id"] = id
	return &RecalcResult{Updated: true, CustomerID: id, Updates: totals, Customer: customer}, nil
}

func (s *service) RecalculateFromInvoice(ctx context.Context, inv *invoices.Invoice) (*RecalcResult, error) {
	if inv == nil || inv.CustomerID == "" {
		return &RecalcResult{Reason: ReasonNoCustomer}, nil
	}
	return s.RecalculateCustomerTotals(ctx, inv.CustomerID)
}

// rebuild sums revenue and debt over every invoice of the customer. TotalPoint
// is the average revenue per invoice.
func (s *service) rebuild(ctx context.Context, id string) (*Totals, error) {
	list, err := s.InvoicesByCustomer(ctx, id)
	if err != nil {
		return nil, err
	}
	var revenue, debt float64
	for _, raw := range list {
		revenue += types.ToFloat(raw["totalPrice"])
		debt += s.debt.Resolve(raw)
	}
	count := int64(len(list))
	var point float64
	if count > 0 {
		point = revenue / float64(count)
	}
	return &Totals{
		Debt:          types.Round2(debt),
		TotalRevenue:  types.Round2(revenue),
		TotalInvoiced: count,
		TotalPoint:    types.Round2(point),
	}, nil
}

// RefreshAll recomputes every customer. Per-customer failures are collected;
// a quota failure aborts the whole refresh.
func (s *service) RefreshAll(ctx context.Context) (*RefreshResult, error) {
	docs, err := s.store.All(ctx, Collection)
	if err != nil {
		return nil, pkgerrors.FromGRPC(err, "list customers")
	}

	var (
		mu       sync.Mutex
		updated  []map[string]any
		failures = map[string]string{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for _, doc := range docs {
		doc := doc
		g.Go(func() error {
			totals, err := s.rebuild(gctx, doc.ID)
			if err != nil {
				if pkgerrors.IsQuotaExceeded(err) {
					return err
				}
				mu.Lock()
				failures[doc.ID] = reasonInvoiceLookupFailed + ": " + err.Error()
				mu.Unlock()
				return nil
			}
			if err := s.store.Update(gctx, Collection, doc.ID, totals.fields()); err != nil {
				if pkgerrors.IsQuotaExceeded(err) {
					return pkgerrors.FromGRPC(err, "update customer totals")
				}
				mu.Lock()
				failures[doc.ID] = reasonUpdateFailed + ": " + err.Error()
				mu.Unlock()
				return nil
			}
			data := doc.Data
			if data == nil {
				data = map[string]any{}
			}
			for k, v := range totals.fields() {
				data[k] = v
			}
			data["id"] = doc.ID
			mu.Lock()
			updated = append(updated, data)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(updated, func(i, j int) bool {
		return types.ToID(updated[i]["id"]) < types.ToID(updated[j]["id"])
	})
	ids := make([]string, 0, len(updated))
	for _, c := range updated {
		ids = append(ids, types.ToID(c["id"]))
	}
	s.Invalidate(ctx, ids...)
	if len(updated) > 0 {
		s.notifier.Emit(ctx, enums.EventCustomersUpdated, map[string]any{"count": len(updated)})
	}

	result := &RefreshResult{Updated: updated}
	if len(failures) > 0 {
		result.Failures = failures
		s.logg.Warn(s.logg.WithField(ctx, "failures", len(failures)), "customer refresh finished with failures")
	}
	return result, nil
}

// InvoicesByCustomer finds invoices referencing the customer through
// customerId, falling back to the nested customer reference fields.
func (s *service) InvoicesByCustomer(ctx context.Context, customerID string) ([]map[string]any, error) {
	id := strings.TrimSpace(customerID)
	if id == "" {
		return []map[string]any{}, nil
	}
	return cache.Fetch(ctx, s.loader, cache.InvoicesByCustomerKey(id), s.invoicesTTL, func(ctx context.Context) ([]map[string]any, error) {
		candidates := []string{id}
		if doc, err := s.store.Get(ctx, Collection, id); err == nil && doc != nil {
			for _, alt := range FromDocument(doc.ID, doc.Data).LookupIDs() {
				if !contains(candidates, alt) {
					candidates = append(candidates, alt)
				}
			}
		}

		found := []map[string]any{}
		seen := map[string]struct{}{}
		collect := func(path string, values []string) (int, error) {
			docs, err := s.invoices.ByField(ctx, path, values)
			if err != nil {
				if pkgerrors.IsQuotaExceeded(err) {
					return 0, err
				}
				s.logg.Warn(s.logg.WithField(ctx, "field", path), "invoice lookup failed: "+err.Error())
				return 0, nil
			}
			for _, inv := range docs {
				key := types.ToID(inv["id"])
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				delete(inv, "customer")
				found = append(found, inv)
			}
			return len(docs), nil
		}

		nested := []string{"customer.Id", "customer.id", "customer.CustomerId"}
		total, err := collect("customerId", candidates)
		if err != nil {
			return nil, err
		}
		if total == 0 {
			for _, path := range nested {
				n, err := collect(path, candidates)
				if err != nil {
					return nil, err
				}
				if n > 0 {
					break
				}
			}
		} else if len(candidates) > 1 {
			for _, path := range nested {
				if _, err := collect(path, candidates[1:]); err != nil {
					return nil, err
				}
			}
		}
		return found, nil
	})
}

func (s *service) Read(ctx context.Context, id string) (map[string]any, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	return cache.Fetch(ctx, s.loader, cache.CustomerKey(id), s.ttl, func(ctx context.Context) (map[string]any, error) {
		doc, err := s.store.Get(ctx, Collection, id)
		if err != nil {
			return nil, pkgerrors.FromGRPC(err, "read customer")
		}
		if doc == nil {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
		}
		return doc.Data, nil
	})
}

func (s *service) ReadAll(ctx context.Context) ([]map[string]any, error) {
	return cache.Fetch(ctx, s.loader, cache.KeyAllCustomers, s.ttl, func(ctx context.Context) ([]map[string]any, error) {
		docs, err := s.store.All(ctx, Collection)
		if err != nil {
			return nil, pkgerrors.FromGRPC(err, "list customers")
		}
		out := make([]map[string]any, 0, len(docs))
		for _, doc := range docs {
			data := doc.Data
			data["Id"] = doc.ID
			out = append(out, data)
		}
		return out, nil
	})
}

func (s *service) Add(ctx context.Context, raw map[string]any) (string, error) {
	c, err := FromRecord(raw)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "customer id is required")
	}
	id := c.Key
	if err := s.store.Set(ctx, Collection, id, raw, false); err != nil {
		return "", pkgerrors.FromGRPC(err, "add customer")
	}
	s.Invalidate(ctx, id)
	s.notifier.Emit(ctx, enums.EventCustomerCreated, raw)
	return id, nil
}

func (s *service) AddMany(ctx context.Context, raws []map[string]any) (int, error) {
	batch := s.store.Batch()
	var ids []string
	for idx, raw := range raws {
		c, err := FromRecord(raw)
		if err != nil {
			return 0, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("customer at index %d has no id", idx))
		}
		id := c.Key
		if batch.Len() >= firestore.MaxBatchWrites {
			if err := firestore.CommitWithQuotaRetry(ctx, s.retry, batch); err != nil {
				s.Invalidate(ctx, ids...)
				return len(ids) - batch.Len(), pkgerrors.FromGRPC(err, "add customers")
			}
			batch = s.store.Batch()
		}
		if err := batch.Set(Collection, id, raw, false); err != nil {
			return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "stage customer")
		}
		ids = append(ids, id)
	}
	if err := firestore.CommitWithQuotaRetry(ctx, s.retry, batch); err != nil {
		s.Invalidate(ctx, ids...)
		return len(ids) - batch.Len(), pkgerrors.FromGRPC(err, "add customers")
	}
	s.Invalidate(ctx, ids...)
	if len(ids) > 0 {
		s.notifier.Emit(ctx, enums.EventCustomersUpdated, map[string]any{"count": len(ids)})
	}
	return len(ids), nil
}

func (s *service) Update(ctx context.Context, id string, updates map[string]any) (*UpdateResult, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return &UpdateResult{Message: "customer_id is invalid"}, nil
	}
	clean := map[string]any{}
	for k, v := range updates {
		if strings.TrimSpace(k) != "" {
			clean[k] = v
		}
	}
	if len(clean) == 0 {
		return &UpdateResult{Message: "updates must be a non-empty object", ID: id}, nil
	}
	doc, err := s.store.Get(ctx, Collection, id)
	if err != nil {
		return nil, pkgerrors.FromGRPC(err, "read customer")
	}
	if doc == nil {
		return &UpdateResult{Message: "customer not found", ID: id, Reason: ReasonNotFound}, nil
	}
	if err := s.store.Update(ctx, Collection, id, clean); err != nil {
		if pkgerrors.IsQuotaExceeded(err) {
			return nil, pkgerrors.FromGRPC(err, "update customer")
		}
		return &UpdateResult{Message: err.Error(), ID: id}, nil
	}
	s.Invalidate(ctx, id)
	s.notifier.Emit(ctx, enums.EventCustomerUpdated, map[string]any{"id": id, "changes": clean})
	return &UpdateResult{Message: "customer updated", Updated: true, ID: id, Changes: clean}, nil
}

// DeleteMany removes customers one by one. Ids are trimmed and deduplicated;
// blank inputs are reported as invalid.
func (s *service) DeleteMany(ctx context.Context, ids []any) (*DeleteResult, error) {
	result := &DeleteResult{Deleted: []string{}, Failed: map[string]string{}}
	if len(ids) == 0 {
		result.Message = "customer_ids is required"
		return result, nil
	}
	var unique []string
	for _, raw := range ids {
		id := types.ToID(raw)
		if id == "" {
			result.Invalid = append(result.Invalid, raw)
			continue
		}
		if !contains(unique, id) {
			unique = append(unique, id)
		}
	}
	if len(unique) == 0 {
		result.Message = "customer_ids is invalid"
		return result, nil
	}
	for _, id := range unique {
		if err := s.store.Delete(ctx, Collection, id); err != nil {
			result.Failed[id] = err.Error()
			continue
		}
		result.Deleted = append(result.Deleted, id)
	}
	s.Invalidate(ctx, result.Deleted...)
	result.DeletedCount = len(result.Deleted)
	result.FailedCount = len(result.Failed)
	result.Requested = len(unique)
	result.Message = fmt.Sprintf("deleted %d of %d customers", result.DeletedCount, result.Requested)
	if result.DeletedCount > 0 {
		s.notifier.Emit(ctx, enums.EventCustomersDeleted, result.Deleted)
	}
	return result, nil
}

func (s *service) Invalidate(ctx context.Context, ids ...string) {
	keys := []string{cache.KeyAllCustomers}
	for _, id := range ids {
		if id != "" {
			keys = append(keys, cache.CustomerKey(id))
		}
	}
	s.loader.Invalidate(ctx, keys...)
}

func (s *service) invalidateInvoices(ctx context.Context, ids ...string) {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			keys = append(keys, cache.InvoicesByCustomerKey(id))
		}
	}
	s.loader.Invalidate(ctx, keys...)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
