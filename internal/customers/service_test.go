package customers

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/taphoa39/taphoa-backend/internal/invoices"
	"github.com/taphoa39/taphoa-backend/internal/notifications"
	"github.com/taphoa39/taphoa-backend/pkg/cache"
	"github.com/taphoa39/taphoa-backend/pkg/enums"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/firestore"
)

type fixture struct {
	store    *firestore.Memory
	cache    *cache.Memory
	svc      Service
	invoices invoices.Service
	rec      *notifications.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := firestore.NewMemory()
	mem := cache.NewMemory(128, time.Minute)
	loader := cache.NewLoader(mem, nil)
	retry := firestore.RetryPolicy{Attempts: 2, Base: time.Millisecond}
	inv, err := invoices.NewService(invoices.ServiceParams{
		Kind:   invoices.KindInvoice,
		Store:  store,
		Loader: loader,
		Retry:  retry,
	})
	if err != nil {
		t.Fatalf("new invoice service: %v", err)
	}
	rec := &notifications.Recorder{}
	svc, err := NewService(ServiceParams{
		Store:    store,
		Invoices: inv,
		Loader:   loader,
		Notifier: rec,
		Retry:    retry,
	})
	if err != nil {
		t.Fatalf("new customer service: %v", err)
	}
	return &fixture{store: store, cache: mem, svc: svc, invoices: inv, rec: rec}
}

func mustInvoice(t *testing.T, raw map[string]any) *invoices.Invoice {
	t.Helper()
	inv, err := invoices.FromRecord(raw)
	if err != nil {
		t.Fatalf("from record: %v", err)
	}
	return &inv
}

func customerTotals(t *testing.T, store *firestore.Memory, id string) Totals {
	t.Helper()
	doc, err := store.Get(context.Background(), Collection, id)
	if err != nil || doc == nil {
		t.Fatalf("customer %s missing: %v", id, err)
	}
	return totalsOf(doc.Data)
}

func TestApplyInvoiceDeltaThenReverseRestoresTotals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.Seed(Collection, map[string]map[string]any{
		"C1": {"Name": "An", FieldDebt: 0.0, FieldTotalRevenue: 0.0, FieldTotalInvoiced: int64(0), FieldTotalPoint: 0.0},
	})
	inv := mustInvoice(t, map[string]any{
		"id": "INV1", "customerId": "C1", "createdDate": "2025-06-17T10:00:00Z",
		"totalPrice": 100000, "totalCost": 60000,
	})

	res, err := f.svc.ApplyInvoiceDelta(ctx, inv, enums.DirectionApply)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Applied {
		t.Fatalf("expected applied, got %+v", res)
	}
	got := customerTotals(t, f.store, "C1")
	want := Totals{Debt: 100000, TotalRevenue: 100000, TotalInvoiced: 1, TotalPoint: 40000}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	if _, err := f.svc.ApplyInvoiceDelta(ctx, inv, enums.DirectionReverse); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if got := customerTotals(t, f.store, "C1"); got != (Totals{}) {
		t.Fatalf("expected zeroed totals, got %+v", got)
	}
}

func TestApplyInvoiceDeltaClampsAtZero(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.Seed(Collection, map[string]map[string]any{
		"C1": {FieldDebt: 10.0, FieldTotalRevenue: 50.0, FieldTotalInvoiced: int64(0)},
	})
	inv := mustInvoice(t, map[string]any{"id": "X", "customerId": "C1", "totalPrice": 100, "debt": 40})
	if _, err := f.svc.ApplyInvoiceDelta(ctx, inv, enums.DirectionReverse); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	got := customerTotals(t, f.store, "C1")
	if got.Debt != 0 || got.TotalRevenue != 0 || got.TotalInvoiced != 0 {
		t.Fatalf("expected clamped totals, got %+v", got)
	}
}

func TestApplyInvoiceDeltaReasons(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.ApplyInvoiceDelta(ctx, mustInvoice(t, map[string]any{"id": "1"}), enums.DirectionApply)
	if err != nil || res.Reason != ReasonNoCustomer {
		t.Fatalf("expected no_customer, got %+v %v", res, err)
	}
	res, err = f.svc.ApplyInvoiceDelta(ctx, mustInvoice(t, map[string]any{"id": "1", "customer": map[string]any{"Id": 77}}), enums.DirectionApply)
	if err != nil || res.Reason != ReasonCustomerNotFound || res.CustomerID != "77" {
		t.Fatalf("expected customer_not_found for 77, got %+v %v", res, err)
	}
	res, _ = f.svc.ApplyInvoiceDelta(ctx, mustInvoice(t, map[string]any{"customerId": "C"}), enums.Direction(0))
	if res.Reason != ReasonInvalidDirection {
		t.Fatalf("expected invalid_direction, got %+v", res)
	}
}

func TestApplyInvoiceChangeMovesBetweenCustomers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.Seed(Collection, map[string]map[string]any{
		"A": {FieldTotalRevenue: 100.0, FieldTotalInvoiced: int64(1), FieldDebt: 100.0},
		"B": {},
	})
	prev := mustInvoice(t, map[string]any{"id": "I", "customerId": "A", "totalPrice": 100})
	next := mustInvoice(t, map[string]any{"id": "I", "customerId": "B", "totalPrice": 80, "totalPaid": 80})

	results, err := f.svc.ApplyInvoiceChange(ctx, prev, next)
	if err != nil {
		t.Fatalf("change: %v", err)
	}
	if len(results) != 2 || !results[0].Applied || !results[1].Applied {
		t.Fatalf("expected both steps applied, got %+v", results)
	}
	if got := customerTotals(t, f.store, "A"); got.TotalRevenue != 0 || got.TotalInvoiced != 0 || got.Debt != 0 {
		t.Fatalf("expected A emptied, got %+v", got)
	}
	if got := customerTotals(t, f.store, "B"); got.TotalRevenue != 80 || got.TotalInvoiced != 1 || got.Debt != 0 {
		t.Fatalf("expected B to carry the invoice, got %+v", got)
	}
}

func TestRecalculateCustomerTotalsFromHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.Seed(Collection, map[string]map[string]any{
		"42": {"Id": int64(42), FieldDebt: 999.0},
	})
	f.store.Seed(invoices.Collection, map[string]map[string]any{
		"i1": {"customerId": "42", "totalPrice": 100.0, "totalPaid": 100.0},
		"i2": {"customerId": int64(42), "totalPrice": 50.0},
		"i3": {"customer": map[string]any{"Id": "43"}, "totalPrice": 7.0},
	})

	res, err := f.svc.RecalculateCustomerTotals(ctx, " 42 ")
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if !res.Updated {
		t.Fatalf("expected update, got %+v", res)
	}
	want := Totals{Debt: 50, TotalRevenue: 150, TotalInvoiced: 2, TotalPoint: 75}
	if *res.Updates != want {
		t.Fatalf("expected %+v, got %+v", want, *res.Updates)
	}
	if got := customerTotals(t, f.store, "42"); got != want {
		t.Fatalf("stored totals %+v", got)
	}
}

func TestRecalculateCustomerTotalsReasons(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cases := map[string]string{
		"":     ReasonCustomerIDRequired,
		"   ":  ReasonCustomerIDInvalid,
		"nope": ReasonNotFound,
	}
	for id, reason := range cases {
		res, err := f.svc.RecalculateCustomerTotals(ctx, id)
		if err != nil {
			t.Fatalf("%q: unexpected error %v", id, err)
		}
		if res.Updated || res.Reason != reason {
			t.Fatalf("%q: expected %s, got %+v", id, reason, res)
		}
	}
}

func TestInvoicesByCustomerFallsBackToNestedReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.Seed(Collection, map[string]map[string]any{"C9": {"Name": "Binh"}})
	f.store.Seed(invoices.Collection, map[string]map[string]any{
		"n1": {"customer": map[string]any{"id": "C9"}, "totalPrice": 5.0},
		"n2": {"customer": map[string]any{"id": "C9"}, "totalPrice": 6.0},
	})
	list, err := f.svc.InvoicesByCustomer(ctx, "C9")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 invoices, got %d", len(list))
	}
	for _, inv := range list {
		if _, ok := inv["customer"]; ok {
			t.Fatal("embedded customer must be dropped")
		}
	}
	var cached []map[string]any
	if found, _ := f.cache.Get(ctx, cache.InvoicesByCustomerKey("C9"), &cached); !found {
		t.Fatal("expected lookup to be cached")
	}
}

func TestInvoicesByCustomerMatchesAlternateID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.Seed(Collection, map[string]map[string]any{"C4": {"Id": 4, "CustomerId": "KH004"}})
	f.store.Seed(invoices.Collection, map[string]map[string]any{
		"a1": {"customerId": "C4", "totalPrice": 5.0},
		"a2": {"customer": map[string]any{"CustomerId": "KH004"}, "totalPrice": 7.0},
	})
	list, err := f.svc.InvoicesByCustomer(ctx, "C4")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected both invoices, got %d", len(list))
	}
}

func TestRefreshAllCollectsFailuresAndEmits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.Seed(Collection, map[string]map[string]any{
		"A": {}, "B": {},
	})
	f.store.Seed(invoices.Collection, map[string]map[string]any{
		"1": {"customerId": "A", "totalPrice": 30.0},
		"2": {"customerId": "A", "totalPrice": 10.0, "totalPaid": 10.0},
	})
	res, err := f.svc.RefreshAll(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(res.Updated) != 2 || len(res.Failures) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := customerTotals(t, f.store, "A"); got.TotalRevenue != 40 || got.Debt != 30 || got.TotalPoint != 20 {
		t.Fatalf("unexpected totals for A %+v", got)
	}
	names := f.rec.Names()
	if len(names) != 1 || names[0] != enums.EventCustomersUpdated {
		t.Fatalf("expected customers_updated, got %v", names)
	}
}

type quotaInvoices struct {
	invoices.Service
}

func (quotaInvoices) ByField(context.Context, string, []string) ([]map[string]any, error) {
	return nil, pkgerrors.FromGRPC(status.Error(codes.ResourceExhausted, "quota"), "list invoices")
}

func TestRefreshAllPropagatesQuota(t *testing.T) {
	f := newFixture(t)
	f.store.Seed(Collection, map[string]map[string]any{"A": {}})
	svc, err := NewService(ServiceParams{Store: f.store, Invoices: quotaInvoices{f.invoices}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.RefreshAll(context.Background()); !pkgerrors.IsQuotaExceeded(err) {
		t.Fatalf("expected quota error, got %v", err)
	}
}

func TestDeleteManyReportsPerID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.Seed(Collection, map[string]map[string]any{"1": {}, "2": {}})
	res, err := f.svc.DeleteMany(ctx, []any{1, "2", " ", "1", nil})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.DeletedCount != 2 || res.Requested != 2 || len(res.Invalid) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Message != "deleted 2 of 2 customers" {
		t.Fatalf("unexpected message %q", res.Message)
	}
	if f.store.Count(Collection) != 0 {
		t.Fatal("expected customers removed")
	}
	if names := f.rec.Names(); len(names) != 1 || names[0] != enums.EventCustomersDeleted {
		t.Fatalf("expected customers_deleted, got %v", names)
	}
}

func TestUpdateSanitizesKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.Seed(Collection, map[string]map[string]any{"1": {"Name": "old"}})

	res, err := f.svc.Update(ctx, "1", map[string]any{"Name": "new", " ": "x"})
	if err != nil || !res.Updated {
		t.Fatalf("expected update, got %+v %v", res, err)
	}
	if _, ok := res.Changes[" "]; ok {
		t.Fatal("blank keys must be dropped")
	}
	res, _ = f.svc.Update(ctx, "missing", map[string]any{"Name": "x"})
	if res.Updated || res.Reason != ReasonNotFound {
		t.Fatalf("expected not_found, got %+v", res)
	}
}

func TestReadAllCachesWithIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.Seed(Collection, map[string]map[string]any{"5": {"Name": "E"}})
	list, err := f.svc.ReadAll(ctx)
	if err != nil || len(list) != 1 || list[0]["Id"] != "5" {
		t.Fatalf("unexpected list %v %v", list, err)
	}
	f.store.Seed(Collection, map[string]map[string]any{"6": {}})
	list, _ = f.svc.ReadAll(ctx)
	if len(list) != 1 {
		t.Fatalf("expected cached list, got %d", len(list))
	}
	if _, err := f.svc.Add(ctx, map[string]any{"Id": 7}); err != nil {
		t.Fatalf("add: %v", err)
	}
	list, _ = f.svc.ReadAll(ctx)
	if len(list) != 3 {
		t.Fatalf("expected invalidated list, got %d", len(list))
	}
}
