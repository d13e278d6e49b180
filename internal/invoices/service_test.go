package invoices

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/taphoa39/taphoa-backend/pkg/cache"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/firestore"
)

func newTestService(t *testing.T, kind Kind) (Service, *firestore.Memory) {
	t.Helper()
	store := firestore.NewMemory()
	svc, err := NewService(ServiceParams{
		Kind:   kind,
		Store:  store,
		Loader: cache.NewLoader(cache.NewMemory(64, time.Minute), nil),
		Retry:  firestore.RetryPolicy{Attempts: 1, Base: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, store
}

func ids(docs []map[string]any) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d["id"].(string))
	}
	sort.Strings(out)
	return out
}

func TestByDateRangeIsInclusive(t *testing.T) {
	svc, store := newTestService(t, KindInvoice)
	store.Seed(Collection, map[string]map[string]any{
		"a": {"createdDate": "2025-06-16T23:59:59.999Z"},
		"b": {"createdDate": "2025-06-17T00:00:00.000Z"},
		"c": {"createdDate": "2025-06-18T23:59:59.000Z"},
		"d": {"createdDate": "2025-06-19T00:00:00.000Z"},
	})

	docs, err := svc.ByDateRange(context.Background(), "2025-06-17", "2025-06-18")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ids(docs); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("unexpected window %v", got)
	}

	day, err := svc.ByDate(context.Background(), "2025-06-16")
	if err != nil || len(day) != 1 {
		t.Fatalf("expected one invoice on 06-16, got %d (%v)", len(day), err)
	}
}

func TestByDateRejectsMalformedDates(t *testing.T) {
	svc, _ := newTestService(t, KindInvoice)
	_, err := svc.ByDateRange(context.Background(), "2025-06-17", "06/18/2025")
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestByFieldMatchesNumericAndStringIDs(t *testing.T) {
	svc, store := newTestService(t, KindInvoice)
	store.Seed(Collection, map[string]map[string]any{
		"a": {"customerId": int64(5)},
		"b": {"customerId": "5"},
		"c": {"customerId": "C7"},
		"d": {"customerId": "C8"},
	})

	docs, err := svc.ByField(context.Background(), "customerId", []string{"5", " ", "C7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ids(docs); len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected matches %v", got)
	}
}

func TestByFieldChunksLargeValueLists(t *testing.T) {
	svc, store := newTestService(t, KindInvoice)
	seed := map[string]map[string]any{}
	values := make([]string, 0, 12)
	for i := range 12 {
		id := string(rune('a' + i))
		seed[id] = map[string]any{"customerId": "C" + id}
		values = append(values, "C"+id)
	}
	store.Seed(Collection, seed)

	docs, err := svc.ByField(context.Background(), "customerId", values)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 12 {
		t.Fatalf("expected all 12 across chunks, got %d", len(docs))
	}
}

func TestAddUpdateDeleteInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, KindOrder)

	if _, err := svc.Add(ctx, map[string]any{"status": "new"}); err == nil {
		t.Fatal("expected missing id to fail")
	}
	if _, err := svc.Add(ctx, map[string]any{"id": "O1", "status": "new"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	all, err := svc.ReadAll(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("expected one order, got %d (%v)", len(all), err)
	}
	if store.Count(OrderCollection) != 1 || store.Count(Collection) != 0 {
		t.Fatal("orders must land in the orders collection")
	}

	if err := svc.Update(ctx, "O1", map[string]any{"status": "ready"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	doc, err := svc.Read(ctx, "O1")
	if err != nil || doc["status"] != "ready" {
		t.Fatalf("expected fresh read after update, got %v (%v)", doc, err)
	}
	ready, err := svc.ByStatus(ctx, "ready")
	if err != nil || len(ready) != 1 {
		t.Fatalf("expected one ready order, got %d (%v)", len(ready), err)
	}

	if err := svc.Delete(ctx, "O1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = svc.Read(ctx, "O1")
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestUpdateValidation(t *testing.T) {
	svc, _ := newTestService(t, KindInvoice)
	if err := svc.Update(context.Background(), "A", nil); err == nil {
		t.Fatal("expected empty updates to fail")
	}
	err := svc.Update(context.Background(), "missing", map[string]any{"x": 1})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
