package summaries

import (
	"context"
	"testing"
	"time"

	"github.com/taphoa39/taphoa-backend/internal/invoices"
	"github.com/taphoa39/taphoa-backend/internal/notifications"
	"github.com/taphoa39/taphoa-backend/pkg/enums"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/firestore"
)

var fixedNow = time.Date(2025, 6, 18, 8, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, store *firestore.Memory) (Service, *notifications.Recorder) {
	t.Helper()
	inv, err := invoices.NewService(invoices.ServiceParams{
		Kind:  invoices.KindInvoice,
		Store: store,
		Retry: firestore.RetryPolicy{Attempts: 1, Base: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new invoice service: %v", err)
	}
	rec := &notifications.Recorder{}
	svc, err := NewService(ServiceParams{
		Store:    store,
		Invoices: inv,
		Notifier: rec,
		Now:      func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("new summary service: %v", err)
	}
	return svc, rec
}

func mustInvoice(t *testing.T, raw map[string]any) *invoices.Invoice {
	t.Helper()
	inv, err := invoices.FromRecord(raw)
	if err != nil {
		t.Fatalf("from record: %v", err)
	}
	return &inv
}

func bucket(t *testing.T, store *firestore.Memory, collection, key string) (Bucket, map[string]any) {
	t.Helper()
	doc, err := store.Get(context.Background(), collection, key)
	if err != nil {
		t.Fatalf("get %s/%s: %v", collection, key, err)
	}
	if doc == nil {
		return Bucket{}, nil
	}
	return bucketOf(doc.Data), doc.Data
}

func TestAdjustInvoiceSummariesApplyAndReverse(t *testing.T) {
	ctx := context.Background()
	store := firestore.NewMemory()
	svc, _ := newTestService(t, store)
	inv := mustInvoice(t, map[string]any{
		"id": "INV1", "createdDate": "2025-06-17T10:00:00Z", "totalPrice": 100000, "totalCost": 60000,
	})

	res, err := svc.AdjustInvoiceSummaries(ctx, inv, enums.DirectionApply)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Updated || res.Keys.Month != "2025-06" || res.Keys.Year != "2025" {
		t.Fatalf("unexpected result %+v", res)
	}
	want := Bucket{Revenue: 100000, Cost: 60000, Profit: 40000, BuyerQuantity: 1}
	for _, tc := range []struct{ coll, key, field string }{
		{DailyCollection, "2025-06-17", "date"},
		{MonthlyCollection, "2025-06", "month"},
		{YearlyCollection, "2025", "year"},
	} {
		got, raw := bucket(t, store, tc.coll, tc.key)
		if got != want {
			t.Fatalf("%s: expected %+v, got %+v", tc.coll, want, got)
		}
		if raw[tc.field] != tc.key || raw["lastUpdated"] != fixedNow.Format(time.RFC3339Nano) {
			t.Fatalf("%s: unexpected document %v", tc.coll, raw)
		}
	}

	if _, err := svc.AdjustInvoiceSummaries(ctx, inv, enums.DirectionReverse); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if got, _ := bucket(t, store, DailyCollection, "2025-06-17"); got != (Bucket{}) {
		t.Fatalf("expected zeroed day bucket, got %+v", got)
	}
}

func TestAdjustInvoiceSummariesReversalNeverCreates(t *testing.T) {
	ctx := context.Background()
	store := firestore.NewMemory()
	store.Seed(YearlyCollection, map[string]map[string]any{
		"2024": {"revenue": 500.0, "cost": 100.0, "profit": 400.0, "buyer_quantity": int64(3), "note": "kept"},
	})
	svc, _ := newTestService(t, store)
	inv := mustInvoice(t, map[string]any{"createdDate": "2024-02-03", "totalPrice": 50, "totalCost": 10})

	if _, err := svc.AdjustInvoiceSummaries(ctx, inv, enums.DirectionReverse); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if store.Count(DailyCollection) != 0 || store.Count(MonthlyCollection) != 0 {
		t.Fatal("reversal must not create buckets")
	}
	got, raw := bucket(t, store, YearlyCollection, "2024")
	want := Bucket{Revenue: 450, Cost: 90, Profit: 360, BuyerQuantity: 2}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if raw["note"] != "kept" {
		t.Fatal("merge write must keep untouched fields")
	}
}

func TestAdjustInvoiceSummariesReasons(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, firestore.NewMemory())
	cases := []struct {
		name string
		inv  *invoices.Invoice
		dir  enums.Direction
		want string
	}{
		{"nil invoice", nil, enums.DirectionApply, ReasonInvalidInvoice},
		{"bad direction", mustInvoice(t, map[string]any{"totalPrice": 1}), enums.Direction(2), ReasonInvalidDirection},
		{"short date", mustInvoice(t, map[string]any{"createdDate": "2025-1", "totalPrice": 1}), enums.DirectionApply, ReasonMissingDate},
		{"no date", mustInvoice(t, map[string]any{"totalPrice": 1}), enums.DirectionApply, ReasonMissingDate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := svc.AdjustInvoiceSummaries(ctx, tc.inv, tc.dir)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Updated || res.Reason != tc.want {
				t.Fatalf("expected %s, got %+v", tc.want, res)
			}
		})
	}
}

func TestAdjustInvoiceSummariesCountsZeroValueInvoice(t *testing.T) {
	ctx := context.Background()
	store := firestore.NewMemory()
	svc, _ := newTestService(t, store)
	inv := mustInvoice(t, map[string]any{"createdDate": "2025-06-17T10:00:00Z", "totalPrice": 0, "totalCost": 0})

	res, err := svc.AdjustInvoiceSummaries(ctx, inv, enums.DirectionApply)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Updated || res.Deltas.BuyerQuantity != 1 {
		t.Fatalf("expected a counted buyer, got %+v", res)
	}
	for _, c := range []struct{ collection, key string }{
		{DailyCollection, "2025-06-17"},
		{MonthlyCollection, "2025-06"},
		{YearlyCollection, "2025"},
	} {
		got, raw := bucket(t, store, c.collection, c.key)
		if raw == nil {
			t.Fatalf("%s %s: bucket not created", c.collection, c.key)
		}
		if want := (Bucket{BuyerQuantity: 1}); got != want {
			t.Fatalf("%s %s: expected %+v, got %+v", c.collection, c.key, want, got)
		}
	}

	if _, err := svc.AdjustInvoiceSummaries(ctx, inv, enums.DirectionReverse); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	got, _ := bucket(t, store, DailyCollection, "2025-06-17")
	if got != (Bucket{}) {
		t.Fatalf("expected reversal to restore the empty bucket, got %+v", got)
	}
}

func TestAdjustInvoiceSummariesFallsBackToCartLines(t *testing.T) {
	ctx := context.Background()
	store := firestore.NewMemory()
	svc, _ := newTestService(t, store)
	inv := mustInvoice(t, map[string]any{
		"createdDate": "2025-06-17T01:00:00Z",
		"cartItems": []any{
			map[string]any{"quantity": 2, "price": 15.5, "product": map[string]any{"Id": 1, "Cost": 10}},
			map[string]any{"quantity": 1, "product": map[string]any{"Id": 2, "BasePrice": 7, "Cost": 3}},
		},
	})
	if _, err := svc.AdjustInvoiceSummaries(ctx, inv, enums.DirectionApply); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, _ := bucket(t, store, DailyCollection, "2025-06-17")
	want := Bucket{Revenue: 38, Cost: 23, Profit: 15, BuyerQuantity: 1}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestRecomputeRollsUp(t *testing.T) {
	ctx := context.Background()
	store := firestore.NewMemory()
	store.Seed(invoices.Collection, map[string]map[string]any{
		"a": {"createdDate": "2025-06-17T09:00:00Z", "totalPrice": 100.0, "totalCost": 40.0},
		"b": {"createdDate": "2025-06-17T22:00:00Z", "totalPrice": 50.0, "totalCost": 20.0},
		"c": {"createdDate": "2025-06-18T00:00:01Z", "totalPrice": 999.0},
	})
	store.Seed(DailyCollection, map[string]map[string]any{
		"2025-06-01": {"revenue": 10.0, "cost": 5.0, "buyer_quantity": int64(1)},
	})
	store.Seed(MonthlyCollection, map[string]map[string]any{
		"2025-01": {"revenue": 1000.0, "cost": 600.0, "buyer_quantity": int64(9)},
	})
	svc, rec := newTestService(t, store)

	day, err := svc.RecomputeDaily(ctx, "2025-06-17")
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	if day.Bucket != (Bucket{Revenue: 150, Cost: 60, Profit: 90, BuyerQuantity: 2}) {
		t.Fatalf("unexpected day %+v", day)
	}

	month, err := svc.RecomputeMonthly(ctx, 2025, 6)
	if err != nil {
		t.Fatalf("monthly: %v", err)
	}
	if month.Key != "2025-06" || month.Bucket != (Bucket{Revenue: 160, Cost: 65, Profit: 95, BuyerQuantity: 3}) {
		t.Fatalf("unexpected month %+v", month)
	}

	year, err := svc.RecomputeYearly(ctx, 2025)
	if err != nil {
		t.Fatalf("yearly: %v", err)
	}
	if year.Bucket != (Bucket{Revenue: 1160, Cost: 665, Profit: 495, BuyerQuantity: 12}) {
		t.Fatalf("unexpected year %+v", year)
	}

	names := rec.Names()
	want := []enums.NotificationEvent{enums.EventDailySummary, enums.EventMonthlySummary, enums.EventYearlySummary}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}

func TestRecomputeValidatesInput(t *testing.T) {
	svc, _ := newTestService(t, firestore.NewMemory())
	ctx := context.Background()
	if _, err := svc.RecomputeDaily(ctx, "17/06/2025"); pkgerrors.As(err) == nil || pkgerrors.As(err).Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.RecomputeMonthly(ctx, 2025, 13); err == nil {
		t.Fatal("expected invalid month to fail")
	}
	if _, err := svc.RecomputeYearly(ctx, 0); err == nil {
		t.Fatal("expected invalid year to fail")
	}
}

func TestTopProductsRanksByProfit(t *testing.T) {
	ctx := context.Background()
	store := firestore.NewMemory()
	line := func(id any, name string, qty int, price, cost float64) map[string]any {
		return map[string]any{
			"quantity": qty,
			"price":    price,
			"product":  map[string]any{"Id": id, "FullName": name, "Cost": cost},
		}
	}
	store.Seed(invoices.Collection, map[string]map[string]any{
		"1": {"createdDate": "2025-06-02T10:00:00Z", "cartItems": []any{line(1, "Tea", 2, 10, 4), line(2, "Rice", 1, 100, 90)}},
		"2": {"createdDate": "2025-06-20T10:00:00Z", "cartItems": []any{line(1, "Tea", 3, 10, 4), map[string]any{"quantity": 5}}},
		"3": {"createdDate": "2025-07-01T10:00:00Z", "cartItems": []any{line(3, "Salt", 100, 5, 1)}},
	})
	svc, rec := newTestService(t, store)

	top, err := svc.TopProducts(ctx, TopFilter{Year: 2025, Month: 6})
	if err != nil {
		t.Fatalf("top products: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("expected 2 products, got %+v", top)
	}
	if top[0].ProductID != "1" || top[0].TotalProfit != 30 || top[0].TotalQuantity != 5 {
		t.Fatalf("unexpected leader %+v", top[0])
	}
	if top[1].ProductID != "2" || top[1].TotalProfit != 10 {
		t.Fatalf("unexpected runner-up %+v", top[1])
	}
	doc, _ := store.Get(ctx, TopProductsCollection, "2025-06")
	if doc == nil || len(doc.Data["top_products"].([]any)) != 2 {
		t.Fatalf("expected stored ranking, got %v", doc)
	}

	all, err := svc.TopProducts(ctx, TopFilter{})
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if all[0].ProductID != "3" {
		t.Fatalf("expected salt to lead overall, got %+v", all[0])
	}
	if doc, _ := store.Get(ctx, TopProductsCollection, "all"); doc == nil {
		t.Fatal("expected all-time ranking stored")
	}
	if names := rec.Names(); len(names) != 2 || names[0] != enums.EventTopProducts {
		t.Fatalf("expected top_products events, got %v", names)
	}

	if _, err := svc.TopProducts(ctx, TopFilter{Month: 3}); err == nil {
		t.Fatal("expected month without year to fail")
	}
}
