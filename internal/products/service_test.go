package products

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/taphoa39/taphoa-backend/internal/checksum"
	"github.com/taphoa39/taphoa-backend/internal/notifications"
	"github.com/taphoa39/taphoa-backend/pkg/cache"
	"github.com/taphoa39/taphoa-backend/pkg/enums"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/firestore"
)

func newTestService(t *testing.T, store *firestore.Memory) (Service, *cache.Memory) {
	t.Helper()
	mem := cache.NewMemory(128, time.Minute)
	svc, err := NewService(ServiceParams{
		Store:  store,
		Loader: cache.NewLoader(mem, nil),
		Retry:  firestore.RetryPolicy{Attempts: 3, Base: time.Millisecond},
		Now:    func() time.Time { return time.Date(2025, 6, 17, 10, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, mem
}

func TestFromRecordNormalizesAliases(t *testing.T) {
	p, err := FromRecord(map[string]any{
		"id":              "101",
		"onHand":          "12",
		"conversionValue": 24.0,
		"masterUnitId":    int64(100),
		"IsActive":        false,
		"SyncChecksum":    "abc",
		"Barcode":         "893",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != 101 || p.OnHand != 12 || p.Conversion() != 24 {
		t.Fatalf("unexpected product %+v", p)
	}
	if p.IsMaster() || p.StockTarget() != "100" {
		t.Fatalf("expected child unit of 100, got target %s", p.StockTarget())
	}
	if p.IsActive {
		t.Fatal("expected inactive product")
	}
	if _, ok := p.Extra["SyncChecksum"]; ok {
		t.Fatal("sync metadata must not be carried")
	}
	if p.Extra["Barcode"] != "893" {
		t.Fatalf("expected unknown fields to pass through, got %v", p.Extra)
	}
	doc := p.Document()
	if doc["Id"] != int64(101) || doc["OnHand"] != 12.0 || doc["Barcode"] != "893" {
		t.Fatalf("unexpected document %v", doc)
	}
}

func TestFromRecordRejectsMissingID(t *testing.T) {
	for _, raw := range []map[string]any{{}, {"Id": 0}, {"Id": " "}, {"Name": "x"}} {
		if _, err := FromRecord(raw); !errors.Is(err, ErrMissingID) {
			t.Fatalf("expected ErrMissingID for %v, got %v", raw, err)
		}
	}
}

func TestFromRecordKeepsTextualIDs(t *testing.T) {
	p, err := FromRecord(map[string]any{"Id": "P1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.DocID() != "P1" || p.Document()["Id"] != "P1" {
		t.Fatalf("expected textual id to round trip, got %s %v", p.DocID(), p.Document()["Id"])
	}
}

func TestConversionDefaultsToOne(t *testing.T) {
	for _, cv := range []any{nil, 0, -3, "bad"} {
		p, _ := FromRecord(map[string]any{"Id": 1, "ConversionValue": cv})
		if p.Conversion() != 1 {
			t.Fatalf("expected conversion 1 for %v, got %v", cv, p.Conversion())
		}
	}
	p, _ := FromRecord(map[string]any{"Id": 1, "MasterUnitId": 0})
	if !p.IsMaster() {
		t.Fatal("master unit id 0 should mean the product is its own master")
	}
}

func TestAddStampsChecksumAndSkipsDeleted(t *testing.T) {
	ctx := context.Background()
	store := firestore.NewMemory()
	svc, _ := newTestService(t, store)

	res, err := svc.Add(ctx, map[string]any{"Id": 7, "Name": "Mi tom", "OnHand": 3})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if res.ProductID != "7" || res.Skipped {
		t.Fatalf("unexpected result %+v", res)
	}
	doc, _ := store.Get(ctx, Collection, "7")
	if doc == nil {
		t.Fatal("expected stored product")
	}
	if doc.Data[checksum.FieldChecksum] != checksum.Checksum(doc.Data) {
		t.Fatal("stored checksum must match the stored content")
	}

	res, err = svc.Add(ctx, map[string]any{"Id": 7, "isDeleted": true})
	if err != nil {
		t.Fatalf("add deleted: %v", err)
	}
	if !res.Skipped {
		t.Fatal("expected deleted product to be skipped")
	}
	if store.Count(Collection) != 0 {
		t.Fatal("deleted product must be removed from the mirror")
	}
}

func TestAddBatchReportsPerItemErrors(t *testing.T) {
	ctx := context.Background()
	store := firestore.NewMemory()
	svc, _ := newTestService(t, store)

	res, err := svc.AddBatch(ctx, []any{
		map[string]any{"Id": 1},
		"not a product",
		map[string]any{"Name": "no id"},
		map[string]any{"Id": 2, "isDeleted": true},
		map[string]any{"Id": 3},
	})
	if err != nil {
		t.Fatalf("add batch: %v", err)
	}
	if res.AddedCount != 2 || res.SkippedCount != 1 || res.ErrorCount != 2 || res.TotalRequested != 5 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Errors[0].Index != 1 || res.Errors[0].Error != "Product must be a dict" {
		t.Fatalf("unexpected first error %+v", res.Errors[0])
	}
	if res.Errors[1].Error != "Missing Id" {
		t.Fatalf("unexpected second error %+v", res.Errors[1])
	}
	if store.Count(Collection) != 2 {
		t.Fatalf("expected 2 stored products, got %d", store.Count(Collection))
	}

	if _, err := svc.AddBatch(ctx, nil); err == nil {
		t.Fatal("expected empty batch to fail")
	}
}

func TestAddBatchSplitsCommits(t *testing.T) {
	ctx := context.Background()
	store := firestore.NewMemory()
	svc, _ := newTestService(t, store)

	raws := make([]any, 0, 1200)
	for i := 1; i <= 1200; i++ {
		raws = append(raws, map[string]any{"Id": i})
	}
	res, err := svc.AddBatch(ctx, raws)
	if err != nil {
		t.Fatalf("add batch: %v", err)
	}
	if res.AddedCount != 1200 {
		t.Fatalf("expected 1200 added, got %d", res.AddedCount)
	}
	if store.Commits() != 3 {
		t.Fatalf("expected 3 commits of at most 500 writes, got %d", store.Commits())
	}
}

func TestAddBatchRetriesQuota(t *testing.T) {
	ctx := context.Background()
	store := firestore.NewMemory()
	store.FailCommit = func(attempt int) error {
		if attempt < 3 {
			return status.Error(codes.ResourceExhausted, "quota")
		}
		return nil
	}
	svc, _ := newTestService(t, store)
	if _, err := svc.AddBatch(ctx, []any{map[string]any{"Id": 1}}); err != nil {
		t.Fatalf("expected quota retries to recover, got %v", err)
	}

	store.FailCommit = func(int) error { return status.Error(codes.ResourceExhausted, "quota") }
	_, err := svc.AddBatch(ctx, []any{map[string]any{"Id": 2}})
	if !pkgerrors.IsQuotaExceeded(err) {
		t.Fatalf("expected quota error, got %v", err)
	}
}

func TestReadAllFiltersAndCaches(t *testing.T) {
	ctx := context.Background()
	store := firestore.NewMemory()
	store.Seed(Collection, map[string]map[string]any{
		"1": {"Id": int64(1), "isActive": true, "isDeleted": false},
		"2": {"Id": int64(2), "isActive": false, "isDeleted": false},
		"3": {"Id": int64(3), "isActive": true, "isDeleted": true},
	})
	svc, _ := newTestService(t, store)

	active, err := svc.ReadAll(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active product, got %d", len(active))
	}
	all, _ := svc.ReadAll(ctx, ListOptions{IncludeInactive: true, IncludeDeleted: true})
	if len(all) != 3 {
		t.Fatalf("expected 3 products, got %d", len(all))
	}

	store.Seed(Collection, map[string]map[string]any{"4": {"Id": int64(4)}})
	cached, _ := svc.ReadAll(ctx, ListOptions{})
	if len(cached) != 1 {
		t.Fatalf("expected cached list, got %d", len(cached))
	}
	if _, err := svc.Add(ctx, map[string]any{"Id": 5}); err != nil {
		t.Fatalf("add: %v", err)
	}
	fresh, _ := svc.ReadAll(ctx, ListOptions{})
	if len(fresh) != 3 {
		t.Fatalf("expected writes to invalidate the list, got %d", len(fresh))
	}
}

func TestUpdateRemovesDeletedProduct(t *testing.T) {
	ctx := context.Background()
	store := firestore.NewMemory()
	store.Seed(Collection, map[string]map[string]any{"9": {"Id": int64(9), "OnHand": 4.0}})
	svc, _ := newTestService(t, store)

	res, err := svc.Update(ctx, "9", map[string]any{"OnHand": 6.0})
	if err != nil || res.Removed {
		t.Fatalf("unexpected update result %+v err %v", res, err)
	}
	res, err = svc.Update(ctx, "9", map[string]any{"isDeleted": true})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !res.Removed || store.Count(Collection) != 0 {
		t.Fatalf("expected removal, got %+v", res)
	}

	_, err = svc.Update(ctx, "404", map[string]any{"OnHand": 1})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpsertManyMergesAndRemoves(t *testing.T) {
	ctx := context.Background()
	store := firestore.NewMemory()
	store.Seed(Collection, map[string]map[string]any{
		"1": {"Id": int64(1), "Name": "old", "Cost": 5.0},
		"2": {"Id": int64(2)},
	})
	svc, _ := newTestService(t, store)

	res, err := svc.UpsertMany(ctx, map[string][]any{
		"drinks": {map[string]any{"Id": 1, "Name": "new"}, map[string]any{"Id": 2, "isDeleted": true}},
		"snacks": {map[string]any{"Id": 3, "Name": "chips"}, "junk"},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(res.Updated) != 2 || len(res.Removed) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	doc, _ := store.Get(ctx, Collection, "1")
	if doc.Data["Name"] != "new" || doc.Data["Cost"] != 5.0 {
		t.Fatalf("expected merge to keep untouched fields, got %v", doc.Data)
	}
	if gone, _ := store.Get(ctx, Collection, "2"); gone != nil {
		t.Fatal("expected deleted product to be removed")
	}
}

func TestGroupByMasterAndVariants(t *testing.T) {
	ctx := context.Background()
	store := firestore.NewMemory()
	store.Seed(Collection, map[string]map[string]any{
		"100": {"Id": int64(100), "MasterUnitId": nil},
		"101": {"Id": int64(101), "MasterUnitId": int64(100), "MasterProductId": int64(100)},
		"102": {"Id": int64(102), "MasterUnitId": int64(100), "isActive": false},
		"200": {"Id": int64(200), "MasterUnitId": int64(0)},
	})
	svc, _ := newTestService(t, store)

	groups, err := svc.GroupByMaster(ctx)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 masters, got %d", len(groups))
	}
	if len(groups["100"].Children) != 1 {
		t.Fatalf("expected 1 active child, got %d", len(groups["100"].Children))
	}

	variants, err := svc.Variants(ctx, "100")
	if err != nil {
		t.Fatalf("variants: %v", err)
	}
	if variants.Total != 3 || len(variants.Variants) != 2 {
		t.Fatalf("expected master plus 2 variants, got %+v", variants)
	}
}

func TestAdjustOnHand(t *testing.T) {
	ctx := context.Background()
	store := firestore.NewMemory()
	store.Seed(Collection, map[string]map[string]any{"1": {"Id": int64(1), "OnHand": 10.0}})
	svc, _ := newTestService(t, store)

	change, err := svc.AdjustOnHand(ctx, "1", func(cur float64) float64 { return cur - 2.5 })
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if change.OldOnHand != 10 || change.NewOnHand != 7.5 {
		t.Fatalf("unexpected change %+v", change)
	}
	_, err = svc.AdjustOnHand(ctx, "404", func(cur float64) float64 { return cur })
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEmitOnHandPicksEventByCount(t *testing.T) {
	rec := &notifications.Recorder{}
	EmitOnHand(context.Background(), rec, nil)
	EmitOnHand(context.Background(), rec, []OnHandChange{{ID: "1"}})
	EmitOnHand(context.Background(), rec, []OnHandChange{{ID: "1"}, {ID: "2"}})
	names := rec.Names()
	if len(names) != 2 || names[0] != enums.EventProductOnHandUpdated || names[1] != enums.EventProductsOnHandUpdated {
		t.Fatalf("unexpected events %v", names)
	}
}
