package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/taphoa39/taphoa-backend/internal/syncruns"
	"github.com/taphoa39/taphoa-backend/pkg/enums"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/firestore"
	"github.com/taphoa39/taphoa-backend/pkg/metrics"
	"github.com/taphoa39/taphoa-backend/pkg/types"
)

type fakeRuns struct {
	startErr error
	started  int
	finished []syncruns.Outcome
}

func (f *fakeRuns) Start(_ context.Context, resource enums.SyncResource, trigger string) (*syncruns.Run, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started++
	return &syncruns.Run{ID: uuid.New(), Resource: resource, Trigger: trigger, Status: enums.SyncRunRunning}, nil
}

func (f *fakeRuns) Finish(_ context.Context, id uuid.UUID, outcome syncruns.Outcome) (*syncruns.Run, error) {
	f.finished = append(f.finished, outcome)
	return &syncruns.Run{ID: id}, nil
}

func records(n int) []map[string]any {
	out := make([]map[string]any, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, map[string]any{"Id": int64(i), "Name": fmt.Sprintf("item-%d", i)})
	}
	return out
}

func testJob(raws []map[string]any, invalidated *[]string) Job {
	return Job{
		Resource:   enums.SyncResourceProducts,
		Collection: "products",
		Fetch: func(context.Context) ([]map[string]any, error) {
			return raws, nil
		},
		Normalize: func(raw map[string]any) (Item, error) {
			id := types.ToID(raw["Id"])
			if id == "" {
				return Item{}, errors.New("missing id")
			}
			doc := map[string]any{}
			for k, v := range raw {
				doc[k] = v
			}
			return Item{ID: id, Doc: doc}, nil
		},
		Invalidate: func(_ context.Context, ids []string) {
			if invalidated != nil {
				*invalidated = append(*invalidated, ids...)
			}
		},
	}
}

func newTestEngine(t *testing.T, store firestore.Store, runs RunRecorder, m *metrics.SyncMetrics) *Engine {
	t.Helper()
	e, err := NewEngine(Params{
		Store:   store,
		Runs:    runs,
		Metrics: m,
		Retry:   firestore.RetryPolicy{Attempts: 2, Base: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestRunBoundsBatchesAt500(t *testing.T) {
	store := firestore.NewMemory()
	runs := &fakeRuns{}
	var invalidated []string
	e := newTestEngine(t, store, runs, nil)

	res := e.Run(context.Background(), testJob(records(1001), &invalidated))
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if store.Commits() != 3 {
		t.Fatalf("expected 3 commits, got %d", store.Commits())
	}
	if res.Stats.UpdatedOrCreated != 1001 || len(invalidated) != 1001 {
		t.Fatalf("unexpected stats %+v invalidated %d", res.Stats, len(invalidated))
	}
	if res.RunID == nil || runs.started != 1 || len(runs.finished) != 1 || !runs.finished[0].Success {
		t.Fatalf("expected run ledger entry, got %+v", runs)
	}
	if runs.finished[0].UpdatedOrCreated != 1001 {
		t.Fatalf("unexpected ledger outcome %+v", runs.finished[0])
	}
}

func TestRunKeepsCommittedBatchesOnFailure(t *testing.T) {
	store := firestore.NewMemory()
	store.FailCommit = func(attempt int) error {
		if attempt >= 2 {
			return status.Error(codes.ResourceExhausted, "quota")
		}
		return nil
	}
	runs := &fakeRuns{}
	var invalidated []string
	e := newTestEngine(t, store, runs, nil)

	res := e.Run(context.Background(), testJob(records(700), &invalidated))
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorType != string(pkgerrors.CodeQuotaExceeded) {
		t.Fatalf("expected quota error type, got %s", res.ErrorType)
	}
	if store.Count("products") != 500 {
		t.Fatalf("expected first batch to stay applied, got %d", store.Count("products"))
	}
	if res.Stats.UpdatedOrCreated != 500 || len(invalidated) != 500 {
		t.Fatalf("expected only committed writes reported, got %+v", res.Stats)
	}
	if len(runs.finished) != 1 || runs.finished[0].Success || runs.finished[0].ErrorType == "" {
		t.Fatalf("expected failed ledger entry, got %+v", runs.finished)
	}
}

func TestRunRejectedWhileAnotherRunIsOpen(t *testing.T) {
	runs := &fakeRuns{startErr: pkgerrors.New(pkgerrors.CodeConflict, "a sync run is already in progress")}
	e := newTestEngine(t, firestore.NewMemory(), runs, nil)

	res := e.Run(context.Background(), testJob(records(1), nil))
	if res.Success || res.ErrorType != string(pkgerrors.CodeConflict) {
		t.Fatalf("expected conflict, got %+v", res)
	}
}

func TestRunClassifiesByChecksumOnly(t *testing.T) {
	ctx := context.Background()
	store := firestore.NewMemory()
	reg := prometheus.NewRegistry()
	m := metrics.NewSyncMetrics(reg)
	e := newTestEngine(t, store, nil, m)

	raws := records(3)
	if res := e.Run(ctx, testJob(raws, nil)); res.Stats.UpdatedOrCreated != 3 {
		t.Fatalf("expected initial load, got %+v", res.Stats)
	}
	raws[1]["Name"] = "renamed"
	res := e.Run(ctx, testJob(raws, nil))
	if res.Stats.Unchanged != 2 || res.Stats.UpdatedOrCreated != 1 {
		t.Fatalf("expected one changed record, got %+v", res.Stats)
	}
	if got := counterValue(t, reg, "taphoa_sync_items_total", "outcome", metrics.OutcomeUpserted); got != 4 {
		t.Fatalf("expected 4 upserts recorded, got %v", got)
	}
}

func TestRunAbortsWhenLocalChecksumsFail(t *testing.T) {
	e := newTestEngine(t, failingSelect{Memory: firestore.NewMemory()}, nil, nil)
	fetched := false
	job := testJob(records(1), nil)
	job.Fetch = func(context.Context) ([]map[string]any, error) {
		fetched = true
		return nil, nil
	}
	res := e.Run(context.Background(), job)
	if res.Success || fetched {
		t.Fatalf("expected abort before fetching, got %+v fetched=%v", res, fetched)
	}
	if res.ErrorType != string(pkgerrors.CodeTimeout) {
		t.Fatalf("expected timeout classification, got %s", res.ErrorType)
	}
}

type failingSelect struct {
	*firestore.Memory
}

func (failingSelect) Select(context.Context, string, ...string) ([]firestore.Document, error) {
	return nil, status.Error(codes.DeadlineExceeded, "slow")
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if hasLabel(metric, label, value) {
				total += metric.GetCounter().GetValue()
			}
		}
	}
	return total
}

func hasLabel(metric *dto.Metric, name, value string) bool {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}
