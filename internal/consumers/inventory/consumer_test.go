package inventory

import (
	"context"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/taphoa39/taphoa-backend/internal/notifications"
	"github.com/taphoa39/taphoa-backend/internal/products"
	"github.com/taphoa39/taphoa-backend/pkg/cache"
	"github.com/taphoa39/taphoa-backend/pkg/enums"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/firestore"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
	"github.com/taphoa39/taphoa-backend/pkg/types"
)

type nopReceiver struct{}

func (nopReceiver) Receive(context.Context, func(context.Context, *pubsub.Message)) error {
	return nil
}

type memoryClaims struct {
	claimed  map[string]bool
	released []string
}

func (m *memoryClaims) Claim(_ context.Context, consumer, id string) (bool, error) {
	if m.claimed == nil {
		m.claimed = map[string]bool{}
	}
	key := consumer + ":" + id
	already := m.claimed[key]
	m.claimed[key] = true
	return already, nil
}

func (m *memoryClaims) Release(_ context.Context, consumer, id string) error {
	delete(m.claimed, consumer+":"+id)
	m.released = append(m.released, id)
	return nil
}

type stubApplier struct {
	err   error
	calls []products.DecrementEvent
}

func (s *stubApplier) ApplyOne(_ context.Context, ev products.DecrementEvent) (products.DecrementOutcome, error) {
	s.calls = append(s.calls, ev)
	if s.err != nil && len(s.calls) > 1 {
		return products.DecrementOutcome{}, s.err
	}
	return products.DecrementOutcome{
		Status: products.DecrementApplied,
		Change: &products.OnHandChange{ID: ev.ProductID, OldOnHand: 5, NewOnHand: 4},
	}, nil
}

func newStoreConsumer(t *testing.T) (*Consumer, *firestore.Memory, *notifications.Recorder, *memoryClaims) {
	t.Helper()
	store := firestore.NewMemory()
	svc, err := products.NewService(products.ServiceParams{
		Store:  store,
		Loader: cache.NewLoader(cache.NewMemory(32, time.Minute), nil),
		Retry:  firestore.RetryPolicy{Attempts: 1, Base: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("product service: %v", err)
	}
	rec := &notifications.Recorder{}
	dec, err := products.NewDecrementer(store, svc, nil, nil)
	if err != nil {
		t.Fatalf("decrementer: %v", err)
	}
	claims := &memoryClaims{}
	consumer, err := NewConsumer(Params{
		Subscription: nopReceiver{},
		Decrementer:  dec,
		Guard:        claims,
		Notifier:     rec,
		Logger:       logger.Nop(),
	})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	return consumer, store, rec, claims
}

func onHand(t *testing.T, store *firestore.Memory, id string) float64 {
	t.Helper()
	doc, err := store.Get(context.Background(), products.Collection, id)
	if err != nil || doc == nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return types.ToFloat(doc.Data[products.FieldOnHand])
}

func TestConsumerAppliesBatchOnce(t *testing.T) {
	ctx := context.Background()
	consumer, store, rec, _ := newStoreConsumer(t)
	store.Seed(products.Collection, map[string]map[string]any{
		"P1": {"OnHand": 10.0},
		"P2": {"OnHand": 1.0},
	})
	payload := []byte(`{"products":[{"productId":"P1","minus":3,"eventId":"B1"},{"productId":"P2","minus":5,"eventId":"B1"}]}`)

	if retry := consumer.handle(ctx, "m1", payload); retry {
		t.Fatal("expected ack")
	}
	if got := onHand(t, store, "P1"); got != 7 {
		t.Fatalf("expected P1 at 7, got %v", got)
	}
	if got := onHand(t, store, "P2"); got != 0 {
		t.Fatalf("expected P2 clamped at 0, got %v", got)
	}
	names := rec.Names()
	if len(names) != 1 || names[0] != enums.EventProductsOnHandUpdated {
		t.Fatalf("expected one batch notification, got %v", names)
	}

	// Same event under a new message id is stopped by the markers.
	if retry := consumer.handle(ctx, "m2", payload); retry {
		t.Fatal("expected ack on replay")
	}
	if got := onHand(t, store, "P1"); got != 7 {
		t.Fatalf("replay must not decrement again, got %v", got)
	}

	// Same message id is stopped before touching the store.
	if retry := consumer.handle(ctx, "m1", payload); retry {
		t.Fatal("expected ack on redelivery")
	}
	if len(rec.Names()) != 1 {
		t.Fatalf("redelivery must not notify, got %v", rec.Names())
	}
}

func TestConsumerAcksMalformedPayloads(t *testing.T) {
	consumer, store, _, claims := newStoreConsumer(t)
	store.Seed(products.Collection, map[string]map[string]any{"P1": {"OnHand": 10.0}})
	for _, payload := range []string{
		`not json`,
		`[]`,
		`{"minus":1}`,
		`{"productId":"P1","minus":-2}`,
		`{"products":["P1"]}`,
	} {
		if retry := consumer.handle(context.Background(), "bad", []byte(payload)); retry {
			t.Fatalf("malformed payload %s must be acked", payload)
		}
	}
	if got := onHand(t, store, "P1"); got != 10 {
		t.Fatalf("malformed payloads must not move stock, got %v", got)
	}
	if len(claims.claimed) != 0 {
		t.Fatal("malformed payloads must not be claimed")
	}
}

func TestConsumerSingleObjectAndUnknownProduct(t *testing.T) {
	consumer, store, rec, _ := newStoreConsumer(t)
	store.Seed(products.Collection, map[string]map[string]any{"P1": {"OnHand": 4.0}})

	consumer.handle(context.Background(), "m1", []byte(`{"Id":"P1","OnHand":9}`))
	if got := onHand(t, store, "P1"); got != 9 {
		t.Fatalf("expected absolute OnHand to replace stock, got %v", got)
	}
	consumer.handle(context.Background(), "m2", []byte(`[{"productId":"ghost","minus":1}]`))
	if names := rec.Names(); len(names) != 1 || names[0] != enums.EventProductOnHandUpdated {
		t.Fatalf("expected single-product notification only, got %v", names)
	}
}

func TestConsumerNacksTransientFailuresWhenReplayable(t *testing.T) {
	applier := &stubApplier{err: pkgerrors.New(pkgerrors.CodeQuotaExceeded, "quota")}
	claims := &memoryClaims{}
	consumer, err := NewConsumer(Params{
		Subscription: nopReceiver{},
		Decrementer:  applier,
		Guard:        claims,
		Logger:       logger.Nop(),
	})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}

	replayable := []byte(`[{"productId":"P1","minus":1,"eventId":"E"},{"productId":"P2","minus":1,"eventId":"E"}]`)
	if retry := consumer.handle(context.Background(), "m1", replayable); !retry {
		t.Fatal("expected nack for transient failure")
	}
	if len(claims.released) != 1 || claims.released[0] != "m1" {
		t.Fatalf("expected claim released for redelivery, got %v", claims.released)
	}

	applier.calls = nil
	unsafe := []byte(`[{"productId":"P1","minus":1},{"productId":"P2","minus":1}]`)
	if retry := consumer.handle(context.Background(), "m2", unsafe); retry {
		t.Fatal("events without ids must be acked to avoid double decrements")
	}

	applier.calls = nil
	applier.err = pkgerrors.New(pkgerrors.CodeValidation, "bad")
	if retry := consumer.handle(context.Background(), "m3", replayable); retry {
		t.Fatal("permanent failures must be acked")
	}
}

func TestNewConsumerValidation(t *testing.T) {
	if _, err := NewConsumer(Params{Decrementer: &stubApplier{}, Logger: logger.Nop()}); err == nil {
		t.Fatal("expected missing subscription to fail")
	}
	if _, err := NewConsumer(Params{Subscription: nopReceiver{}, Logger: logger.Nop()}); err == nil {
		t.Fatal("expected missing decrementer to fail")
	}
	if _, err := NewConsumer(Params{Subscription: nopReceiver{}, Decrementer: &stubApplier{}}); err == nil {
		t.Fatal("expected missing logger to fail")
	}
}
