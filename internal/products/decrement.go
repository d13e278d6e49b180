package products

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"

	"github.com/taphoa39/taphoa-backend/internal/notifications"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/firestore"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
	"github.com/taphoa39/taphoa-backend/pkg/types"
)

// DecrementEvent is one external stock decrement. When EventID is set the
// decrement is applied at most once per product.
type DecrementEvent struct {
	EventID   string `json:"eventId,omitempty"`
	ProductID string `json:"productId" validate:"required"`
	// OnHand, when set, replaces the stock instead of subtracting Minus.
	OnHand *int64 `json:"OnHand,omitempty"`
	Minus  int64  `json:"minus" validate:"gte=0"`
}

// ParseDecrement reads the loosely keyed payload sent by the sales app.
func ParseDecrement(raw map[string]any) (DecrementEvent, error) {
	ev := DecrementEvent{
		ProductID: types.FirstID(raw, "productId", "Id", "id"),
		EventID:   types.FirstID(raw, "eventId", "invoiceId", "billId", "receiptId"),
		Minus:     types.ToInt(raw["minus"]),
	}
	if ev.ProductID == "" {
		return DecrementEvent{}, ErrMissingID
	}
	for _, k := range []string{"OnHand", "onHand", "onhand"} {
		if v, ok := raw[k]; ok {
			n := types.ToInt(v)
			ev.OnHand = &n
			break
		}
	}
	return ev, nil
}

var decrementValidator = validator.New()

// DecodeDecrements accepts a single event object, an array of events, or an
// object with a products array. Every event is validated; the first invalid
// one rejects the whole payload.
func DecodeDecrements(data []byte) ([]DecrementEvent, error) {
	var raws []map[string]any
	if err := json.Unmarshal(data, &raws); err != nil {
		var single map[string]any
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode stock events")
		}
		if list, ok := single["products"].([]any); ok {
			for _, entry := range list {
				m, ok := entry.(map[string]any)
				if !ok {
					return nil, pkgerrors.New(pkgerrors.CodeValidation, "products entries must be objects")
				}
				raws = append(raws, m)
			}
		} else {
			raws = []map[string]any{single}
		}
	}
	if len(raws) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "no stock events in payload")
	}

	events := make([]DecrementEvent, 0, len(raws))
	for i, raw := range raws {
		ev, err := ParseDecrement(raw)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid stock event").
				WithDetails(map[string]any{"index": i})
		}
		if err := decrementValidator.Struct(ev); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid stock event").
				WithDetails(map[string]any{"index": i, "product_id": ev.ProductID})
		}
		events = append(events, ev)
	}
	return events, nil
}

// MarkerID keys the processed-event marker.
func (e DecrementEvent) MarkerID() string {
	if e.EventID == "" {
		return ""
	}
	return e.EventID + "_" + e.ProductID
}

type DecrementStatus string

const (
	DecrementApplied  DecrementStatus = "applied"
	DecrementSkipped  DecrementStatus = "skipped"
	DecrementNotFound DecrementStatus = "not_found"
)

type DecrementOutcome struct {
	Status DecrementStatus `json:"status"`
	Change *OnHandChange   `json:"change,omitempty"`
}

type DecrementResult struct {
	Message string            `json:"message"`
	Updated []OnHandChange    `json:"updated_products"`
	Skipped []string          `json:"skipped,omitempty"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Decrementer applies sales-app stock decrements through the marker
// transaction.
type Decrementer struct {
	store    firestore.Store
	service  Service
	notifier notifications.Sink
	logg     *logger.Logger
}

func NewDecrementer(store firestore.Store, service Service, notifier notifications.Sink, logg *logger.Logger) (*Decrementer, error) {
	if store == nil {
		return nil, fmt.Errorf("product store required")
	}
	if service == nil {
		return nil, fmt.Errorf("product service required")
	}
	if notifier == nil {
		notifier = notifications.NopSink{}
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Decrementer{store: store, service: service, notifier: notifier, logg: logg}, nil
}

// Apply processes every event independently. Failures are reported per
// product and never stop the remaining events.
func (d *Decrementer) Apply(ctx context.Context, events []DecrementEvent) (*DecrementResult, error) {
	result := &DecrementResult{Updated: []OnHandChange{}}
	var errs error
	for _, ev := range events {
		outcome, err := d.ApplyOne(ctx, ev)
		if err != nil {
			if pkgerrors.IsQuotaExceeded(err) {
				return nil, err
			}
			if result.Failed == nil {
				result.Failed = map[string]string{}
			}
			result.Failed[ev.ProductID] = err.Error()
			errs = multierr.Append(errs, fmt.Errorf("product %s: %w", ev.ProductID, err))
			continue
		}
		switch outcome.Status {
		case DecrementApplied:
			result.Updated = append(result.Updated, *outcome.Change)
		case DecrementSkipped:
			result.Skipped = append(result.Skipped, ev.ProductID)
		}
	}
	if errs != nil {
		d.logg.Warn(d.logg.WithField(ctx, "failed", len(result.Failed)), "stock decrements failed: "+errs.Error())
	}
	result.Message = fmt.Sprintf("Updated stock of %d products", len(result.Updated))
	EmitOnHand(ctx, d.notifier, result.Updated)
	return result, nil
}

// ApplyOne runs the read-marker, write-stock, write-marker transaction for a
// single event.
func (d *Decrementer) ApplyOne(ctx context.Context, ev DecrementEvent) (DecrementOutcome, error) {
	if ev.ProductID == "" {
		return DecrementOutcome{}, pkgerrors.New(pkgerrors.CodeValidation, ErrMissingID.Error())
	}
	marker := ev.MarkerID()
	var outcome DecrementOutcome
	err := d.store.RunTransaction(ctx, func(ctx context.Context, tx firestore.Tx) error {
		outcome = DecrementOutcome{}
		doc, err := tx.Get(Collection, ev.ProductID)
		if err != nil {
			return err
		}
		if doc == nil {
			outcome.Status = DecrementNotFound
			return nil
		}
		if marker != "" {
			seen, err := tx.Get(MarkerCollection, marker)
			if err != nil {
				return err
			}
			if seen != nil {
				outcome.Status = DecrementSkipped
				return nil
			}
		}

		current := types.ToFloat(doc.Data[FieldOnHand])
		target := current - float64(ev.Minus)
		if ev.OnHand != nil {
			target = float64(*ev.OnHand)
		}
		target = types.ClampZero(target)
		if err := tx.Update(Collection, ev.ProductID, map[string]any{FieldOnHand: target}); err != nil {
			return err
		}
		if marker != "" {
			if err := tx.Set(MarkerCollection, marker, map[string]any{
				"applied":   true,
				"productId": ev.ProductID,
				"minus":     ev.Minus,
			}, false); err != nil {
				return err
			}
		}
		outcome.Status = DecrementApplied
		outcome.Change = &OnHandChange{ID: ev.ProductID, OldOnHand: current, NewOnHand: target}
		return nil
	})
	if err != nil {
		return DecrementOutcome{}, pkgerrors.FromGRPC(err, "apply stock decrement")
	}
	if outcome.Status == DecrementApplied {
		d.service.Invalidate(ctx, ev.ProductID)
	}
	return outcome, nil
}
