// Package inventory consumes stock-decrement events published by the sales
// app and applies them through the product marker transaction.
package inventory

import (
	"context"
	"errors"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/taphoa39/taphoa-backend/internal/notifications"
	"github.com/taphoa39/taphoa-backend/internal/products"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
	"github.com/taphoa39/taphoa-backend/pkg/metrics"
)

const consumerName = "inventory"

type receiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

type applier interface {
	ApplyOne(ctx context.Context, ev products.DecrementEvent) (products.DecrementOutcome, error)
}

type claimer interface {
	Claim(ctx context.Context, consumer, messageID string) (bool, error)
	Release(ctx context.Context, consumer, messageID string) error
}

// Params wire the consumer. Guard is optional; without it redeliveries rely
// on the per-product markers alone.
type Params struct {
	Subscription receiver
	Decrementer  applier
	Guard        claimer
	Notifier     notifications.Sink
	Metrics      *metrics.EventMetrics
	Logger       *logger.Logger
}

// Consumer acks applied, skipped and malformed messages and nacks transient
// failures so the broker redelivers them.
type Consumer struct {
	subscription receiver
	decrementer  applier
	guard        claimer
	notifier     notifications.Sink
	metrics      *metrics.EventMetrics
	logg         *logger.Logger
}

func NewConsumer(params Params) (*Consumer, error) {
	if params.Subscription == nil {
		return nil, errors.New("inventory subscription is required")
	}
	if params.Decrementer == nil {
		return nil, errors.New("stock decrementer is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	notifier := params.Notifier
	if notifier == nil {
		notifier = notifications.NopSink{}
	}
	return &Consumer{
		subscription: params.Subscription,
		decrementer:  params.Decrementer,
		guard:        params.Guard,
		notifier:     notifier,
		metrics:      params.Metrics,
		logg:         params.Logger,
	}, nil
}

// Run processes messages until the context is canceled or the subscription errors.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.handle(ctx, msg.ID, msg.Data) {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// handle reports whether the message should be redelivered.
func (c *Consumer) handle(ctx context.Context, messageID string, data []byte) (retry bool) {
	logCtx := c.logg.WithField(ctx, "message_id", messageID)

	events, err := products.DecodeDecrements(data)
	if err != nil {
		c.logg.Error(logCtx, "dropping malformed inventory event", err)
		c.metrics.IncConsumed(metrics.EventInvalid)
		return false
	}

	if c.guard != nil && messageID != "" {
		already, err := c.guard.Claim(ctx, consumerName, messageID)
		if err != nil {
			c.logg.Warn(logCtx, "idempotency claim failed, relying on markers: "+err.Error())
		} else if already {
			c.logg.Info(logCtx, "inventory event already processed")
			c.metrics.IncConsumed(metrics.EventSkipped)
			return false
		}
	}

	replayable := true
	for _, ev := range events {
		if ev.EventID == "" {
			replayable = false
		}
	}

	var changes []products.OnHandChange
	for _, ev := range events {
		evCtx := c.logg.WithFields(logCtx, map[string]any{"product_id": ev.ProductID, "event_id": ev.EventID})
		outcome, err := c.decrementer.ApplyOne(ctx, ev)
		if err != nil {
			// A replay re-runs every event in the message; without event ids
			// the already applied ones would be subtracted twice.
			if isTransient(err) && replayable {
				c.logg.Error(evCtx, "transient stock decrement failure, requesting redelivery", err)
				c.metrics.IncConsumed(metrics.EventRetry)
				c.release(logCtx, messageID)
				products.EmitOnHand(ctx, c.notifier, changes)
				return true
			}
			c.logg.Error(evCtx, "stock decrement failed", err)
			c.metrics.IncConsumed(metrics.EventInvalid)
			continue
		}
		switch outcome.Status {
		case products.DecrementApplied:
			changes = append(changes, *outcome.Change)
			c.metrics.IncConsumed(metrics.EventApplied)
		case products.DecrementSkipped:
			c.metrics.IncConsumed(metrics.EventSkipped)
		case products.DecrementNotFound:
			c.logg.Warn(evCtx, "product not found for stock decrement")
			c.metrics.IncConsumed(metrics.EventInvalid)
		}
	}
	products.EmitOnHand(ctx, c.notifier, changes)
	return false
}

func (c *Consumer) release(ctx context.Context, messageID string) {
	if c.guard == nil || messageID == "" {
		return
	}
	if err := c.guard.Release(ctx, consumerName, messageID); err != nil {
		c.logg.Warn(ctx, "idempotency release failed: "+err.Error())
	}
}

func isTransient(err error) bool {
	typed := pkgerrors.As(err)
	if typed == nil {
		return false
	}
	switch typed.Code() {
	case pkgerrors.CodeQuotaExceeded, pkgerrors.CodeTimeout, pkgerrors.CodeDependency:
		return true
	}
	return false
}
