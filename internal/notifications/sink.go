// Package notifications delivers best-effort realtime events. Emitting never
// blocks and never fails the caller.
package notifications

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/taphoa39/taphoa-backend/pkg/enums"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
	"github.com/taphoa39/taphoa-backend/pkg/metrics"
)

const defaultBuffer = 256

// Event is one outbound notification.
type Event struct {
	Namespace string                  `json:"namespace"`
	Name      enums.NotificationEvent `json:"event"`
	Payload   any                     `json:"payload,omitempty"`
	EmittedAt time.Time               `json:"emitted_at"`
}

// Sink is the outbound event port used by every engine.
type Sink interface {
	Emit(ctx context.Context, event enums.NotificationEvent, payload any)
}

// Publisher delivers one event to a transport.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LastEvents keeps the most recent event per namespace so late subscribers can
// be replayed one event.
type LastEvents struct {
	mu     sync.RWMutex
	events map[string]Event
}

func NewLastEvents() *LastEvents {
	return &LastEvents{events: map[string]Event{}}
}

func (l *LastEvents) record(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[e.Namespace] = e
}

// Last returns the latest event emitted under namespace.
func (l *LastEvents) Last(namespace string) (Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.events[namespace]
	return e, ok
}

// Dispatcher records each event and hands it to the publisher from a single
// background goroutine. When the buffer is full the event is dropped.
type Dispatcher struct {
	publisher Publisher
	last      *LastEvents
	logg      *logger.Logger
	metrics   *metrics.EventMetrics
	queue     chan Event
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
	now       func() time.Time
}

type DispatcherParams struct {
	Publisher Publisher
	Last      *LastEvents
	Logger    *logger.Logger
	Metrics   *metrics.EventMetrics
	Buffer    int
}

func NewDispatcher(params DispatcherParams) *Dispatcher {
	buffer := params.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	last := params.Last
	if last == nil {
		last = NewLastEvents()
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	d := &Dispatcher{
		publisher: params.Publisher,
		last:      last,
		logg:      logg,
		metrics:   params.Metrics,
		queue:     make(chan Event, buffer),
		done:      make(chan struct{}),
		now:       time.Now,
	}
	go d.loop()
	return d
}

func (d *Dispatcher) Emit(ctx context.Context, name enums.NotificationEvent, payload any) {
	e := Event{
		Namespace: name.Namespace(),
		Name:      name,
		Payload:   payload,
		EmittedAt: d.now().UTC(),
	}
	d.last.record(e)
	if d.publisher == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- e:
	default:
		d.metrics.IncNotification(e.Namespace, "dropped")
		d.logg.Warn(d.logg.WithField(ctx, "event", string(name)), "notification buffer full, dropping event")
	}
}

// Last exposes the single-slot replay store.
func (d *Dispatcher) Last(namespace string) (Event, bool) {
	return d.last.Last(namespace)
}

// Close drains queued events and stops the background publisher.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for e := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.publisher.Publish(ctx, e); err != nil {
			d.metrics.IncNotification(e.Namespace, "failed")
			d.logg.Error(d.logg.WithField(ctx, "event", string(e.Name)), "notification publish failed", err)
		} else {
			d.metrics.IncNotification(e.Namespace, "published")
		}
		cancel()
	}
}

// Encode renders the wire form used by transport publishers.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, enums.NotificationEvent, any) {}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, name enums.NotificationEvent, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Namespace: name.Namespace(), Name: name, Payload: payload})
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Names lists recorded event names in emission order.
func (r *Recorder) Names() []enums.NotificationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]enums.NotificationEvent, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Name)
	}
	return out
}
