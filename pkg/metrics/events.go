package metrics

import "github.com/prometheus/client_golang/prometheus"

// Consumer outcomes for inventory-decrement events.
const (
	EventApplied = "applied"
	EventSkipped = "skipped"
	EventInvalid = "invalid"
	EventRetry   = "retry"
)

// EventMetrics counts inbound events and outbound notifications.
type EventMetrics struct {
	consumed      *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

func NewEventMetrics(reg prometheus.Registerer) *EventMetrics {
	if reg == nil {
		return &EventMetrics{}
	}
	consumed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inventory_events_total",
		Help:      "Inventory-decrement events by outcome.",
	}, []string{"outcome"})
	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Realtime notifications by namespace and delivery result.",
	}, []string{"namespace", "result"})
	reg.MustRegister(consumed, notifications)
	return &EventMetrics{consumed: consumed, notifications: notifications}
}

func (m *EventMetrics) IncConsumed(outcome string) {
	if m == nil || m.consumed == nil {
		return
	}
	m.consumed.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *EventMetrics) IncNotification(namespace, result string) {
	if m == nil || m.notifications == nil {
		return
	}
	m.notifications.WithLabelValues(normalizeLabel(namespace), normalizeLabel(result)).Inc()
}
