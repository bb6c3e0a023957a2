package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EventMetrics tracks escrow events fanned out to stream subscribers.
type EventMetrics struct {
	emitted     *prometheus.CounterVec
	subscribers prometheus.Gauge
	dropped     prometheus.Counter
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *EventMetrics
)

// Events returns the metrics registry tracking escrow events fanned out to
// stream subscribers.
func Events() *EventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &EventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of escrow events segmented by type.",
			}, []string{"type"}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "events",
				Name:      "subscribers",
				Help:      "Number of connected event stream subscribers.",
			}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Events dropped because a subscriber fell behind.",
			}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.subscribers, eventRegistry.dropped)
	})
	return eventRegistry
}

// RecordEmitted increments the counter for the supplied event type.
func (m *EventMetrics) RecordEmitted(eventType string) {
	if m == nil {
		return
	}
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		eventType = "unknown"
	}
	m.emitted.WithLabelValues(eventType).Inc()
}

// SetSubscribers updates the subscriber gauge.
func (m *EventMetrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

// RecordDropped counts an event that a slow subscriber missed.
func (m *EventMetrics) RecordDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
