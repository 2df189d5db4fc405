package observability

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/antoniostano/maestro/internal/events"
)

// Metrics groups all Prometheus instruments used by the coordinator.
type Metrics struct {
	ActiveSessions       prometheus.Gauge
	DomainEvents         *prometheus.CounterVec
	EventHandlerFailures prometheus.Counter
	SpawnResults         *prometheus.CounterVec
	QueueItems           *prometheus.CounterVec
	WSObservers          prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions in spawning or active status.",
		}),
		DomainEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "domain_events_total",
			Help:      "Domain events published on the bus by type.",
		}, []string{"type"}),
		EventHandlerFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_handler_failures_total",
			Help:      "Event handler errors and panics isolated by the bus.",
		}),
		SpawnResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_results_total",
			Help:      "Session spawn attempts by outcome.",
		}, []string{"outcome"}),
		QueueItems: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_items_total",
			Help:      "Queue item terminal transitions by status.",
		}, []string{"status"}),
		WSObservers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_observers",
			Help:      "Connected realtime event observers.",
		}),
	}
}

// ObserveBus counts every published event and keeps the session gauge in
// step with session lifecycle events. activeSessions is polled rather than
// tracked incrementally so restarts and missed events cannot skew the gauge.
// Handler failures isolated by the bus land on EventHandlerFailures via the
// bus hook. Returns a func that detaches both.
func (m *Metrics) ObserveBus(bus *events.Bus, activeSessions func() int) func() {
	bus.OnHandlerFailure(func(string, error) {
		m.EventHandlerFailures.Inc()
	})
	unsubscribe := bus.Subscribe(events.Wildcard, func(evt events.Event) error {
		m.DomainEvents.WithLabelValues(evt.Type).Inc()
		switch {
		case strings.HasPrefix(evt.Type, "session:"):
			if activeSessions != nil {
				m.ActiveSessions.Set(float64(activeSessions()))
			}
			if evt.Type == events.SessionSpawn {
				m.SpawnResults.WithLabelValues("started").Inc()
			}
			if evt.Type == events.SessionFailed {
				m.SpawnResults.WithLabelValues("failed").Inc()
			}
		case evt.Type == events.QueueItemCompleted:
			m.QueueItems.WithLabelValues("completed").Inc()
		case evt.Type == events.QueueItemFailed:
			m.QueueItems.WithLabelValues("failed").Inc()
		case evt.Type == events.QueueItemSkipped:
			m.QueueItems.WithLabelValues("skipped").Inc()
		}
		return nil
	})
	return func() {
		bus.OnHandlerFailure(nil)
		unsubscribe()
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
