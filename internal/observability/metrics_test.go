package observability

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/antoniostano/maestro/internal/events"
)

func TestObserveBusCountsEventsAndHandlerFailures(t *testing.T) {
	m := NewMetrics("obs_bus_test")
	bus := events.NewBus()
	detach := m.ObserveBus(bus, func() int { return 3 })
	defer detach()

	bus.Subscribe(events.TaskUpdated, func(events.Event) error {
		return errors.New("broken observer")
	})

	bus.Publish(events.TaskUpdated, nil)
	bus.Publish(events.TaskUpdated, nil)
	bus.Publish(events.SessionActive, nil)
	bus.Publish(events.QueueItemCompleted, nil)

	if got := testutil.ToFloat64(m.DomainEvents.WithLabelValues(events.TaskUpdated)); got != 2 {
		t.Fatalf("task:updated count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.EventHandlerFailures); got != 2 {
		t.Fatalf("handler failure count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 3 {
		t.Fatalf("active sessions gauge = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.QueueItems.WithLabelValues("completed")); got != 1 {
		t.Fatalf("completed queue items = %v, want 1", got)
	}
}

func TestObserveBusDetachStopsCounting(t *testing.T) {
	m := NewMetrics("obs_detach_test")
	bus := events.NewBus()
	detach := m.ObserveBus(bus, nil)
	detach()

	bus.Subscribe(events.TaskUpdated, func(events.Event) error {
		return errors.New("broken observer")
	})
	bus.Publish(events.TaskUpdated, nil)

	if got := testutil.ToFloat64(m.DomainEvents.WithLabelValues(events.TaskUpdated)); got != 0 {
		t.Fatalf("count after detach = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.EventHandlerFailures); got != 0 {
		t.Fatalf("failure count after detach = %v, want 0", got)
	}
}
