package events

import (
	"fmt"
	"sync"
	"time"
)

// Event names published by the lifecycle managers. Observers may subscribe to
// any subset or to Wildcard.
const (
	ProjectCreated = "project:created"
	ProjectUpdated = "project:updated"
	ProjectDeleted = "project:deleted"

	TaskCreated        = "task:created"
	TaskUpdated        = "task:updated"
	TaskDeleted        = "task:deleted"
	TaskSessionAdded   = "task:session_added"
	TaskSessionRemoved = "task:session_removed"

	SessionCreated     = "session:created"
	SessionSpawn       = "session:spawn"
	SessionActive      = "session:active"
	SessionUpdated     = "session:updated"
	SessionStopped     = "session:stopped"
	SessionFailed      = "session:failed"
	SessionTaskAdded   = "session:task_added"
	SessionTaskRemoved = "session:task_removed"

	QueueItemPushed    = "queue:item_pushed"
	QueueItemStarted   = "queue:item_started"
	QueueItemCompleted = "queue:item_completed"
	QueueItemFailed    = "queue:item_failed"
	QueueItemSkipped   = "queue:item_skipped"

	Wildcard = "*"
)

// Event is the stable envelope delivered to every subscriber.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler reacts to a single event. A handler error (or panic) is isolated
// from the publisher and from sibling handlers.
type Handler func(Event) error

type subscriber struct {
	id      int
	handler Handler
}

// Bus is an in-process publish/subscribe hub. It is explicitly constructed
// and passed by reference from the composition root; there is no package
// level instance. Delivery is synchronous, in registration order, and has no
// persistence: consumers needing durability must re-read the stores on
// reconnect instead of relying on missed events.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string][]subscriber
	nextID    int
	onFailure func(eventName string, err error)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscriber)}
}

// Subscribe registers handler for the named event (or Wildcard for all) and
// returns an unsubscribe func.
func (b *Bus) Subscribe(name string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscriber{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		kept := b.subs[name][:0]
		for _, s := range b.subs[name] {
			if s.id != id {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(b.subs, name)
			return
		}
		b.subs[name] = kept
	}
}

// SubscribeAll registers handler for every name in names and returns a single
// unsubscribe func covering all of them.
func (b *Bus) SubscribeAll(names []string, handler Handler) func() {
	cancels := make([]func(), 0, len(names))
	for _, name := range names {
		cancels = append(cancels, b.Subscribe(name, handler))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

// Publish delivers the event to every handler registered for its name and to
// wildcard handlers, synchronously and in registration order. A failing
// handler never prevents the remaining handlers from running; failures come
// back as a warning slice and are never re-thrown at the caller.
func (b *Bus) Publish(name string, data any) []error {
	evt := Event{Type: name, Data: data, Timestamp: time.Now().UTC()}

	b.mu.RLock()
	targets := make([]subscriber, 0, len(b.subs[name])+len(b.subs[Wildcard]))
	targets = append(targets, b.subs[name]...)
	targets = append(targets, b.subs[Wildcard]...)
	onFailure := b.onFailure
	b.mu.RUnlock()

	var warnings []error
	for _, s := range targets {
		if err := invoke(s.handler, evt); err != nil {
			warnings = append(warnings, fmt.Errorf("handler for %s: %w", name, err))
			if onFailure != nil {
				onFailure(name, err)
			}
		}
	}
	return warnings
}

// OnHandlerFailure installs a single hook invoked once per isolated handler
// failure, in addition to the warning slice Publish returns. Passing nil
// removes the hook.
func (b *Bus) OnHandlerFailure(fn func(eventName string, err error)) {
	b.mu.Lock()
	b.onFailure = fn
	b.mu.Unlock()
}

func invoke(h Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(evt)
}

// Names returns the full enumerated event name set, wildcard excluded.
// The realtime bridge uses it to subscribe to everything explicitly.
func Names() []string {
	return []string{
		ProjectCreated, ProjectUpdated, ProjectDeleted,
		TaskCreated, TaskUpdated, TaskDeleted, TaskSessionAdded, TaskSessionRemoved,
		SessionCreated, SessionSpawn, SessionActive, SessionUpdated,
		SessionStopped, SessionFailed, SessionTaskAdded, SessionTaskRemoved,
		QueueItemPushed, QueueItemStarted, QueueItemCompleted, QueueItemFailed, QueueItemSkipped,
	}
}
