// Package queue implements the per-session sequential work queue. A session
// running the queue strategy drains it one item at a time: start the oldest
// queued item, finish it, start the next. Finished items stay in the store as
// history and are never selected again.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/maestro/internal/core"
	"github.com/antoniostano/maestro/internal/events"
	"github.com/antoniostano/maestro/internal/model"
	"github.com/antoniostano/maestro/internal/store"
	"github.com/antoniostano/maestro/internal/task"
)

// Status summarizes one session's queue.
type Status struct {
	SessionID  string           `json:"sessionId"`
	Queued     int              `json:"queued"`
	Processing int              `json:"processing"`
	Completed  int              `json:"completed"`
	Failed     int              `json:"failed"`
	Skipped    int              `json:"skipped"`
	Current    *model.QueueItem `json:"current,omitempty"`
}

// Manager serializes queue mutations behind one mutex, which is what makes
// "at most one processing item per session" hold under concurrent StartNext
// calls. Work status changes are forwarded to the task manager on behalf of
// the owning session, so dependency gating and the work status state machine
// stay in one place.
type Manager struct {
	mu    sync.Mutex
	queue store.Repo[model.QueueItem]
	tasks *task.Manager
	bus   *events.Bus

	position int64
}

func NewManager(queue store.Repo[model.QueueItem], tasks *task.Manager, bus *events.Bus) *Manager {
	return &Manager{queue: queue, tasks: tasks, bus: bus}
}

// Push enqueues a task for a session. The task must already be assigned to
// the session, and a (session, task) pair may only appear once among the
// non-terminal items; re-queuing after a failure or skip is allowed, but not
// after the session's own work status reached completed or cancelled — such
// an item could never start and would block everything behind it.
func (m *Manager) Push(ctx context.Context, sessionID, taskID string) (model.QueueItem, error) {
	sessionID = strings.TrimSpace(sessionID)
	taskID = strings.TrimSpace(taskID)
	if sessionID == "" || taskID == "" {
		return model.QueueItem{}, fmt.Errorf("%w: sessionId and taskId are required", core.ErrValidation)
	}

	t, err := m.tasks.Get(ctx, taskID)
	if err != nil {
		return model.QueueItem{}, err
	}
	if !t.HasSession(sessionID) {
		return model.QueueItem{}, fmt.Errorf(
			"%w: task %s not assigned to session %s", core.ErrConflict, taskID, sessionID)
	}
	switch ws := t.PerSessionStatus[sessionID]; ws {
	case model.WorkStatusCompleted, model.WorkStatusCancelled:
		return model.QueueItem{}, fmt.Errorf(
			"%w: task %s is already %s for session %s", core.ErrConflict, taskID, ws, sessionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.sessionItemsLocked(ctx, sessionID)
	if err != nil {
		return model.QueueItem{}, err
	}
	for _, item := range items {
		if item.TaskID == taskID && !item.Status.Terminal() {
			return model.QueueItem{}, fmt.Errorf(
				"%w: task %s already queued for session %s", core.ErrConflict, taskID, sessionID)
		}
	}

	m.position++
	item := model.QueueItem{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		TaskID:    taskID,
		Status:    model.QueueItemQueued,
		Position:  m.position,
		CreatedAt: time.Now().UTC(),
		Version:   1,
	}
	if _, err := m.queue.Put(ctx, item.ID, 0, item); err != nil {
		return model.QueueItem{}, err
	}
	m.publish(events.QueueItemPushed, item.Clone())
	return item, nil
}

// StartNext promotes the oldest queued item to processing. It fails with
// core.ErrConflict while another item is still processing, and with
// core.ErrNotFound on an empty queue. The owning task's work status entry
// moves to working through the task manager, which may auto-start the task.
func (m *Manager) StartNext(ctx context.Context, sessionID string) (model.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.sessionItemsLocked(ctx, sessionID)
	if err != nil {
		return model.QueueItem{}, err
	}
	var next *model.QueueItem
	for i := range items {
		switch items[i].Status {
		case model.QueueItemProcessing:
			return model.QueueItem{}, fmt.Errorf(
				"%w: session %s is already processing task %s",
				core.ErrConflict, sessionID, items[i].TaskID)
		case model.QueueItemQueued:
			if next == nil {
				next = &items[i]
			}
		}
	}
	if next == nil {
		return model.QueueItem{}, fmt.Errorf(
			"%w: no queued items for session %s", core.ErrNotFound, sessionID)
	}

	now := time.Now().UTC()
	expected := next.Version
	next.Status = model.QueueItemProcessing
	next.StartedAt = &now
	next.Version = expected + 1
	if _, err := m.queue.Put(ctx, next.ID, expected, *next); err != nil {
		return model.QueueItem{}, err
	}

	if _, err := m.tasks.ReportWorkStatus(ctx, next.TaskID, sessionID, model.WorkStatusWorking); err != nil {
		// Roll the item back so the queue does not wedge on a gated task.
		expected = next.Version
		next.Status = model.QueueItemQueued
		next.StartedAt = nil
		next.Version = expected + 1
		if _, putErr := m.queue.Put(ctx, next.ID, expected, *next); putErr != nil {
			next.Version = expected
		}
		return model.QueueItem{}, err
	}

	m.publish(events.QueueItemStarted, next.Clone())
	return *next, nil
}

// Complete finishes the currently processing item successfully.
func (m *Manager) Complete(ctx context.Context, sessionID string) (model.QueueItem, error) {
	return m.finish(ctx, sessionID, model.QueueItemCompleted, "", model.WorkStatusCompleted, events.QueueItemCompleted)
}

// Fail finishes the currently processing item as failed, recording why.
func (m *Manager) Fail(ctx context.Context, sessionID, reason string) (model.QueueItem, error) {
	return m.finish(ctx, sessionID, model.QueueItemFailed, reason, model.WorkStatusFailed, events.QueueItemFailed)
}

// Skip abandons the currently processing item without treating it as an
// error. The per-session work status returns to queued is not possible once
// working, so skip reports blocked with the skip reason.
func (m *Manager) Skip(ctx context.Context, sessionID, reason string) (model.QueueItem, error) {
	return m.finish(ctx, sessionID, model.QueueItemSkipped, reason, model.WorkStatusBlocked, events.QueueItemSkipped)
}

func (m *Manager) finish(ctx context.Context, sessionID string, target model.QueueItemStatus, reason string, work model.WorkStatus, eventName string) (model.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.sessionItemsLocked(ctx, sessionID)
	if err != nil {
		return model.QueueItem{}, err
	}
	var current *model.QueueItem
	for i := range items {
		if items[i].Status == model.QueueItemProcessing {
			current = &items[i]
			break
		}
	}
	if current == nil {
		return model.QueueItem{}, fmt.Errorf(
			"%w: session %s has no processing item", core.ErrNotFound, sessionID)
	}

	now := time.Now().UTC()
	expected := current.Version
	current.Status = target
	current.Reason = reason
	current.CompletedAt = &now
	current.Version = expected + 1
	if _, err := m.queue.Put(ctx, current.ID, expected, *current); err != nil {
		return model.QueueItem{}, err
	}

	if _, err := m.tasks.ReportWorkStatus(ctx, current.TaskID, sessionID, work); err != nil {
		// The queue item already reached its terminal state; a rejected
		// forwarded status (for instance a detached task) must not undo that.
		if !errors.Is(err, core.ErrConflict) && !errors.Is(err, core.ErrNotFound) {
			log.Printf("queue %s: forward %s for task %s: %v", sessionID, work, current.TaskID, err)
		}
	}

	m.publish(eventName, current.Clone())
	return *current, nil
}

// Status reports counts per state plus the currently processing item, if any.
func (m *Manager) Status(ctx context.Context, sessionID string) (Status, error) {
	items, err := m.List(ctx, sessionID)
	if err != nil {
		return Status{}, err
	}
	st := Status{SessionID: strings.TrimSpace(sessionID)}
	for i := range items {
		switch items[i].Status {
		case model.QueueItemQueued:
			st.Queued++
		case model.QueueItemProcessing:
			st.Processing++
			current := items[i].Clone()
			st.Current = &current
		case model.QueueItemCompleted:
			st.Completed++
		case model.QueueItemFailed:
			st.Failed++
		case model.QueueItemSkipped:
			st.Skipped++
		}
	}
	return st, nil
}

// List returns the session's items in FIFO order, history included.
func (m *Manager) List(ctx context.Context, sessionID string) ([]model.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionItemsLocked(ctx, sessionID)
}

// RemoveTask terminates any live queue entries for a task across every
// session's queue. The task delete cascade uses it: queued items become
// skipped, a processing item becomes failed.
func (m *Manager) RemoveTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.queue.List(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, item := range all {
		if item.TaskID != taskID || item.Status.Terminal() {
			continue
		}
		eventName := events.QueueItemSkipped
		if item.Status == model.QueueItemProcessing {
			item.Status = model.QueueItemFailed
			eventName = events.QueueItemFailed
		} else {
			item.Status = model.QueueItemSkipped
		}
		item.Reason = "task deleted"
		item.CompletedAt = &now
		expected := item.Version
		item.Version = expected + 1
		if _, err := m.queue.Put(ctx, item.ID, expected, item); err != nil {
			return err
		}
		m.publish(eventName, item.Clone())
	}
	return nil
}

// sessionItemsLocked loads the session's items sorted by position. The store
// keeps insertion order for memory but not necessarily across backends, so
// ordering is always re-established from Position.
func (m *Manager) sessionItemsLocked(ctx context.Context, sessionID string) ([]model.QueueItem, error) {
	sessionID = strings.TrimSpace(sessionID)
	all, err := m.queue.List(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]model.QueueItem, 0, len(all))
	for _, item := range all {
		if item.SessionID == sessionID {
			items = append(items, item)
		}
		if item.Position > m.position {
			m.position = item.Position
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	return items, nil
}

func (m *Manager) publish(name string, data any) {
	for _, warn := range m.bus.Publish(name, data) {
		log.Printf("event %s: %v", name, warn)
	}
}
