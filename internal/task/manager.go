// Package task owns the task lifecycle: creation, guarded updates, the
// status state machine, dependency gating, and the per-session work status
// map. Multi-entity cascades (delete detaching sessions and queues) live in
// the orchestrator package, not here.
package task

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/maestro/internal/core"
	"github.com/antoniostano/maestro/internal/events"
	"github.com/antoniostano/maestro/internal/model"
	"github.com/antoniostano/maestro/internal/policy"
	"github.com/antoniostano/maestro/internal/store"
)

// CreateRequest is the payload for Manager.Create.
type CreateRequest struct {
	ProjectID     string   `json:"projectId"`
	ParentID      string   `json:"parentId,omitempty"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	InitialPrompt string   `json:"initialPrompt,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	ReferenceIDs  []string `json:"referenceIds,omitempty"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	ProjectID string
	Status    model.TaskStatus
	ParentID  string
	SessionID string
}

// Manager serializes all task mutations behind one mutex so concurrent
// updates on the same record cannot interleave their read-modify-write
// cycles; the store's version CAS is the backstop for external writers.
// Events are published only after the store commit succeeds.
type Manager struct {
	mu       sync.Mutex
	projects store.Repo[model.Project]
	tasks    store.Repo[model.Task]
	bus      *events.Bus
}

func NewManager(projects store.Repo[model.Project], tasks store.Repo[model.Task], bus *events.Bus) *Manager {
	return &Manager{projects: projects, tasks: tasks, bus: bus}
}

func (m *Manager) Create(ctx context.Context, req CreateRequest) (model.Task, error) {
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.ParentID = strings.TrimSpace(req.ParentID)
	req.Title = strings.TrimSpace(req.Title)
	if req.ProjectID == "" {
		return model.Task{}, fmt.Errorf("%w: projectId is required", core.ErrValidation)
	}
	if req.Title == "" {
		return model.Task{}, fmt.Errorf("%w: title is required", core.ErrValidation)
	}
	if _, _, err := m.projects.Get(ctx, req.ProjectID); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return model.Task{}, fmt.Errorf("%w: project %s", core.ErrNotFound, req.ProjectID)
		}
		return model.Task{}, err
	}
	if req.ParentID != "" {
		parent, _, err := m.tasks.Get(ctx, req.ParentID)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return model.Task{}, fmt.Errorf("%w: parent task %s", core.ErrNotFound, req.ParentID)
			}
			return model.Task{}, err
		}
		if parent.ProjectID != req.ProjectID {
			return model.Task{}, fmt.Errorf(
				"%w: parent task %s belongs to project %s", core.ErrValidation, req.ParentID, parent.ProjectID)
		}
	}

	now := time.Now().UTC()
	t := model.Task{
		ID:               uuid.NewString(),
		ProjectID:        req.ProjectID,
		ParentID:         req.ParentID,
		Title:            req.Title,
		Description:      strings.TrimSpace(req.Description),
		InitialPrompt:    req.InitialPrompt,
		Status:           model.TaskStatusTodo,
		PerSessionStatus: map[string]model.WorkStatus{},
		Dependencies:     append([]string(nil), req.Dependencies...),
		ReferenceIDs:     append([]string(nil), req.ReferenceIDs...),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t.Version = 1
	if _, err := m.tasks.Put(ctx, t.ID, 0, t); err != nil {
		return model.Task{}, err
	}
	m.publish(events.TaskCreated, t.Clone())
	return t, nil
}

func (m *Manager) Get(ctx context.Context, id string) (model.Task, error) {
	t, version, err := m.tasks.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return model.Task{}, err
	}
	t.Version = version
	return t, nil
}

func (m *Manager) List(ctx context.Context, filter Filter) ([]model.Task, error) {
	all, err := m.tasks.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Task, 0, len(all))
	for _, t := range all {
		if filter.ProjectID != "" && t.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.ParentID != "" && t.ParentID != filter.ParentID {
			continue
		}
		if filter.SessionID != "" && !t.HasSession(filter.SessionID) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Update applies a guarded patch. User sources may change anything except the
// per-session status map; session sources are narrowed to their own entry,
// with disallowed fields silently dropped per the separation-of-concerns
// policy. Status changes are validated against the state machine and the
// dependency gate before anything is written.
func (m *Manager) Update(ctx context.Context, id string, patch model.TaskPatch, source core.Source) (model.Task, error) {
	filtered, dropped, err := policy.FilterTaskPatch(patch, source)
	if err != nil {
		return model.Task{}, err
	}
	if len(dropped) > 0 {
		log.Printf("task update from %s dropped fields: %s", source, strings.Join(dropped, ", "))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, version, err := m.tasks.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return model.Task{}, err
	}
	now := time.Now().UTC()

	if filtered.Status != nil && *filtered.Status != t.Status {
		target := *filtered.Status
		if !target.Valid() {
			return model.Task{}, fmt.Errorf("%w: unknown status %q", core.ErrValidation, target)
		}
		if !t.Status.CanTransitionTo(target) {
			return model.Task{}, fmt.Errorf(
				"%w: %s -> %s", core.ErrInvalidTransition, t.Status, target)
		}
		if target == model.TaskStatusInProgress {
			if err := m.checkDependencies(ctx, t); err != nil {
				return model.Task{}, err
			}
		}
		t.Status = target
		switch target {
		case model.TaskStatusInProgress:
			if t.StartedAt == nil {
				t.StartedAt = &now
			}
		case model.TaskStatusCompleted:
			t.CompletedAt = &now
		}
	}
	if filtered.Title != nil {
		t.Title = strings.TrimSpace(*filtered.Title)
	}
	if filtered.Description != nil {
		t.Description = *filtered.Description
	}
	if filtered.InitialPrompt != nil {
		t.InitialPrompt = *filtered.InitialPrompt
	}
	if filtered.Dependencies != nil {
		t.Dependencies = append([]string(nil), filtered.Dependencies...)
	}
	if filtered.ReferenceIDs != nil {
		t.ReferenceIDs = append([]string(nil), filtered.ReferenceIDs...)
	}
	for sid, status := range filtered.PerSessionStatus {
		if err := m.applyWorkStatusLocked(ctx, &t, sid, status, now); err != nil {
			return model.Task{}, err
		}
	}

	t.UpdatedAt = now
	t.Version = version + 1
	if _, err := m.tasks.Put(ctx, t.ID, version, t); err != nil {
		if errors.Is(err, core.ErrVersionConflict) {
			return model.Task{}, fmt.Errorf("%w: task %s changed concurrently", core.ErrConflict, t.ID)
		}
		return model.Task{}, err
	}
	m.publish(events.TaskUpdated, t.Clone())
	return t, nil
}

// ReportWorkStatus is the entrypoint sessions (and the queue manager acting
// for a session) use to move their own per-session status.
func (m *Manager) ReportWorkStatus(ctx context.Context, taskID, sessionID string, status model.WorkStatus) (model.Task, error) {
	return m.Update(ctx, taskID, model.TaskPatch{
		PerSessionStatus: map[string]model.WorkStatus{sessionID: status},
	}, core.SessionSource(sessionID))
}

// AttachSession records the session on the task side of the many-to-many
// relation and seeds its work status entry as queued.
func (m *Manager) AttachSession(ctx context.Context, taskID, sessionID string) (model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, version, err := m.tasks.Get(ctx, taskID)
	if err != nil {
		return model.Task{}, err
	}
	if t.HasSession(sessionID) {
		return model.Task{}, fmt.Errorf(
			"%w: session %s already assigned to task %s", core.ErrConflict, sessionID, taskID)
	}
	t.SessionIDs = append(t.SessionIDs, sessionID)
	if t.PerSessionStatus == nil {
		t.PerSessionStatus = map[string]model.WorkStatus{}
	}
	t.PerSessionStatus[sessionID] = model.WorkStatusQueued
	t.UpdatedAt = time.Now().UTC()
	t.Version = version + 1

	if _, err := m.tasks.Put(ctx, t.ID, version, t); err != nil {
		return model.Task{}, err
	}
	m.publish(events.TaskSessionAdded, SessionLink{TaskID: t.ID, SessionID: sessionID})
	return t, nil
}

// DetachSession removes the session from the task's relation and drops its
// work status entry, keeping the perSessionStatus ⊆ sessionIds invariant.
func (m *Manager) DetachSession(ctx context.Context, taskID, sessionID string) (model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, version, err := m.tasks.Get(ctx, taskID)
	if err != nil {
		return model.Task{}, err
	}
	if !t.HasSession(sessionID) {
		return model.Task{}, fmt.Errorf(
			"%w: session %s not assigned to task %s", core.ErrNotFound, sessionID, taskID)
	}
	kept := t.SessionIDs[:0]
	for _, id := range t.SessionIDs {
		if id != sessionID {
			kept = append(kept, id)
		}
	}
	t.SessionIDs = kept
	delete(t.PerSessionStatus, sessionID)
	t.UpdatedAt = time.Now().UTC()
	t.Version = version + 1

	if _, err := m.tasks.Put(ctx, t.ID, version, t); err != nil {
		return model.Task{}, err
	}
	m.publish(events.TaskSessionRemoved, SessionLink{TaskID: t.ID, SessionID: sessionID})
	return t, nil
}

// Delete removes the bare record and announces it. Callers must detach the
// task from sessions and queues first; the orchestrator's cascade does that.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, _, err := m.tasks.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if err := m.tasks.Delete(ctx, t.ID); err != nil {
		return err
	}
	m.publish(events.TaskDeleted, DeletedTask{ID: t.ID, ProjectID: t.ProjectID})
	return nil
}

// SessionLink is the payload of task:session_added / task:session_removed.
type SessionLink struct {
	TaskID    string `json:"taskId"`
	SessionID string `json:"sessionId"`
}

// DeletedTask is the payload of task:deleted.
type DeletedTask struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
}

// applyWorkStatusLocked validates and applies one per-session status change,
// including the single system-originated transition: the first time any
// session reports working while the task is still todo, the task itself
// moves to in_progress (provided its dependency gate passes).
func (m *Manager) applyWorkStatusLocked(ctx context.Context, t *model.Task, sessionID string, status model.WorkStatus, now time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown work status %q", core.ErrValidation, status)
	}
	if !t.HasSession(sessionID) {
		return fmt.Errorf(
			"%w: session %s not assigned to task %s", core.ErrConflict, sessionID, t.ID)
	}
	current, ok := t.PerSessionStatus[sessionID]
	if !ok {
		current = model.WorkStatusQueued
	}
	if current == status {
		return nil
	}
	if !current.CanTransitionTo(status) {
		return fmt.Errorf("%w: work status %s -> %s", core.ErrInvalidTransition, current, status)
	}
	if t.PerSessionStatus == nil {
		t.PerSessionStatus = map[string]model.WorkStatus{}
	}
	t.PerSessionStatus[sessionID] = status

	if status == model.WorkStatusWorking && t.Status == model.TaskStatusTodo {
		if err := m.checkDependencies(ctx, *t); err == nil {
			t.Status = model.TaskStatusInProgress
			if t.StartedAt == nil {
				t.StartedAt = &now
			}
		}
	}
	return nil
}

func (m *Manager) checkDependencies(ctx context.Context, t model.Task) error {
	for _, depID := range t.Dependencies {
		dep, _, err := m.tasks.Get(ctx, depID)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return fmt.Errorf("%w: dependency %s does not exist", core.ErrUnmetDependency, depID)
			}
			return err
		}
		if dep.Status != model.TaskStatusCompleted {
			return fmt.Errorf(
				"%w: dependency %s is %s", core.ErrUnmetDependency, depID, dep.Status)
		}
	}
	return nil
}

func (m *Manager) publish(name string, data any) {
	for _, warn := range m.bus.Publish(name, data) {
		log.Printf("event %s: %v", name, warn)
	}
}
