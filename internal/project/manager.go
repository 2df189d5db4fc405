// Package project implements the project registry. Projects are the scoping
// root for tasks and sessions; deleting one is refused while anything still
// references it.
package project

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/maestro/internal/core"
	"github.com/antoniostano/maestro/internal/events"
	"github.com/antoniostano/maestro/internal/model"
	"github.com/antoniostano/maestro/internal/store"
)

// CreateRequest is the payload for Manager.Create.
type CreateRequest struct {
	Title    string `json:"title"`
	BasePath string `json:"basePath,omitempty"`
}

// Patch updates mutable project fields; nil means leave unchanged.
type Patch struct {
	Title    *string `json:"title,omitempty"`
	BasePath *string `json:"basePath,omitempty"`
}

type Manager struct {
	mu       sync.Mutex
	projects store.Repo[model.Project]
	tasks    store.Repo[model.Task]
	sessions store.Repo[model.Session]
	bus      *events.Bus
}

func NewManager(projects store.Repo[model.Project], tasks store.Repo[model.Task], sessions store.Repo[model.Session], bus *events.Bus) *Manager {
	return &Manager{projects: projects, tasks: tasks, sessions: sessions, bus: bus}
}

func (m *Manager) Create(ctx context.Context, req CreateRequest) (model.Project, error) {
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return model.Project{}, fmt.Errorf("%w: title is required", core.ErrValidation)
	}

	now := time.Now().UTC()
	p := model.Project{
		ID:        uuid.NewString(),
		Title:     req.Title,
		BasePath:  strings.TrimSpace(req.BasePath),
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.projects.Put(ctx, p.ID, 0, p); err != nil {
		return model.Project{}, err
	}
	m.publish(events.ProjectCreated, p.Clone())
	return p, nil
}

func (m *Manager) Get(ctx context.Context, id string) (model.Project, error) {
	p, version, err := m.projects.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return model.Project{}, err
	}
	p.Version = version
	return p, nil
}

func (m *Manager) List(ctx context.Context) ([]model.Project, error) {
	return m.projects.List(ctx)
}

func (m *Manager) Update(ctx context.Context, id string, patch Patch) (model.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, version, err := m.projects.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return model.Project{}, err
	}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return model.Project{}, fmt.Errorf("%w: title cannot be empty", core.ErrValidation)
		}
		p.Title = title
	}
	if patch.BasePath != nil {
		p.BasePath = strings.TrimSpace(*patch.BasePath)
	}
	p.UpdatedAt = time.Now().UTC()
	p.Version = version + 1
	if _, err := m.projects.Put(ctx, p.ID, version, p); err != nil {
		return model.Project{}, err
	}
	m.publish(events.ProjectUpdated, p.Clone())
	return p, nil
}

// Delete refuses while tasks or sessions still reference the project. The
// caller removes those first; there is no recursive project cascade.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id = strings.TrimSpace(id)
	p, _, err := m.projects.Get(ctx, id)
	if err != nil {
		return err
	}

	tasks, err := m.tasks.List(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.ProjectID == id {
			return fmt.Errorf("%w: project %s still has tasks", core.ErrConflict, id)
		}
	}
	sessions, err := m.sessions.List(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.ProjectID == id {
			return fmt.Errorf("%w: project %s still has sessions", core.ErrConflict, id)
		}
	}

	if err := m.projects.Delete(ctx, id); err != nil {
		return err
	}
	m.publish(events.ProjectDeleted, p.Clone())
	return nil
}

func (m *Manager) publish(name string, data any) {
	for _, warn := range m.bus.Publish(name, data) {
		log.Printf("event %s: %v", name, warn)
	}
}
