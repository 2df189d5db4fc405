// Package session owns the session lifecycle: spawning external agent
// processes through the manifest protocol, the process status state machine,
// the append-only timeline, and the session side of the task relation.
package session

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
	"github.com/antoniostano/maestro/internal/spawn"
	"github.com/antoniostano/maestro/internal/store"
	"github.com/antoniostano/maestro/internal/task"
)

// Launcher abstracts process startup so tests can run without spawning
// anything. spawn.Launcher is the production implementation.
type Launcher interface {
	Launch(sessionID, manifestPath string, env map[string]string) (int, error)
	Stop(sessionID string) error
}

// Options carries the spawn-time defaults from configuration.
type Options struct {
	ManifestDir    string
	SkillsDir      string
	APIURL         string
	AgentModel     string
	PermissionMode string
}

// SpawnRequest is the payload for Manager.Spawn. SessionID is normally empty;
// setting it to a stopped or failed session's id restarts that session.
type SpawnRequest struct {
	SessionID            string          `json:"sessionId,omitempty"`
	ProjectID            string          `json:"projectId"`
	TaskIDs              []string        `json:"taskIds,omitempty"`
	Mode                 string          `json:"mode,omitempty"`
	Strategy             string          `json:"strategy,omitempty"`
	Model                string          `json:"model,omitempty"`
	PermissionMode       string          `json:"permissionMode,omitempty"`
	ParentSessionID      string          `json:"parentSessionId,omitempty"`
	CoordinatorSessionID string          `json:"coordinatorSessionId,omitempty"`
	TeamMembers          []spawn.Profile `json:"teamMembers,omitempty"`
	Context              string          `json:"context,omitempty"`
}

// Filter narrows List results.
type Filter struct {
	ProjectID string
	TaskID    string
	Status    model.SessionStatus
}

type Manager struct {
	mu       sync.Mutex
	projects store.Repo[model.Project]
	sessions store.Repo[model.Session]
	tasks    *task.Manager
	launcher Launcher
	bus      *events.Bus
	opts     Options
}

func NewManager(projects store.Repo[model.Project], sessions store.Repo[model.Session], tasks *task.Manager, launcher Launcher, bus *events.Bus, opts Options) *Manager {
	return &Manager{
		projects: projects,
		sessions: sessions,
		tasks:    tasks,
		launcher: launcher,
		bus:      bus,
		opts:     opts,
	}
}

// Spawn builds the manifest, persists the session as spawning, and launches
// the agent process. A launch failure still leaves a visible failed session
// record so operators can see what was attempted. The returned error wraps
// core.ErrSpawn in that case.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (model.Session, error) {
	mode, err := spawn.NormalizeMode(req.Mode)
	if err != nil {
		return model.Session{}, err
	}
	strategy := model.WorkStrategy(strings.TrimSpace(req.Strategy))
	if strategy == "" {
		strategy = model.StrategySimple
	}

	req.ProjectID = strings.TrimSpace(req.ProjectID)
	if req.ProjectID == "" {
		return model.Session{}, fmt.Errorf("%w: projectId is required", core.ErrValidation)
	}
	if _, _, err := m.projects.Get(ctx, req.ProjectID); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return model.Session{}, fmt.Errorf("%w: project %s", core.ErrNotFound, req.ProjectID)
		}
		return model.Session{}, err
	}

	taskContexts, err := m.buildTaskContexts(ctx, req.ProjectID, req.TaskIDs)
	if err != nil {
		return model.Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Restart path: reusing an id requires the previous incarnation to be
	// terminal; everything else is a fresh session.
	sessionID := strings.TrimSpace(req.SessionID)
	var priorVersion int64
	isRestart := false
	if sessionID != "" {
		prior, version, err := m.sessions.Get(ctx, sessionID)
		if err == nil {
			if !prior.Status.Terminal() {
				return model.Session{}, fmt.Errorf(
					"%w: session %s is %s, restart requires stopped or failed",
					core.ErrConflict, sessionID, prior.Status)
			}
			priorVersion = version
			isRestart = true
		} else if !errors.Is(err, core.ErrNotFound) {
			return model.Session{}, err
		}
	} else {
		sessionID = uuid.NewString()
	}

	skills, err := spawn.LoadSkills(m.opts.SkillsDir)
	if err != nil {
		return model.Session{}, err
	}

	agentModel := strings.TrimSpace(req.Model)
	if agentModel == "" {
		agentModel = m.opts.AgentModel
	}
	permissionMode := strings.TrimSpace(req.PermissionMode)
	if permissionMode == "" {
		permissionMode = m.opts.PermissionMode
	}

	manifest, err := spawn.BuildManifest(spawn.Request{
		SessionID:            sessionID,
		ProjectID:            req.ProjectID,
		Mode:                 mode,
		Strategy:             strategy,
		Model:                agentModel,
		PermissionMode:       permissionMode,
		ParentSessionID:      req.ParentSessionID,
		CoordinatorSessionID: req.CoordinatorSessionID,
		TeamMembers:          req.TeamMembers,
		Tasks:                taskContexts,
		Context:              req.Context,
		Skills:               skills,
	})
	if err != nil {
		return model.Session{}, err
	}
	manifestPath, err := spawn.WriteManifest(manifest, m.opts.ManifestDir)
	if err != nil {
		return model.Session{}, err
	}
	env := spawn.BuildEnv(sessionID, req.ProjectID, req.TaskIDs, manifestPath, m.opts.APIURL)

	now := time.Now().UTC()
	sess := model.Session{
		ID:           sessionID,
		ProjectID:    req.ProjectID,
		ParentID:     strings.TrimSpace(req.ParentSessionID),
		Role:         mode.Role(),
		Strategy:     strategy,
		Status:       model.SessionStatusSpawning,
		TaskIDs:      append([]string(nil), req.TaskIDs...),
		Env:          env,
		ManifestPath: manifestPath,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	sess.Version = priorVersion + 1
	if _, err := m.sessions.Put(ctx, sess.ID, priorVersion, sess); err != nil {
		return model.Session{}, err
	}
	if !isRestart {
		m.publish(events.SessionCreated, sess.Clone())
	}
	m.publish(events.SessionSpawn, sess.Clone())

	for _, taskID := range req.TaskIDs {
		if _, err := m.tasks.AttachSession(ctx, taskID, sessionID); err != nil {
			// Restarts find the link already in place; that is fine.
			if !errors.Is(err, core.ErrConflict) {
				return model.Session{}, err
			}
		}
		m.publish(events.SessionTaskAdded, task.SessionLink{TaskID: taskID, SessionID: sessionID})
	}

	pid, err := m.launcher.Launch(sessionID, manifestPath, env)
	if err != nil {
		expected := sess.Version
		sess.Status = model.SessionStatusFailed
		sess.Error = err.Error()
		sess.UpdatedAt = time.Now().UTC()
		sess.Version = expected + 1
		if _, putErr := m.sessions.Put(ctx, sess.ID, expected, sess); putErr != nil {
			sess.Version = expected
		}
		m.publish(events.SessionFailed, sess.Clone())
		return sess, err
	}
	expected := sess.Version
	sess.PID = pid
	sess.UpdatedAt = time.Now().UTC()
	sess.Version = expected + 1
	if _, err := m.sessions.Put(ctx, sess.ID, expected, sess); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

// ConfirmActive moves a spawning session to active once the agent process
// has checked in.
func (m *Manager) ConfirmActive(ctx context.Context, id string) (model.Session, error) {
	return m.transition(ctx, id, model.SessionStatusActive, "", events.SessionActive, model.TimelineEvent{
		Type:    model.TimelineStarted,
		Message: "agent process confirmed start",
	})
}

// MarkFailed records a crash or error. External heartbeat watchers call this
// when a session goes silent.
func (m *Manager) MarkFailed(ctx context.Context, id, reason string) (model.Session, error) {
	return m.transition(ctx, id, model.SessionStatusFailed, reason, events.SessionFailed, model.TimelineEvent{
		Type:    model.TimelineError,
		Message: reason,
	})
}

// Stop gracefully ends an active session and signals its process.
func (m *Manager) Stop(ctx context.Context, id string) (model.Session, error) {
	sess, err := m.transition(ctx, id, model.SessionStatusStopped, "", events.SessionStopped, model.TimelineEvent{
		Type:    model.TimelineStopped,
		Message: "stopped by user",
	})
	if err != nil {
		return model.Session{}, err
	}
	if err := m.launcher.Stop(id); err != nil {
		log.Printf("session %s: stop signal failed: %v", id, err)
	}
	return sess, nil
}

// HandleProcessExit is wired to the launcher's exit watcher. A clean exit of
// an active session becomes stopped; anything else becomes failed.
func (m *Manager) HandleProcessExit(sessionID string, exitErr error) {
	ctx := context.Background()
	sess, err := m.Get(ctx, sessionID)
	if err != nil || sess.Status.Terminal() {
		return
	}
	if exitErr != nil {
		_, err = m.MarkFailed(ctx, sessionID, fmt.Sprintf("process exited: %v", exitErr))
	} else if sess.Status == model.SessionStatusSpawning {
		_, err = m.MarkFailed(ctx, sessionID, "process exited before confirming start")
	} else {
		_, err = m.transition(ctx, sessionID, model.SessionStatusStopped, "", events.SessionStopped, model.TimelineEvent{
			Type:    model.TimelineStopped,
			Message: "process exited",
		})
	}
	if err != nil {
		log.Printf("session %s: exit handling failed: %v", sessionID, err)
	}
}

// AppendTimeline appends one history entry. Appends are accepted even after
// the session reached a terminal status so late in-flight reports are not
// lost. Entries whose type implies a task status change are forwarded to the
// task manager as a session-sourced per-session status update.
func (m *Manager) AppendTimeline(ctx context.Context, id string, ev model.TimelineEvent) (model.Session, error) {
	if !ev.Type.Valid() {
		return model.Session{}, fmt.Errorf("%w: unknown timeline event type %q", core.ErrValidation, ev.Type)
	}

	m.mu.Lock()
	sess, version, err := m.sessions.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		m.mu.Unlock()
		return model.Session{}, err
	}
	ev.ID = uuid.NewString()
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	sess.Timeline = append(sess.Timeline, ev)
	sess.UpdatedAt = time.Now().UTC()
	sess.Version = version + 1
	if _, err := m.sessions.Put(ctx, sess.ID, version, sess); err != nil {
		m.mu.Unlock()
		return model.Session{}, err
	}
	m.publish(events.SessionUpdated, sess.Clone())
	m.mu.Unlock()

	if status, ok := ev.Type.WorkStatusForTimeline(); ok && strings.TrimSpace(ev.TaskID) != "" {
		if _, err := m.tasks.ReportWorkStatus(ctx, ev.TaskID, sess.ID, status); err != nil {
			// The entry is already committed; returning an error here would
			// invite a retry that duplicates it.
			log.Printf("session %s: timeline forward %s for task %s: %v", sess.ID, status, ev.TaskID, err)
		}
	}
	return sess, nil
}

// AddTask assigns a task to the session, keeping both sides of the relation
// in step and emitting the paired events.
func (m *Manager) AddTask(ctx context.Context, sessionID, taskID string) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, version, err := m.sessions.Get(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return model.Session{}, err
	}
	if sess.Status.Terminal() {
		return model.Session{}, fmt.Errorf(
			"%w: session %s is %s", core.ErrConflict, sessionID, sess.Status)
	}
	if sess.HasTask(taskID) {
		return model.Session{}, fmt.Errorf(
			"%w: task %s already assigned to session %s", core.ErrConflict, taskID, sessionID)
	}
	if _, err := m.tasks.AttachSession(ctx, taskID, sess.ID); err != nil {
		return model.Session{}, err
	}
	sess.TaskIDs = append(sess.TaskIDs, taskID)
	sess.UpdatedAt = time.Now().UTC()
	sess.Version = version + 1
	if _, err := m.sessions.Put(ctx, sess.ID, version, sess); err != nil {
		return model.Session{}, err
	}
	m.publish(events.SessionTaskAdded, task.SessionLink{TaskID: taskID, SessionID: sess.ID})
	return sess, nil
}

// RemoveTask detaches a task from the session, symmetric with AddTask.
func (m *Manager) RemoveTask(ctx context.Context, sessionID, taskID string) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, version, err := m.sessions.Get(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return model.Session{}, err
	}
	if !sess.HasTask(taskID) {
		return model.Session{}, fmt.Errorf(
			"%w: task %s not assigned to session %s", core.ErrNotFound, taskID, sessionID)
	}
	if _, err := m.tasks.DetachSession(ctx, taskID, sess.ID); err != nil && !errors.Is(err, core.ErrNotFound) {
		return model.Session{}, err
	}
	sess.TaskIDs = removeString(sess.TaskIDs, taskID)
	sess.UpdatedAt = time.Now().UTC()
	sess.Version = version + 1
	if _, err := m.sessions.Put(ctx, sess.ID, version, sess); err != nil {
		return model.Session{}, err
	}
	m.publish(events.SessionTaskRemoved, task.SessionLink{TaskID: taskID, SessionID: sess.ID})
	return sess, nil
}

// DetachTaskFromAll removes a task id from every session that references it,
// emitting one session:updated per affected session. The task delete cascade
// in the orchestrator uses this before removing the task record.
func (m *Manager) DetachTaskFromAll(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.sessions.List(ctx)
	if err != nil {
		return err
	}
	for _, sess := range all {
		if !sess.HasTask(taskID) {
			continue
		}
		current, version, err := m.sessions.Get(ctx, sess.ID)
		if err != nil {
			return err
		}
		current.TaskIDs = removeString(current.TaskIDs, taskID)
		current.UpdatedAt = time.Now().UTC()
		current.Version = version + 1
		if _, err := m.sessions.Put(ctx, current.ID, version, current); err != nil {
			return err
		}
		m.publish(events.SessionUpdated, current.Clone())
	}
	return nil
}

func (m *Manager) Get(ctx context.Context, id string) (model.Session, error) {
	sess, version, err := m.sessions.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return model.Session{}, err
	}
	sess.Version = version
	return sess, nil
}

func (m *Manager) List(ctx context.Context, filter Filter) ([]model.Session, error) {
	all, err := m.sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Session, 0, len(all))
	for _, sess := range all {
		if filter.ProjectID != "" && sess.ProjectID != filter.ProjectID {
			continue
		}
		if filter.TaskID != "" && !sess.HasTask(filter.TaskID) {
			continue
		}
		if filter.Status != "" && sess.Status != filter.Status {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// ActiveCount reports sessions currently in a live status.
func (m *Manager) ActiveCount(ctx context.Context) int {
	all, err := m.sessions.List(ctx)
	if err != nil {
		return 0
	}
	count := 0
	for _, sess := range all {
		if !sess.Status.Terminal() {
			count++
		}
	}
	return count
}

func (m *Manager) transition(ctx context.Context, id string, target model.SessionStatus, reason, eventName string, entry model.TimelineEvent) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, version, err := m.sessions.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return model.Session{}, err
	}
	if !sess.Status.CanTransitionTo(target) {
		return model.Session{}, fmt.Errorf(
			"%w: session %s -> %s", core.ErrInvalidTransition, sess.Status, target)
	}
	now := time.Now().UTC()
	sess.Status = target
	sess.Error = reason
	entry.ID = uuid.NewString()
	entry.At = now
	sess.Timeline = append(sess.Timeline, entry)
	sess.UpdatedAt = now
	sess.Version = version + 1

	if _, err := m.sessions.Put(ctx, sess.ID, version, sess); err != nil {
		return model.Session{}, err
	}
	m.publish(eventName, sess.Clone())
	return sess, nil
}

func (m *Manager) buildTaskContexts(ctx context.Context, projectID string, taskIDs []string) ([]spawn.TaskContext, error) {
	contexts := make([]spawn.TaskContext, 0, len(taskIDs))
	for _, taskID := range taskIDs {
		t, err := m.tasks.Get(ctx, taskID)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return nil, fmt.Errorf("%w: task %s", core.ErrNotFound, taskID)
			}
			return nil, err
		}
		if t.ProjectID != projectID {
			return nil, fmt.Errorf(
				"%w: task %s belongs to project %s", core.ErrValidation, taskID, t.ProjectID)
		}
		tc := spawn.TaskContext{
			ID:                 t.ID,
			Title:              t.Title,
			Description:        t.Description,
			InitialPrompt:      t.InitialPrompt,
			AcceptanceCriteria: t.Description,
		}
		for _, depID := range t.Dependencies {
			dep, err := m.tasks.Get(ctx, depID)
			if err != nil {
				continue
			}
			tc.Dependencies = append(tc.Dependencies, spawn.DependencySummary{
				ID: dep.ID, Title: dep.Title, Status: dep.Status,
			})
		}
		for _, refID := range t.ReferenceIDs {
			ref, err := m.tasks.Get(ctx, refID)
			if err != nil {
				continue
			}
			tc.References = append(tc.References, spawn.TaskExcerpt{
				ID: ref.ID, Title: ref.Title, Excerpt: excerpt(ref.Description),
			})
		}
		contexts = append(contexts, tc)
	}
	return contexts, nil
}

func (m *Manager) publish(name string, data any) {
	for _, warn := range m.bus.Publish(name, data) {
		log.Printf("event %s: %v", name, warn)
	}
}

func removeString(in []string, target string) []string {
	out := in[:0]
	for _, s := range in {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 200 {
		return s
	}
	cut := s[:200]
	if lastSpace := strings.LastIndexByte(cut, ' '); lastSpace > 120 {
		cut = cut[:lastSpace]
	}
	return cut + "..."
}
