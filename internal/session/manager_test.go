package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/antoniostano/maestro/internal/core"
	"github.com/antoniostano/maestro/internal/events"
	"github.com/antoniostano/maestro/internal/model"
	"github.com/antoniostano/maestro/internal/spawn"
	"github.com/antoniostano/maestro/internal/store"
	"github.com/antoniostano/maestro/internal/task"
)

// fakeLauncher records launches without starting processes.
type fakeLauncher struct {
	launches []string
	stops    []string
	failWith error
}

func (f *fakeLauncher) Launch(sessionID, manifestPath string, env map[string]string) (int, error) {
	if f.failWith != nil {
		return 0, f.failWith
	}
	f.launches = append(f.launches, sessionID)
	return 4242, nil
}

func (f *fakeLauncher) Stop(sessionID string) error {
	f.stops = append(f.stops, sessionID)
	return nil
}

type fixture struct {
	sessions *Manager
	tasks    *task.Manager
	launcher *fakeLauncher
	bus      *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stores := store.OpenInMemory()
	bus := events.NewBus()
	tasks := task.NewManager(stores.Projects, stores.Tasks, bus)
	launcher := &fakeLauncher{}

	now := time.Now().UTC()
	_, err := stores.Projects.Put(context.Background(), "p1", 0, model.Project{
		ID: "p1", Title: "p", CreatedAt: now, UpdatedAt: now, Version: 1,
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}

	mgr := NewManager(stores.Projects, stores.Sessions, tasks, launcher, bus, Options{
		ManifestDir: t.TempDir(),
		APIURL:      "http://127.0.0.1:8080",
	})
	return &fixture{sessions: mgr, tasks: tasks, launcher: launcher, bus: bus}
}

func (f *fixture) newTask(t *testing.T, title string) model.Task {
	t.Helper()
	created, err := f.tasks.Create(context.Background(), task.CreateRequest{ProjectID: "p1", Title: title})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return created
}

func TestSpawnCreatesSessionAndAttachesTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := f.newTask(t, "t1")

	var eventTypes []string
	f.bus.Subscribe(events.Wildcard, func(evt events.Event) error {
		eventTypes = append(eventTypes, evt.Type)
		return nil
	})

	sess, err := f.sessions.Spawn(ctx, SpawnRequest{
		ProjectID: "p1",
		TaskIDs:   []string{t1.ID},
		Mode:      "worker",
		Strategy:  "queue",
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if sess.Status != model.SessionStatusSpawning {
		t.Fatalf("Status = %s, want spawning", sess.Status)
	}
	if sess.PID != 4242 {
		t.Fatalf("PID = %d, want launcher pid", sess.PID)
	}
	if sess.Env[spawn.EnvSessionID] != sess.ID {
		t.Fatalf("env session id = %q", sess.Env[spawn.EnvSessionID])
	}

	// The manifest landed on disk and parses under the closed schema.
	raw, err := os.ReadFile(sess.ManifestPath)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	manifest, err := spawn.ParseManifest(raw)
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	if len(manifest.Tasks) != 1 || manifest.Tasks[0].ID != t1.ID {
		t.Fatalf("manifest tasks = %+v", manifest.Tasks)
	}
	if manifest.Session.Strategy != "queue" {
		t.Fatalf("strategy = %q", manifest.Session.Strategy)
	}

	// Both sides of the relation updated.
	attached, err := f.tasks.Get(ctx, t1.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !attached.HasSession(sess.ID) {
		t.Fatalf("task not attached to session")
	}
	if attached.PerSessionStatus[sess.ID] != model.WorkStatusQueued {
		t.Fatalf("work status = %v, want queued", attached.PerSessionStatus[sess.ID])
	}

	var sawCreated, sawSpawn bool
	for _, et := range eventTypes {
		if et == events.SessionCreated {
			sawCreated = true
		}
		if et == events.SessionSpawn {
			sawSpawn = true
		}
	}
	if !sawCreated || !sawSpawn {
		t.Fatalf("events = %v, want session:created and session:spawn", eventTypes)
	}
}

func TestSpawnLaunchFailureLeavesFailedRecord(t *testing.T) {
	f := newFixture(t)
	f.launcher.failWith = fmt.Errorf("%w: binary missing", core.ErrSpawn)
	ctx := context.Background()

	sess, err := f.sessions.Spawn(ctx, SpawnRequest{ProjectID: "p1"})
	if !errors.Is(err, core.ErrSpawn) {
		t.Fatalf("err = %v, want ErrSpawn", err)
	}
	stored, getErr := f.sessions.Get(ctx, sess.ID)
	if getErr != nil {
		t.Fatalf("failed session not stored: %v", getErr)
	}
	if stored.Status != model.SessionStatusFailed {
		t.Fatalf("Status = %s, want failed", stored.Status)
	}
	if stored.Error == "" {
		t.Fatalf("Error not recorded")
	}
}

func TestConfirmActiveTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.sessions.Spawn(ctx, SpawnRequest{ProjectID: "p1"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	active, err := f.sessions.ConfirmActive(ctx, sess.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if active.Status != model.SessionStatusActive {
		t.Fatalf("Status = %s, want active", active.Status)
	}
	if len(active.Timeline) == 0 || active.Timeline[len(active.Timeline)-1].Type != model.TimelineStarted {
		t.Fatalf("timeline missing started entry: %+v", active.Timeline)
	}

	// Confirming twice is an invalid transition.
	if _, err := f.sessions.ConfirmActive(ctx, sess.ID); !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("second confirm err = %v, want ErrInvalidTransition", err)
	}
}

func TestStopSignalsProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, _ := f.sessions.Spawn(ctx, SpawnRequest{ProjectID: "p1"})
	if _, err := f.sessions.ConfirmActive(ctx, sess.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	stopped, err := f.sessions.Stop(ctx, sess.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != model.SessionStatusStopped {
		t.Fatalf("Status = %s, want stopped", stopped.Status)
	}
	if len(f.launcher.stops) != 1 || f.launcher.stops[0] != sess.ID {
		t.Fatalf("launcher stops = %v", f.launcher.stops)
	}
}

func TestRestartReusesTerminalSessionID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, _ := f.sessions.Spawn(ctx, SpawnRequest{ProjectID: "p1"})
	if _, err := f.sessions.ConfirmActive(ctx, sess.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	// Restarting a live session is refused.
	if _, err := f.sessions.Spawn(ctx, SpawnRequest{SessionID: sess.ID, ProjectID: "p1"}); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("restart live err = %v, want ErrConflict", err)
	}

	if _, err := f.sessions.Stop(ctx, sess.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	restarted, err := f.sessions.Spawn(ctx, SpawnRequest{SessionID: sess.ID, ProjectID: "p1"})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if restarted.ID != sess.ID {
		t.Fatalf("restart id = %s, want %s", restarted.ID, sess.ID)
	}
	if restarted.Status != model.SessionStatusSpawning {
		t.Fatalf("restart status = %s, want spawning", restarted.Status)
	}
}

func TestAppendTimelineForwardsWorkStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := f.newTask(t, "t1")
	sess, err := f.sessions.Spawn(ctx, SpawnRequest{ProjectID: "p1", TaskIDs: []string{t1.ID}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if _, err := f.sessions.AppendTimeline(ctx, sess.ID, model.TimelineEvent{
		Type:   model.TimelineTaskStarted,
		TaskID: t1.ID,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	updated, err := f.tasks.Get(ctx, t1.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if updated.PerSessionStatus[sess.ID] != model.WorkStatusWorking {
		t.Fatalf("work status = %v, want working", updated.PerSessionStatus[sess.ID])
	}
	if updated.Status != model.TaskStatusInProgress {
		t.Fatalf("task status = %v, want in_progress via auto-start", updated.Status)
	}
}

func TestAppendTimelineSurvivesRejectedForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := f.newTask(t, "t1")
	sess, err := f.sessions.Spawn(ctx, SpawnRequest{ProjectID: "p1", TaskIDs: []string{t1.ID}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	for _, evType := range []model.TimelineEventType{model.TimelineTaskStarted, model.TimelineTaskCompleted} {
		if _, err := f.sessions.AppendTimeline(ctx, sess.ID, model.TimelineEvent{
			Type: evType, TaskID: t1.ID,
		}); err != nil {
			t.Fatalf("append %s: %v", evType, err)
		}
	}

	// The work status is terminal now, so this forward is rejected inside
	// the task manager. The append itself already committed and must not
	// bubble the rejection up as an error.
	got, err := f.sessions.AppendTimeline(ctx, sess.ID, model.TimelineEvent{
		Type: model.TimelineTaskStarted, TaskID: t1.ID,
	})
	if err != nil {
		t.Fatalf("append after terminal work status: %v", err)
	}
	if len(got.Timeline) != 3 {
		t.Fatalf("timeline length = %d, want the 3 appended entries: %+v", len(got.Timeline), got.Timeline)
	}

	updated, err := f.tasks.Get(ctx, t1.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if updated.PerSessionStatus[sess.ID] != model.WorkStatusCompleted {
		t.Fatalf("work status = %v, want completed untouched", updated.PerSessionStatus[sess.ID])
	}
}

func TestAppendTimelineRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, _ := f.sessions.Spawn(ctx, SpawnRequest{ProjectID: "p1"})

	_, err := f.sessions.AppendTimeline(ctx, sess.ID, model.TimelineEvent{Type: "bogus"})
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestAddRemoveTaskKeepsBothSides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := f.newTask(t, "t1")
	sess, _ := f.sessions.Spawn(ctx, SpawnRequest{ProjectID: "p1"})

	added, err := f.sessions.AddTask(ctx, sess.ID, t1.ID)
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	if !added.HasTask(t1.ID) {
		t.Fatalf("session missing task")
	}
	onTask, _ := f.tasks.Get(ctx, t1.ID)
	if !onTask.HasSession(sess.ID) {
		t.Fatalf("task missing session")
	}

	removed, err := f.sessions.RemoveTask(ctx, sess.ID, t1.ID)
	if err != nil {
		t.Fatalf("remove task: %v", err)
	}
	if removed.HasTask(t1.ID) {
		t.Fatalf("session still has task")
	}
	onTask, _ = f.tasks.Get(ctx, t1.ID)
	if onTask.HasSession(sess.ID) {
		t.Fatalf("task still has session")
	}
}

func TestHandleProcessExit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Exit before activation becomes failed.
	early, _ := f.sessions.Spawn(ctx, SpawnRequest{ProjectID: "p1"})
	f.sessions.HandleProcessExit(early.ID, nil)
	got, _ := f.sessions.Get(ctx, early.ID)
	if got.Status != model.SessionStatusFailed {
		t.Fatalf("early exit status = %s, want failed", got.Status)
	}

	// Clean exit of an active session becomes stopped.
	clean, _ := f.sessions.Spawn(ctx, SpawnRequest{ProjectID: "p1"})
	if _, err := f.sessions.ConfirmActive(ctx, clean.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	f.sessions.HandleProcessExit(clean.ID, nil)
	got, _ = f.sessions.Get(ctx, clean.ID)
	if got.Status != model.SessionStatusStopped {
		t.Fatalf("clean exit status = %s, want stopped", got.Status)
	}

	// Crash of an active session becomes failed.
	crashed, _ := f.sessions.Spawn(ctx, SpawnRequest{ProjectID: "p1"})
	if _, err := f.sessions.ConfirmActive(ctx, crashed.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	f.sessions.HandleProcessExit(crashed.ID, errors.New("exit status 1"))
	got, _ = f.sessions.Get(ctx, crashed.ID)
	if got.Status != model.SessionStatusFailed {
		t.Fatalf("crash status = %s, want failed", got.Status)
	}
}

func TestSpawnUnknownModeRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.sessions.Spawn(context.Background(), SpawnRequest{ProjectID: "p1", Mode: "supervisor"})
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}
