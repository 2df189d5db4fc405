package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/maestro/internal/core"
	"github.com/antoniostano/maestro/internal/events"
	"github.com/antoniostano/maestro/internal/model"
	"github.com/antoniostano/maestro/internal/store"
	"github.com/antoniostano/maestro/internal/task"
)

type fixture struct {
	queue *Manager
	tasks *task.Manager
	bus   *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stores := store.OpenInMemory()
	bus := events.NewBus()
	tasks := task.NewManager(stores.Projects, stores.Tasks, bus)

	now := time.Now().UTC()
	_, err := stores.Projects.Put(context.Background(), "p1", 0, model.Project{
		ID: "p1", Title: "p", CreatedAt: now, UpdatedAt: now, Version: 1,
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return &fixture{
		queue: NewManager(stores.Queue, tasks, bus),
		tasks: tasks,
		bus:   bus,
	}
}

// newAssignedTask creates a task already attached to sessionID.
func (f *fixture) newAssignedTask(t *testing.T, title, sessionID string) model.Task {
	t.Helper()
	ctx := context.Background()
	created, err := f.tasks.Create(ctx, task.CreateRequest{ProjectID: "p1", Title: title})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := f.tasks.AttachSession(ctx, created.ID, sessionID); err != nil {
		t.Fatalf("attach: %v", err)
	}
	return created
}

func TestPushRequiresAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.tasks.Create(ctx, task.CreateRequest{ProjectID: "p1", Title: "loose"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.queue.Push(ctx, "s1", created.ID); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict for unassigned task", err)
	}
}

func TestPushRejectsLiveDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := f.newAssignedTask(t, "t1", "s1")

	if _, err := f.queue.Push(ctx, "s1", t1.ID); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := f.queue.Push(ctx, "s1", t1.ID); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("duplicate push err = %v, want ErrConflict", err)
	}
}

func TestFIFOOrderPreserved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := f.newAssignedTask(t, "t1", "s1")
	t2 := f.newAssignedTask(t, "t2", "s1")
	t3 := f.newAssignedTask(t, "t3", "s1")

	for _, tsk := range []model.Task{t1, t2, t3} {
		if _, err := f.queue.Push(ctx, "s1", tsk.ID); err != nil {
			t.Fatalf("push %s: %v", tsk.Title, err)
		}
	}

	var processed []string
	for i := 0; i < 3; i++ {
		item, err := f.queue.StartNext(ctx, "s1")
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		processed = append(processed, item.TaskID)
		if _, err := f.queue.Complete(ctx, "s1"); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}
	want := []string{t1.ID, t2.ID, t3.ID}
	for i := range want {
		if processed[i] != want[i] {
			t.Fatalf("processed = %v, want %v", processed, want)
		}
	}
}

func TestStartNextWhileProcessingConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := f.newAssignedTask(t, "t1", "s1")
	t2 := f.newAssignedTask(t, "t2", "s1")
	for _, tsk := range []model.Task{t1, t2} {
		if _, err := f.queue.Push(ctx, "s1", tsk.ID); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	if _, err := f.queue.StartNext(ctx, "s1"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := f.queue.StartNext(ctx, "s1"); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("second start err = %v, want ErrConflict", err)
	}
}

func TestConcurrentStartNextYieldsOneProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, title := range []string{"a", "b", "c", "d"} {
		tsk := f.newAssignedTask(t, title, "s1")
		if _, err := f.queue.Push(ctx, "s1", tsk.ID); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	started := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.queue.StartNext(ctx, "s1"); err == nil {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if started != 1 {
		t.Fatalf("concurrent StartNext successes = %d, want 1", started)
	}
	status, err := f.queue.Status(ctx, "s1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Processing != 1 {
		t.Fatalf("processing = %d, want 1", status.Processing)
	}
}

func TestFinishWithoutProcessingItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.queue.Complete(ctx, "s1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("complete err = %v, want ErrNotFound", err)
	}
	if _, err := f.queue.Fail(ctx, "s1", "x"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("fail err = %v, want ErrNotFound", err)
	}
}

func TestFailedItemAllowsRequeue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := f.newAssignedTask(t, "t1", "s1")

	if _, err := f.queue.Push(ctx, "s1", t1.ID); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := f.queue.StartNext(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	failed, err := f.queue.Fail(ctx, "s1", "flaky tool")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Reason != "flaky tool" || failed.CompletedAt == nil {
		t.Fatalf("failed item = %+v", failed)
	}

	// Terminal history does not block a retry push.
	if _, err := f.queue.Push(ctx, "s1", t1.ID); err != nil {
		t.Fatalf("requeue after failure: %v", err)
	}
}

func TestCompleteForwardsWorkStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := f.newAssignedTask(t, "t1", "s1")

	if _, err := f.queue.Push(ctx, "s1", t1.ID); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := f.queue.StartNext(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.queue.Complete(ctx, "s1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	updated, err := f.tasks.Get(ctx, t1.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if updated.PerSessionStatus["s1"] != model.WorkStatusCompleted {
		t.Fatalf("work status = %v, want completed", updated.PerSessionStatus["s1"])
	}
	// StartNext auto-started the task through the working report.
	if updated.Status != model.TaskStatusInProgress {
		t.Fatalf("task status = %v, want in_progress", updated.Status)
	}
}

func TestStatusCountsAndEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var eventTypes []string
	f.bus.Subscribe(events.Wildcard, func(evt events.Event) error {
		eventTypes = append(eventTypes, evt.Type)
		return nil
	})

	t1 := f.newAssignedTask(t, "t1", "s1")
	t2 := f.newAssignedTask(t, "t2", "s1")
	for _, tsk := range []model.Task{t1, t2} {
		if _, err := f.queue.Push(ctx, "s1", tsk.ID); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if _, err := f.queue.StartNext(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.queue.Skip(ctx, "s1", "not needed"); err != nil {
		t.Fatalf("skip: %v", err)
	}

	status, err := f.queue.Status(ctx, "s1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Queued != 1 || status.Skipped != 1 || status.Processing != 0 {
		t.Fatalf("status = %+v", status)
	}

	var sawStarted, sawSkipped bool
	for _, et := range eventTypes {
		if et == events.QueueItemStarted {
			sawStarted = true
		}
		if et == events.QueueItemSkipped {
			sawSkipped = true
		}
	}
	if !sawStarted || !sawSkipped {
		t.Fatalf("events = %v, want started and skipped", eventTypes)
	}
}

func TestCompletedWorkCannotRequeue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := f.newAssignedTask(t, "t1", "s1")
	t2 := f.newAssignedTask(t, "t2", "s1")

	if _, err := f.queue.Push(ctx, "s1", t1.ID); err != nil {
		t.Fatalf("push t1: %v", err)
	}
	if _, err := f.queue.StartNext(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.queue.Complete(ctx, "s1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// The session already finished t1; letting it back in would leave an
	// item at the head of the queue that can never start.
	if _, err := f.queue.Push(ctx, "s1", t1.ID); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("re-push of completed work err = %v, want ErrConflict", err)
	}

	// Work queued behind stays reachable.
	if _, err := f.queue.Push(ctx, "s1", t2.ID); err != nil {
		t.Fatalf("push t2: %v", err)
	}
	started, err := f.queue.StartNext(ctx, "s1")
	if err != nil {
		t.Fatalf("start t2: %v", err)
	}
	if started.TaskID != t2.ID {
		t.Fatalf("started task = %s, want %s", started.TaskID, t2.ID)
	}

	st, err := f.queue.Status(ctx, "s1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Queued != 0 || st.Processing != 1 {
		t.Fatalf("status = %+v, want queued=0 processing=1", st)
	}
}
