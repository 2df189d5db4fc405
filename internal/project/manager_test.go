package project

import (
	"context"
	"errors"
	"testing"

	"github.com/antoniostano/maestro/internal/core"
	"github.com/antoniostano/maestro/internal/events"
	"github.com/antoniostano/maestro/internal/model"
	"github.com/antoniostano/maestro/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Stores) {
	t.Helper()
	stores := store.OpenInMemory()
	return NewManager(stores.Projects, stores.Tasks, stores.Sessions, events.NewBus()), stores
}

func TestCreateRequiresTitle(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.Create(context.Background(), CreateRequest{Title: "   "})
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCreateUpdateGet(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	created, err := mgr.Create(ctx, CreateRequest{Title: "alpha", BasePath: "/src/alpha"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("Version = %d, want 1", created.Version)
	}

	title := "alpha renamed"
	updated, err := mgr.Update(ctx, created.ID, Patch{Title: &title})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != title || updated.Version != 2 {
		t.Fatalf("updated = %+v", updated)
	}

	got, err := mgr.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.BasePath != "/src/alpha" {
		t.Fatalf("BasePath = %q", got.BasePath)
	}
}

func TestDeleteRefusedWhileReferenced(t *testing.T) {
	mgr, stores := newTestManager(t)
	ctx := context.Background()

	created, err := mgr.Create(ctx, CreateRequest{Title: "busy"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = stores.Tasks.Put(ctx, "t1", 0, model.Task{
		ID: "t1", ProjectID: created.ID, Title: "task", Status: model.TaskStatusTodo, Version: 1,
	})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}

	if err := mgr.Delete(ctx, created.ID); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("delete err = %v, want ErrConflict", err)
	}

	if err := stores.Tasks.Delete(ctx, "t1"); err != nil {
		t.Fatalf("remove task: %v", err)
	}
	if err := mgr.Delete(ctx, created.ID); err != nil {
		t.Fatalf("delete after cleanup: %v", err)
	}
	if _, err := mgr.Get(ctx, created.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("get deleted err = %v, want ErrNotFound", err)
	}
}
