package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/maestro/internal/core"
	"github.com/antoniostano/maestro/internal/model"
)

func backends(t *testing.T) map[string]*Stores {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]*Stores{
		"memory": OpenInMemory(),
		"sqlite": sqlite,
	}
}

func TestRepoCreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := stores.Projects

			p := model.Project{ID: "p1", Title: "one", Version: 1}
			version, err := repo.Put(ctx, p.ID, 0, p)
			require.NoError(t, err)
			assert.Equal(t, int64(1), version)

			got, gotVersion, err := repo.Get(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, "one", got.Title)
			assert.Equal(t, int64(1), gotVersion)

			p.Title = "renamed"
			p.Version = 2
			version, err = repo.Put(ctx, p.ID, 1, p)
			require.NoError(t, err)
			assert.Equal(t, int64(2), version)

			got, gotVersion, err = repo.Get(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, "renamed", got.Title)
			assert.Equal(t, int64(2), gotVersion)
		})
	}
}

func TestRepoCreateConflict(t *testing.T) {
	ctx := context.Background()
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := stores.Projects
			_, err := repo.Put(ctx, "p1", 0, model.Project{ID: "p1", Version: 1})
			require.NoError(t, err)

			_, err = repo.Put(ctx, "p1", 0, model.Project{ID: "p1", Version: 1})
			assert.ErrorIs(t, err, core.ErrVersionConflict)
		})
	}
}

func TestRepoStaleVersionRejected(t *testing.T) {
	ctx := context.Background()
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := stores.Projects
			_, err := repo.Put(ctx, "p1", 0, model.Project{ID: "p1", Version: 1})
			require.NoError(t, err)
			_, err = repo.Put(ctx, "p1", 1, model.Project{ID: "p1", Version: 2})
			require.NoError(t, err)

			// A writer still holding version 1 loses.
			_, err = repo.Put(ctx, "p1", 1, model.Project{ID: "p1", Version: 2})
			assert.ErrorIs(t, err, core.ErrVersionConflict)
		})
	}
}

func TestRepoUpdateMissingRecord(t *testing.T) {
	ctx := context.Background()
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := stores.Projects.Put(ctx, "ghost", 3, model.Project{ID: "ghost"})
			assert.ErrorIs(t, err, core.ErrNotFound)
		})
	}
}

func TestRepoListInsertionOrderAndVersions(t *testing.T) {
	ctx := context.Background()
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := stores.Tasks
			for i, id := range []string{"a", "b", "c"} {
				_, err := repo.Put(ctx, id, 0, model.Task{ID: id, Title: id, Version: 1})
				require.NoError(t, err, "insert %d", i)
			}
			// Bump b so its stored version advances.
			_, err := repo.Put(ctx, "b", 1, model.Task{ID: "b", Title: "b2", Version: 2})
			require.NoError(t, err)

			all, err := repo.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "a", all[0].ID)
			assert.Equal(t, "b", all[1].ID)
			assert.Equal(t, "c", all[2].ID)
			assert.Equal(t, int64(2), all[1].Version)
		})
	}
}

func TestRepoDelete(t *testing.T) {
	ctx := context.Background()
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := stores.Sessions
			_, err := repo.Put(ctx, "s1", 0, model.Session{ID: "s1", Version: 1})
			require.NoError(t, err)

			require.NoError(t, repo.Delete(ctx, "s1"))
			_, _, err = repo.Get(ctx, "s1")
			assert.ErrorIs(t, err, core.ErrNotFound)
			assert.ErrorIs(t, repo.Delete(ctx, "s1"), core.ErrNotFound)
		})
	}
}

func TestRepoKindsAreIsolated(t *testing.T) {
	ctx := context.Background()
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := stores.Tasks.Put(ctx, "shared-id", 0, model.Task{ID: "shared-id", Version: 1})
			require.NoError(t, err)
			_, err = stores.Sessions.Put(ctx, "shared-id", 0, model.Session{ID: "shared-id", Version: 1})
			require.NoError(t, err, "same id under a different kind must not conflict")

			_, _, err = stores.Queue.Get(ctx, "shared-id")
			assert.ErrorIs(t, err, core.ErrNotFound)
		})
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	mem, err := Open(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, "in-memory", mem.Mode())

	sqlite, err := Open(ctx, "", filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer sqlite.Close()
	assert.Equal(t, "sqlite", sqlite.Mode())
}
