// Package store is the persistence boundary of the coordinator. Entities are
// kept as versioned JSON documents behind a small repository contract; the
// lifecycle managers own all business logic and use the version numbers for
// optimistic concurrency control.
package store

import (
	"context"
	"strings"

	"github.com/antoniostano/maestro/internal/model"
)

// Repo stores one entity kind. Put with expectedVersion 0 creates the record
// and fails with core.ErrVersionConflict if it already exists; Put with a
// positive expectedVersion updates and fails with core.ErrVersionConflict
// when a concurrent writer got there first. The new version is always
// expectedVersion+1; writers that persist the version inside the document
// stamp it before calling so List hands back accurate versions. Get and
// Delete return core.ErrNotFound for unknown ids. List returns records in
// insertion order.
type Repo[T any] interface {
	Put(ctx context.Context, id string, expectedVersion int64, value T) (int64, error)
	Get(ctx context.Context, id string) (T, int64, error)
	List(ctx context.Context) ([]T, error)
	Delete(ctx context.Context, id string) error
}

const (
	kindProject = "project"
	kindTask    = "task"
	kindSession = "session"
	kindQueue   = "queue_item"
)

// Stores bundles one repository per entity kind over a single backend.
type Stores struct {
	Projects Repo[model.Project]
	Tasks    Repo[model.Task]
	Sessions Repo[model.Session]
	Queue    Repo[model.QueueItem]

	mode    string
	closeFn func() error
}

// Open selects a backend: postgres when databaseURL is set, sqlite when
// sqlitePath is set, in-memory otherwise.
func Open(ctx context.Context, databaseURL, sqlitePath string) (*Stores, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return OpenPostgres(ctx, databaseURL)
	}
	if strings.TrimSpace(sqlitePath) != "" {
		return OpenSQLite(sqlitePath)
	}
	return OpenInMemory(), nil
}

// Mode names the active backend for health reporting.
func (s *Stores) Mode() string {
	return s.mode
}

func (s *Stores) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}
