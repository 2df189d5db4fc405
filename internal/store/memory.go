package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/antoniostano/maestro/internal/core"
	"github.com/antoniostano/maestro/internal/model"
)

// memoryRepo is the in-process backend for local/dev use and tests. Records
// are held as marshaled JSON so reads hand back independent copies, same as
// the durable backends.
type memoryRepo[T any] struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
	order   []string
}

type memoryRecord struct {
	version int64
	data    []byte
}

func newMemoryRepo[T any]() *memoryRepo[T] {
	return &memoryRepo[T]{records: make(map[string]memoryRecord)}
}

func (r *memoryRepo[T]) Put(_ context.Context, id string, expectedVersion int64, value T) (int64, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.records[id]
	if expectedVersion == 0 {
		if ok {
			return 0, fmt.Errorf("%w: record %s already exists", core.ErrVersionConflict, id)
		}
		r.records[id] = memoryRecord{version: 1, data: data}
		r.order = append(r.order, id)
		return 1, nil
	}
	if !ok {
		return 0, fmt.Errorf("%w: record %s", core.ErrNotFound, id)
	}
	if existing.version != expectedVersion {
		return 0, fmt.Errorf("%w: record %s at version %d, expected %d",
			core.ErrVersionConflict, id, existing.version, expectedVersion)
	}
	r.records[id] = memoryRecord{version: expectedVersion + 1, data: data}
	return expectedVersion + 1, nil
}

func (r *memoryRepo[T]) Get(_ context.Context, id string) (T, int64, error) {
	var out T
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return out, 0, fmt.Errorf("%w: record %s", core.ErrNotFound, id)
	}
	if err := json.Unmarshal(rec.data, &out); err != nil {
		return out, 0, fmt.Errorf("unmarshal record %s: %w", id, err)
	}
	return out, rec.version, nil
}

func (r *memoryRepo[T]) List(_ context.Context) ([]T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.order))
	for _, id := range r.order {
		rec, ok := r.records[id]
		if !ok {
			continue
		}
		var v T
		if err := json.Unmarshal(rec.data, &v); err != nil {
			return nil, fmt.Errorf("unmarshal record %s: %w", id, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *memoryRepo[T]) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return fmt.Errorf("%w: record %s", core.ErrNotFound, id)
	}
	delete(r.records, id)
	kept := r.order[:0]
	for _, existing := range r.order {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	r.order = kept
	return nil
}

// OpenInMemory builds a store backed entirely by process memory.
func OpenInMemory() *Stores {
	return &Stores{
		Projects: newMemoryRepo[model.Project](),
		Tasks:    newMemoryRepo[model.Task](),
		Sessions: newMemoryRepo[model.Session](),
		Queue:    newMemoryRepo[model.QueueItem](),
		mode:     "in-memory",
	}
}
