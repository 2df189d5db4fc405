// Package orchestrator hosts the operations that span more than one
// lifecycle manager. Single-entity rules live in the managers; this package
// only sequences them.
package orchestrator

import (
	"context"

	"github.com/antoniostano/maestro/internal/events"
	"github.com/antoniostano/maestro/internal/project"
	"github.com/antoniostano/maestro/internal/queue"
	"github.com/antoniostano/maestro/internal/session"
	"github.com/antoniostano/maestro/internal/task"
)

type Orchestrator struct {
	Projects *project.Manager
	Tasks    *task.Manager
	Sessions *session.Manager
	Queue    *queue.Manager
	Bus      *events.Bus
}

func New(projects *project.Manager, tasks *task.Manager, sessions *session.Manager, queueMgr *queue.Manager, bus *events.Bus) *Orchestrator {
	return &Orchestrator{
		Projects: projects,
		Tasks:    tasks,
		Sessions: sessions,
		Queue:    queueMgr,
		Bus:      bus,
	}
}

// DeleteTask runs the task delete cascade: terminate any live queue entries,
// detach the task from every session, then remove the record. Each step
// publishes its own events, so observers see the cleanup before the final
// task:deleted.
func (o *Orchestrator) DeleteTask(ctx context.Context, taskID string) error {
	t, err := o.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if err := o.Queue.RemoveTask(ctx, t.ID); err != nil {
		return err
	}
	if err := o.Sessions.DetachTaskFromAll(ctx, t.ID); err != nil {
		return err
	}
	return o.Tasks.Delete(ctx, t.ID)
}
