package model

import "time"

// TaskStatus is the human-controlled lifecycle of a task.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusInReview   TaskStatus = "in_review"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusCancelled  TaskStatus = "cancelled"
	TaskStatusBlocked    TaskStatus = "blocked"
)

// taskTransitions encodes the reachable targets per status. completed and
// cancelled are terminal; nothing ever returns to todo.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusTodo:       {TaskStatusInProgress, TaskStatusCancelled},
	TaskStatusInProgress: {TaskStatusInReview, TaskStatusCompleted, TaskStatusCancelled, TaskStatusBlocked},
	TaskStatusInReview:   {TaskStatusInProgress, TaskStatusCompleted, TaskStatusCancelled},
	TaskStatusBlocked:    {TaskStatusInProgress, TaskStatusCancelled},
	TaskStatusCompleted:  {},
	TaskStatusCancelled:  {},
}

func (s TaskStatus) Valid() bool {
	_, ok := taskTransitions[s]
	return ok
}

func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	for _, t := range taskTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// WorkStatus is a session's own view of its work on one task. One entry per
// assigned session, mutated only by that session.
type WorkStatus string

const (
	WorkStatusQueued     WorkStatus = "queued"
	WorkStatusWorking    WorkStatus = "working"
	WorkStatusBlocked    WorkStatus = "blocked"
	WorkStatusNeedsInput WorkStatus = "needs_input"
	WorkStatusCompleted  WorkStatus = "completed"
	WorkStatusFailed     WorkStatus = "failed"
	WorkStatusCancelled  WorkStatus = "cancelled"
)

// workTransitions: completed and cancelled are terminal; failed allows only
// the explicit retry arc back to working; every live state may be cancelled.
var workTransitions = map[WorkStatus][]WorkStatus{
	WorkStatusQueued:     {WorkStatusWorking, WorkStatusCancelled},
	WorkStatusWorking:    {WorkStatusCompleted, WorkStatusBlocked, WorkStatusNeedsInput, WorkStatusFailed, WorkStatusCancelled},
	WorkStatusBlocked:    {WorkStatusWorking, WorkStatusCancelled},
	WorkStatusNeedsInput: {WorkStatusWorking, WorkStatusCancelled},
	WorkStatusFailed:     {WorkStatusWorking},
	WorkStatusCompleted:  {},
	WorkStatusCancelled:  {},
}

func (s WorkStatus) Valid() bool {
	_, ok := workTransitions[s]
	return ok
}

func (s WorkStatus) CanTransitionTo(target WorkStatus) bool {
	for _, t := range workTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Task is one unit of work. Status belongs to human-facing callers;
// PerSessionStatus entries belong to the sessions named by their keys.
type Task struct {
	ID            string `json:"id"`
	ProjectID     string `json:"projectId"`
	ParentID      string `json:"parentId,omitempty"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	InitialPrompt string `json:"initialPrompt,omitempty"`

	Status           TaskStatus            `json:"status"`
	PerSessionStatus map[string]WorkStatus `json:"perSessionStatus,omitempty"`

	SessionIDs   []string `json:"sessionIds,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	ReferenceIDs []string `json:"referenceIds,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Version int64 `json:"version"`
}

func (t Task) Clone() Task {
	out := t
	if t.PerSessionStatus != nil {
		out.PerSessionStatus = make(map[string]WorkStatus, len(t.PerSessionStatus))
		for k, v := range t.PerSessionStatus {
			out.PerSessionStatus[k] = v
		}
	}
	out.SessionIDs = append([]string(nil), t.SessionIDs...)
	out.Dependencies = append([]string(nil), t.Dependencies...)
	out.ReferenceIDs = append([]string(nil), t.ReferenceIDs...)
	return out
}

func (t Task) HasSession(sessionID string) bool {
	for _, id := range t.SessionIDs {
		if id == sessionID {
			return true
		}
	}
	return false
}

// TaskPatch carries a partial update. Nil pointer or nil map means "leave
// unchanged"; the authorization guard decides which fields a source may set.
type TaskPatch struct {
	Title            *string               `json:"title,omitempty"`
	Description      *string               `json:"description,omitempty"`
	InitialPrompt    *string               `json:"initialPrompt,omitempty"`
	Status           *TaskStatus           `json:"status,omitempty"`
	Dependencies     []string              `json:"dependencies,omitempty"`
	ReferenceIDs     []string              `json:"referenceIds,omitempty"`
	PerSessionStatus map[string]WorkStatus `json:"perSessionStatus,omitempty"`
}

func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.InitialPrompt == nil &&
		p.Status == nil && p.Dependencies == nil && p.ReferenceIDs == nil &&
		len(p.PerSessionStatus) == 0
}
