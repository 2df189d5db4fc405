package model

import "time"

// SessionStatus tracks the OS process lifecycle, independent of the work
// status a session reports on its tasks.
type SessionStatus string

const (
	SessionStatusSpawning SessionStatus = "spawning"
	SessionStatusActive   SessionStatus = "active"
	SessionStatusStopped  SessionStatus = "stopped"
	SessionStatusFailed   SessionStatus = "failed"
)

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusSpawning: {SessionStatusActive, SessionStatusFailed},
	SessionStatusActive:   {SessionStatusStopped, SessionStatusFailed},
	// stopped/failed only leave via a fresh spawn reusing the id (restart),
	// which replaces the record rather than mutating status in place.
	SessionStatusStopped: {},
	SessionStatusFailed:  {},
}

func (s SessionStatus) Valid() bool {
	_, ok := sessionTransitions[s]
	return ok
}

func (s SessionStatus) CanTransitionTo(target SessionStatus) bool {
	for _, t := range sessionTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

func (s SessionStatus) Terminal() bool {
	return s == SessionStatusStopped || s == SessionStatusFailed
}

// SessionRole says whether the process executes tasks itself or plans and
// spawns other sessions.
type SessionRole string

const (
	RoleWorker      SessionRole = "worker"
	RoleCoordinator SessionRole = "coordinator"
)

// WorkStrategy selects how a session consumes its assigned tasks.
type WorkStrategy string

const (
	StrategySimple WorkStrategy = "simple"
	StrategyQueue  WorkStrategy = "queue"
)

// TimelineEventType enumerates the append-only session history entries.
type TimelineEventType string

const (
	TimelineStarted       TimelineEventType = "started"
	TimelineStopped       TimelineEventType = "stopped"
	TimelineTaskStarted   TimelineEventType = "task_started"
	TimelineTaskCompleted TimelineEventType = "task_completed"
	TimelineTaskFailed    TimelineEventType = "task_failed"
	TimelineBlocked       TimelineEventType = "blocked"
	TimelineNeedsInput    TimelineEventType = "needs_input"
	TimelineProgress      TimelineEventType = "progress"
	TimelineError         TimelineEventType = "error"
	TimelineMilestone     TimelineEventType = "milestone"
)

func (t TimelineEventType) Valid() bool {
	switch t {
	case TimelineStarted, TimelineStopped, TimelineTaskStarted,
		TimelineTaskCompleted, TimelineTaskFailed, TimelineBlocked,
		TimelineNeedsInput, TimelineProgress, TimelineError, TimelineMilestone:
		return true
	default:
		return false
	}
}

// WorkStatusForTimeline maps timeline entries that imply a per-session task
// status change onto that status. ok is false for purely informational types.
func (t TimelineEventType) WorkStatusForTimeline() (WorkStatus, bool) {
	switch t {
	case TimelineTaskStarted:
		return WorkStatusWorking, true
	case TimelineTaskCompleted:
		return WorkStatusCompleted, true
	case TimelineTaskFailed:
		return WorkStatusFailed, true
	case TimelineBlocked:
		return WorkStatusBlocked, true
	case TimelineNeedsInput:
		return WorkStatusNeedsInput, true
	default:
		return "", false
	}
}

type TimelineEvent struct {
	ID      string            `json:"id"`
	Type    TimelineEventType `json:"type"`
	TaskID  string            `json:"taskId,omitempty"`
	Message string            `json:"message,omitempty"`
	At      time.Time         `json:"at"`
}

// Session is one running external agent process tracked by the coordinator.
type Session struct {
	ID        string        `json:"id"`
	ProjectID string        `json:"projectId"`
	ParentID  string        `json:"parentSessionId,omitempty"`
	Role      SessionRole   `json:"role"`
	Strategy  WorkStrategy  `json:"strategy"`
	Status    SessionStatus `json:"status"`

	TaskIDs  []string          `json:"taskIds,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Timeline []TimelineEvent   `json:"timeline,omitempty"`

	ManifestPath string `json:"manifestPath,omitempty"`
	PID          int    `json:"pid,omitempty"`
	Error        string `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Version int64 `json:"version"`
}

func (s Session) Clone() Session {
	out := s
	out.TaskIDs = append([]string(nil), s.TaskIDs...)
	if s.Env != nil {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = v
		}
	}
	out.Timeline = append([]TimelineEvent(nil), s.Timeline...)
	return out
}

func (s Session) HasTask(taskID string) bool {
	for _, id := range s.TaskIDs {
		if id == taskID {
			return true
		}
	}
	return false
}
