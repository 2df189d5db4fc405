package model

import "time"

// QueueItemStatus is the state of one enqueued (sessionId, taskId) pair.
type QueueItemStatus string

const (
	QueueItemQueued     QueueItemStatus = "queued"
	QueueItemProcessing QueueItemStatus = "processing"
	QueueItemCompleted  QueueItemStatus = "completed"
	QueueItemFailed     QueueItemStatus = "failed"
	QueueItemSkipped    QueueItemStatus = "skipped"
)

func (s QueueItemStatus) Terminal() bool {
	switch s {
	case QueueItemCompleted, QueueItemFailed, QueueItemSkipped:
		return true
	default:
		return false
	}
}

// QueueItem is one task queued for sequential processing by a session.
// Terminal items are never removed; they serve as history and are skipped by
// next-item selection. Position fixes the FIFO order within a session.
type QueueItem struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	TaskID    string          `json:"taskId"`
	Status    QueueItemStatus `json:"status"`
	Position  int64           `json:"position"`
	Reason    string          `json:"reason,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Version int64 `json:"version"`
}

func (q QueueItem) Clone() QueueItem {
	return q
}
