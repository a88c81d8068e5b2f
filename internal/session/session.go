// Package session tracks in-flight agent work per task: the persisted
// session records, the staleness recovery policy, and the execution lock
// registry that serializes runs per task.
package session

import "time"

// Status of a session.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusRunning      Status = "running"
	StatusWaitingInput Status = "waiting_input"
	StatusInterrupted  Status = "interrupted"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

// IsTerminal reports whether the session will never run again without a new
// assignment.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusInterrupted
}

// Session is one agent's work on one task. One live session per task at a
// time, enforced by lookup-by-task plus the execution lock.
type Session struct {
	ID           string            `json:"id" db:"id"`
	TaskID       string            `json:"taskId" db:"task_id"`
	Title        string            `json:"title" db:"title"`
	Description  string            `json:"description" db:"description"`
	ProjectPath  string            `json:"projectPath" db:"project_path"`
	Provider     string            `json:"provider" db:"provider"`
	Status       Status            `json:"status" db:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	MessageCount int               `json:"messageCount" db:"message_count"`
	CreatedAt    time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time         `json:"updatedAt" db:"updated_at"`
}

// IsActive reports whether the session represents live or resumable work.
func (s *Session) IsActive() bool {
	return s.Status == StatusIdle || s.Status == StatusRunning || s.Status == StatusWaitingInput
}
