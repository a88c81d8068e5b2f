// Package workflow is the durable per-task record of orchestration progress
// and the state machine that guards its transitions.
package workflow

import "time"

// Status of a workflow.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusPlanning         Status = "PLANNING"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusImplementing     Status = "IMPLEMENTING"
	StatusTesting          Status = "TESTING"
	StatusReadyToMerge     Status = "READY_TO_MERGE"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
	StatusCancelled        Status = "CANCELLED"
)

// statusRank orders the forward lattice. Terminal absorbing states are not
// ranked; they are handled explicitly.
var statusRank = map[Status]int{
	StatusPending:          0,
	StatusPlanning:         1,
	StatusAwaitingApproval: 2,
	StatusImplementing:     3,
	StatusTesting:          4,
	StatusReadyToMerge:     5,
	StatusCompleted:        6,
}

// IsTerminal reports whether the status is absorbing: once reached, no
// transition changes the workflow further.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether a plain transition from s to next is
// allowed: forward through the lattice, or into FAILED/CANCELLED from any
// non-terminal status. Change requests move backward through a dedicated
// path, not through this check.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed || next == StatusCancelled {
		return true
	}
	from, okFrom := statusRank[s]
	to, okTo := statusRank[next]
	return okFrom && okTo && to > from
}

// Workflow is the persisted orchestration state for one task. One workflow
// per task, created lazily on first assignment.
type Workflow struct {
	ID                string            `json:"id"`
	TaskID            string            `json:"taskId"`
	RepositoryID      string            `json:"repositoryId"`
	BaseBranch        string            `json:"baseBranch"`
	WorkingBranch     string            `json:"workingBranch,omitempty"`
	Status            Status            `json:"status"`
	AIService         string            `json:"aiService"`
	PullRequestNumber *int              `json:"pullRequestNumber,omitempty"`
	PullRequestURL    string            `json:"pullRequestUrl,omitempty"`
	DeploymentURL     string            `json:"deploymentUrl,omitempty"`
	PreviewURL        string            `json:"previewUrl,omitempty"`
	PlanApproved      bool              `json:"planApproved"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// HasOpenPR reports whether a pull request has been recorded.
func (w *Workflow) HasOpenPR() bool {
	return w.PullRequestNumber != nil
}
