// Package tasks defines the task queue model and the storage operations the
// dispatcher depends on.
package tasks

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
//
// NOTE: These values are stored in the task_status enum and are part of the
// database contract.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// FailureReason classifies why a task failed.
type FailureReason string

const (
	FailureTechnicalIssues FailureReason = "technical_issues"
	FailureTaskIssues      FailureReason = "task_issues"
	FailureProblemSolving  FailureReason = "problem_solving"
)

// Valid reports whether r is one of the known failure reasons.
func (r FailureReason) Valid() bool {
	switch r {
	case FailureTechnicalIssues, FailureTaskIssues, FailureProblemSolving:
		return true
	}
	return false
}

// Task is a unit of agent work linked to a repository issue.
type Task struct {
	ID                    uuid.UUID      `db:"id" json:"id"`
	CreatedAt             time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at" json:"updated_at"`
	CreatedByID           uuid.UUID      `db:"created_by_id" json:"created_by_id"`
	RepositoryID          uuid.UUID      `db:"repository_id" json:"repository_id"`
	IssueNodeID           string         `db:"github_issue_id" json:"github_issue_id"`
	IssueNumber           int64          `db:"github_issue_number" json:"github_issue_number"`
	Status                Status         `db:"status" json:"status"`
	CompletionDescription *string        `db:"completion_description" json:"completion_description,omitempty"`
	FailureDescription    *string        `db:"failure_description" json:"failure_description,omitempty"`
	FailureReason         *FailureReason `db:"failure_reason" json:"failure_reason,omitempty"`
}

// Repository is the hosted repository a task runs against.
type Repository struct {
	ID        uuid.UUID `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	NodeID    string    `db:"github_id" json:"github_id"`
	FullName  string    `db:"github_full_name" json:"github_full_name"`
	Private   bool      `db:"github_private" json:"github_private"`
}

// UsageWindow is a billable compute interval for a task.
type UsageWindow struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	TaskID    uuid.UUID  `db:"task_id" json:"task_id"`
	Start     time.Time  `db:"compute_usage_start_timestamp" json:"start"`
	End       *time.Time `db:"compute_usage_end_timestamp" json:"end,omitempty"`
}

// Duration returns the closed window length, or zero while the window is open.
func (w UsageWindow) Duration() time.Duration {
	if w.End == nil {
		return 0
	}
	return w.End.Sub(w.Start)
}
