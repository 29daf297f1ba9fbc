package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the referenced task, repository or usage window does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidFailureReason indicates Fail was called with an unknown reason.
	ErrInvalidFailureReason = errors.New("invalid failure reason")

	// ErrInvalidWindow indicates a usage window end precedes its start.
	ErrInvalidWindow = errors.New("usage window end precedes start")
)

// Store is the subset of task persistence the dispatcher depends on.
type Store interface {
	// ClaimNext atomically moves the oldest unlocked queued task to running and
	// returns it. It returns (nil, nil) when nothing is claimable.
	ClaimNext(ctx context.Context) (*Task, error)

	// Complete marks a task completed with a description.
	Complete(ctx context.Context, taskID uuid.UUID, description string) (*Task, error)

	// Fail marks a task failed with a reason and description.
	Fail(ctx context.Context, taskID uuid.UUID, reason FailureReason, description string) (*Task, error)

	// GetRepository loads a repository by id.
	GetRepository(ctx context.Context, id uuid.UUID) (*Repository, error)

	// StartComputeUsage opens a usage window for a task.
	StartComputeUsage(ctx context.Context, taskID uuid.UUID, start time.Time) (*UsageWindow, error)

	// EndComputeUsage closes a usage window.
	EndComputeUsage(ctx context.Context, windowID uuid.UUID, end time.Time) (*UsageWindow, error)

	// Ping checks the backing store is reachable.
	Ping(ctx context.Context) error
}

// StoreError wraps store errors with the failing operation.
type StoreError struct {
	Op  string
	ID  uuid.UUID
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.ID != uuid.Nil {
		return fmt.Sprintf("tasks %s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("tasks %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
