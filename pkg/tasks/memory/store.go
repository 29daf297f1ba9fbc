// Package memory provides an in-process tasks.Store with the same claim and
// usage semantics as the postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autominion/minion/pkg/tasks"
)

// Store is a mutex-guarded tasks.Store.
type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	tasks   map[uuid.UUID]*tasks.Task
	repos   map[uuid.UUID]*tasks.Repository
	windows map[uuid.UUID]*tasks.UsageWindow
}

var _ tasks.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		now:     time.Now,
		tasks:   make(map[uuid.UUID]*tasks.Task),
		repos:   make(map[uuid.UUID]*tasks.Repository),
		windows: make(map[uuid.UUID]*tasks.UsageWindow),
	}
}

// AddRepository inserts or replaces a repository.
func (s *Store) AddRepository(repo tasks.Repository) *tasks.Repository {
	s.mu.Lock()
	defer s.mu.Unlock()
	if repo.ID == uuid.Nil {
		repo.ID = uuid.New()
	}
	now := s.now().UTC()
	repo.CreatedAt, repo.UpdatedAt = now, now
	s.repos[repo.ID] = &repo
	out := repo
	return &out
}

// Enqueue inserts a queued task. CreatedAt is kept when set so callers can
// control ordering.
func (s *Store) Enqueue(task tasks.Task) *tasks.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now().UTC()
	}
	task.UpdatedAt = task.CreatedAt
	task.Status = tasks.StatusQueued
	s.tasks[task.ID] = &task
	out := task
	return &out
}

// Get returns a copy of a task.
func (s *Store) Get(id uuid.UUID) (*tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, &tasks.StoreError{Op: "Get", ID: id, Err: tasks.ErrNotFound}
	}
	out := *t
	return &out, nil
}

// Windows returns copies of all usage windows for a task, oldest first.
func (s *Store) Windows(taskID uuid.UUID) []tasks.UsageWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tasks.UsageWindow
	for _, w := range s.windows {
		if w.TaskID == taskID {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// ClaimNext claims the oldest queued task.
func (s *Store) ClaimNext(ctx context.Context) (*tasks.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *tasks.Task
	for _, t := range s.tasks {
		if t.Status != tasks.StatusQueued {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.Status = tasks.StatusRunning
	oldest.UpdatedAt = s.now().UTC()
	out := *oldest
	return &out, nil
}

// Complete marks a task completed.
func (s *Store) Complete(ctx context.Context, taskID uuid.UUID, description string) (*tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, &tasks.StoreError{Op: "Complete", ID: taskID, Err: tasks.ErrNotFound}
	}
	t.Status = tasks.StatusCompleted
	t.CompletionDescription = &description
	t.UpdatedAt = s.now().UTC()
	out := *t
	return &out, nil
}

// Fail marks a task failed.
func (s *Store) Fail(ctx context.Context, taskID uuid.UUID, reason tasks.FailureReason, description string) (*tasks.Task, error) {
	if !reason.Valid() {
		return nil, &tasks.StoreError{Op: "Fail", ID: taskID, Err: tasks.ErrInvalidFailureReason}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, &tasks.StoreError{Op: "Fail", ID: taskID, Err: tasks.ErrNotFound}
	}
	t.Status = tasks.StatusFailed
	t.FailureReason = &reason
	t.FailureDescription = &description
	t.UpdatedAt = s.now().UTC()
	out := *t
	return &out, nil
}

// GetRepository returns a repository by id.
func (s *Store) GetRepository(ctx context.Context, id uuid.UUID) (*tasks.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[id]
	if !ok {
		return nil, &tasks.StoreError{Op: "GetRepository", ID: id, Err: tasks.ErrNotFound}
	}
	out := *r
	return &out, nil
}

// StartComputeUsage opens a usage window.
func (s *Store) StartComputeUsage(ctx context.Context, taskID uuid.UUID, start time.Time) (*tasks.UsageWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return nil, &tasks.StoreError{Op: "StartComputeUsage", ID: taskID, Err: tasks.ErrNotFound}
	}
	now := s.now().UTC()
	w := &tasks.UsageWindow{
		ID:        uuid.New(),
		CreatedAt: now,
		UpdatedAt: now,
		TaskID:    taskID,
		Start:     start.UTC(),
	}
	s.windows[w.ID] = w
	out := *w
	return &out, nil
}

// EndComputeUsage closes a usage window.
func (s *Store) EndComputeUsage(ctx context.Context, windowID uuid.UUID, end time.Time) (*tasks.UsageWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[windowID]
	if !ok {
		return nil, &tasks.StoreError{Op: "EndComputeUsage", ID: windowID, Err: tasks.ErrNotFound}
	}
	end = end.UTC()
	if end.Before(w.Start) {
		return nil, &tasks.StoreError{Op: "EndComputeUsage", ID: windowID, Err: tasks.ErrInvalidWindow}
	}
	w.End = &end
	w.UpdatedAt = s.now().UTC()
	out := *w
	return &out, nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}
