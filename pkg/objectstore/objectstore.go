// Package objectstore stores task artifacts in durable object storage.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Store is a minimal blob store.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// TaskLogs stores one aggregated log per task under
// <prefix>/tasks/<task id>/task.log.
type TaskLogs struct {
	store  Store
	prefix string
}

// NewTaskLogs returns a TaskLogs writing below prefix.
func NewTaskLogs(store Store, prefix string) *TaskLogs {
	return &TaskLogs{store: store, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key for a task's log.
func (t *TaskLogs) Key(taskID uuid.UUID) string {
	return path.Join(t.prefix, "tasks", taskID.String(), "task.log")
}

// Upload stores the log for a task, replacing any previous one.
func (t *TaskLogs) Upload(ctx context.Context, taskID uuid.UUID, log string) error {
	if err := t.store.Put(ctx, t.Key(taskID), strings.NewReader(log), int64(len(log)), "text/plain; charset=utf-8"); err != nil {
		return fmt.Errorf("upload task log: %w", err)
	}
	return nil
}

// Download returns the stored log for a task.
func (t *TaskLogs) Download(ctx context.Context, taskID uuid.UUID) (string, error) {
	rc, err := t.store.Get(ctx, t.Key(taskID))
	if err != nil {
		return "", fmt.Errorf("download task log: %w", err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read task log: %w", err)
	}
	return string(b), nil
}
