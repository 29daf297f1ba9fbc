// Package postgres implements tasks.Store on PostgreSQL using sqlx and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/autominion/minion/pkg/tasks"
)

// Config configures the connection pool.
type Config struct {
	// URL is the postgres DSN (required).
	URL string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// ConnectTimeout is appended to the DSN as connect_timeout when absent.
	ConnectTimeout time.Duration
}

// DefaultConfig returns pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

const taskColumns = `id, created_at, updated_at, created_by_id, repository_id,
	github_issue_id, github_issue_number, status,
	completion_description, failure_description, failure_reason`

const usageColumns = `id, created_at, updated_at, task_id,
	compute_usage_start_timestamp, compute_usage_end_timestamp`

// Store implements tasks.Store.
type Store struct {
	db *sqlx.DB
}

var _ tasks.Store = (*Store)(nil)

// Open connects to postgres and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	dsn := withConnectTimeout(cfg.URL, cfg.ConnectTimeout)

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func withConnectTimeout(dsn string, timeout time.Duration) string {
	if timeout <= 0 || strings.Contains(dsn, "connect_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%sconnect_timeout=%d", dsn, sep, int(timeout.Seconds()))
}

// ClaimNext selects the oldest queued task that no other transaction holds,
// flips it to running and returns it in one statement.
func (s *Store) ClaimNext(ctx context.Context) (*tasks.Task, error) {
	query := `UPDATE tasks SET status = 'running', updated_at = now()
		WHERE id IN (
			SELECT id FROM tasks
			WHERE status = 'queued'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + taskColumns

	var task tasks.Task
	if err := s.db.GetContext(ctx, &task, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &tasks.StoreError{Op: "ClaimNext", Err: err}
	}
	return &task, nil
}

// Complete marks a task completed.
func (s *Store) Complete(ctx context.Context, taskID uuid.UUID, description string) (*tasks.Task, error) {
	query := `UPDATE tasks
		SET status = 'completed', completion_description = $2, updated_at = now()
		WHERE id = $1
		RETURNING ` + taskColumns

	var task tasks.Task
	if err := s.db.GetContext(ctx, &task, query, taskID, description); err != nil {
		return nil, wrapError("Complete", taskID, err)
	}
	return &task, nil
}

// Fail marks a task failed.
func (s *Store) Fail(ctx context.Context, taskID uuid.UUID, reason tasks.FailureReason, description string) (*tasks.Task, error) {
	if !reason.Valid() {
		return nil, &tasks.StoreError{Op: "Fail", ID: taskID, Err: tasks.ErrInvalidFailureReason}
	}
	query := `UPDATE tasks
		SET status = 'failed', failure_reason = $2::task_failure_reason,
			failure_description = $3, updated_at = now()
		WHERE id = $1
		RETURNING ` + taskColumns

	var task tasks.Task
	if err := s.db.GetContext(ctx, &task, query, taskID, string(reason), description); err != nil {
		return nil, wrapError("Fail", taskID, err)
	}
	return &task, nil
}

// GetRepository loads a repository by id.
func (s *Store) GetRepository(ctx context.Context, id uuid.UUID) (*tasks.Repository, error) {
	query := `SELECT id, created_at, updated_at, github_id, github_full_name, github_private
		FROM repositories WHERE id = $1`

	var repo tasks.Repository
	if err := s.db.GetContext(ctx, &repo, query, id); err != nil {
		return nil, wrapError("GetRepository", id, err)
	}
	return &repo, nil
}

// StartComputeUsage opens a usage window.
func (s *Store) StartComputeUsage(ctx context.Context, taskID uuid.UUID, start time.Time) (*tasks.UsageWindow, error) {
	query := `INSERT INTO task_compute_usage (id, task_id, compute_usage_start_timestamp)
		VALUES ($1, $2, $3)
		RETURNING ` + usageColumns

	var window tasks.UsageWindow
	if err := s.db.GetContext(ctx, &window, query, uuid.New(), taskID, start.UTC()); err != nil {
		return nil, wrapError("StartComputeUsage", taskID, err)
	}
	return &window, nil
}

// EndComputeUsage closes a usage window.
func (s *Store) EndComputeUsage(ctx context.Context, windowID uuid.UUID, end time.Time) (*tasks.UsageWindow, error) {
	query := `UPDATE task_compute_usage
		SET compute_usage_end_timestamp = $2, updated_at = now()
		WHERE id = $1 AND compute_usage_start_timestamp <= $2
		RETURNING ` + usageColumns

	var window tasks.UsageWindow
	err := s.db.GetContext(ctx, &window, query, windowID, end.UTC())
	if err == nil {
		return &window, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, wrapError("EndComputeUsage", windowID, err)
	}

	// Distinguish a missing window from an end that precedes the start.
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM task_compute_usage WHERE id = $1)`, windowID); err != nil {
		return nil, wrapError("EndComputeUsage", windowID, err)
	}
	if exists {
		return nil, &tasks.StoreError{Op: "EndComputeUsage", ID: windowID, Err: tasks.ErrInvalidWindow}
	}
	return nil, &tasks.StoreError{Op: "EndComputeUsage", ID: windowID, Err: tasks.ErrNotFound}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CheckHealth satisfies the health checker contract.
func (s *Store) CheckHealth(ctx context.Context) error {
	return s.Ping(ctx)
}

func wrapError(op string, id uuid.UUID, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		err = tasks.ErrNotFound
	}
	return &tasks.StoreError{Op: op, ID: id, Err: err}
}
