package jobregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	// HeartbeatInterval is how often a Tracker refreshes last_heartbeat
	// while its job runs.
	HeartbeatInterval = 30 * time.Second

	// DefaultStaleAfter is how long a running record may go without a
	// heartbeat before it is reported stale.
	DefaultStaleAfter = 5 * HeartbeatInterval

	recordFile = "job.json"
)

var (
	// ErrJobNotFound is returned when no record matches a task id or prefix.
	ErrJobNotFound = errors.New("job not found")
	// ErrAmbiguousPrefix is returned when a prefix matches several tasks.
	ErrAmbiguousPrefix = errors.New("task id prefix is ambiguous")
)

// Store is the on-disk task journal: one <root>/<task id>/job.json per
// dispatched task.
//
// Records are written only by the dispatcher that owns the job. Readers
// derive JobStateStale from the owner's host, pid and heartbeat without
// touching the file.
type Store struct {
	root       string
	host       string
	staleAfter time.Duration
	heartbeat  time.Duration

	now   func() time.Time
	alive func(pid int) bool
}

// Option configures a Store.
type Option func(*Store)

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithHeartbeatInterval overrides HeartbeatInterval for Trackers.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

func NewStore(root string, opts ...Option) *Store {
	host, _ := os.Hostname()
	s := &Store{
		root:       strings.TrimSpace(root),
		host:       host,
		staleAfter: DefaultStaleAfter,
		heartbeat:  HeartbeatInterval,
		now:        func() time.Time { return time.Now().UTC() },
		alive:      processAlive,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) recordPath(taskID uuid.UUID) string {
	return filepath.Join(s.root, taskID.String(), recordFile)
}

// Write replaces the task's job.json atomically.
func (s *Store) Write(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	if record.TaskID == uuid.Nil {
		return fmt.Errorf("task_id is required")
	}
	if s.root == "" {
		return fmt.Errorf("job journal root dir is empty")
	}
	if record.State == JobStateStale {
		return fmt.Errorf("state %q is derived and cannot be written", JobStateStale)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	return writeFileAtomic(s.recordPath(record.TaskID), append(b, '\n'))
}

// Get loads one task's record.
func (s *Store) Get(taskID uuid.UUID) (*JobRecord, error) {
	b, err := os.ReadFile(s.recordPath(taskID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}

	var record JobRecord
	if err := json.Unmarshal(b, &record); err != nil {
		return nil, fmt.Errorf("parse %s for %s: %w", recordFile, taskID, err)
	}
	if record.TaskID != taskID {
		return nil, fmt.Errorf("%s for %s names task %s", recordFile, taskID, record.TaskID)
	}
	if s.isStale(record) {
		record.State = JobStateStale
	}
	return &record, nil
}

// List returns the records matching f, newest first. Unreadable records and
// directories that are not task ids are skipped.
func (s *Store) List(f Filter) ([]JobRecord, error) {
	ids, err := s.taskIDs()
	if err != nil {
		return nil, err
	}

	out := make([]JobRecord, 0, len(ids))
	for _, id := range ids {
		r, err := s.Get(id)
		if err != nil {
			continue
		}
		if f.matches(*r) {
			out = append(out, *r)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		ti, tj := startTime(out[i]), startTime(out[j])
		if ti.Equal(tj) {
			return out[i].TaskID.String() < out[j].TaskID.String()
		}
		return ti.After(tj)
	})
	return out, nil
}

// Resolve maps a full task id or a unique prefix of one to a task id.
func (s *Store) Resolve(input string) (uuid.UUID, error) {
	input = strings.ToLower(strings.TrimSpace(input))
	if input == "" {
		return uuid.Nil, fmt.Errorf("task id is required")
	}
	if id, err := uuid.Parse(input); err == nil {
		if _, err := os.Stat(s.recordPath(id)); err != nil {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrJobNotFound, input)
		}
		return id, nil
	}

	ids, err := s.taskIDs()
	if err != nil {
		return uuid.Nil, err
	}
	var matches []uuid.UUID
	for _, id := range ids {
		if strings.HasPrefix(id.String(), input) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return uuid.Nil, fmt.Errorf("%w: %s", ErrJobNotFound, input)
	case 1:
		return matches[0], nil
	default:
		return uuid.Nil, fmt.Errorf("%w: %q matches %d tasks", ErrAmbiguousPrefix, input, len(matches))
	}
}

func (s *Store) taskIDs() ([]uuid.UUID, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read job journal: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := uuid.Parse(entry.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// isStale reports whether a running record has lost its dispatcher: the
// owning process is gone from this host, or the heartbeat is overdue.
func (s *Store) isStale(r JobRecord) bool {
	if r.State != JobStateRunning {
		return false
	}
	if r.PID > 0 && r.Host != "" && r.Host == s.host && !s.alive(r.PID) {
		return true
	}
	last := r.LastHeartbeat
	if last == nil {
		last = r.StartedAt
	}
	if last == nil {
		return false
	}
	return s.now().Sub(*last) > s.staleAfter
}

func startTime(r JobRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, recordFile+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks for existence without delivering anything. EPERM
	// means the process exists under another user.
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
