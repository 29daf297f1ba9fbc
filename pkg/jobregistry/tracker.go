package jobregistry

import (
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/autominion/minion/pkg/vm"
)

// Tracker keeps one job's record current on disk. Every mutation rewrites
// job.json, and a background heartbeat refreshes last_heartbeat until
// Finish so long agent runs are not mistaken for stale ones. Write failures
// are logged and never fail the job.
//
// A Tracker built from a nil Store only keeps the record in memory.
type Tracker struct {
	store  *Store
	logger *zap.Logger

	mu     sync.Mutex
	record JobRecord

	// writeMu orders snapshots so an older record never replaces a newer one.
	writeMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Track starts a running record for taskID, writes it, and starts the
// heartbeat.
func (s *Store) Track(taskID uuid.UUID, repository, issueID, dispatchMode string, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now().UTC()
	t := &Tracker{
		store:  s,
		logger: logger,
		record: JobRecord{
			TaskID:        taskID,
			Repository:    repository,
			IssueID:       issueID,
			State:         JobStateRunning,
			DispatchMode:  dispatchMode,
			PID:           os.Getpid(),
			CreatedAt:     now,
			StartedAt:     &now,
			LastHeartbeat: &now,
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if s == nil {
		close(t.done)
		return t
	}
	t.record.Host = s.host
	t.flush()
	go t.beat(s.heartbeat)
	return t
}

// Phase records the step the job is entering.
func (t *Tracker) Phase(p Phase) {
	t.update(func(r *JobRecord) { r.Phase = p })
}

// Machine records the VM identity.
func (t *Tracker) Machine(id vm.Identity) {
	t.update(func(r *JobRecord) { r.Machine = &id })
}

// UsageWindow records the open compute usage window.
func (t *Tracker) UsageWindow(id uuid.UUID) {
	t.update(func(r *JobRecord) { r.UsageWindowID = id.String() })
}

// AgentExit records the agent container's exit code.
func (t *Tracker) AgentExit(code int) {
	t.update(func(r *JobRecord) { r.AgentExitCode = &code })
}

// PullRequest records the opened pull request id.
func (t *Tracker) PullRequest(id string) {
	t.update(func(r *JobRecord) { r.PullRequestID = id })
}

// LogKey records where the task log was uploaded.
func (t *Tracker) LogKey(key string) {
	t.update(func(r *JobRecord) { r.LogKey = key })
}

// Finish stops the heartbeat and moves the record to success, or failed
// with err's text. Calls after the first are ignored.
func (t *Tracker) Finish(err error) {
	first := false
	t.stopOnce.Do(func() {
		first = true
		close(t.stop)
	})
	if !first {
		return
	}
	<-t.done
	t.update(func(r *JobRecord) {
		now := time.Now().UTC()
		r.EndedAt = &now
		if err != nil {
			r.State = JobStateFailed
			r.Error = err.Error()
			return
		}
		r.State = JobStateSuccess
		r.Phase = PhaseDone
	})
}

// Record returns a copy of the current record.
func (t *Tracker) Record() JobRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record
}

func (t *Tracker) beat(every time.Duration) {
	defer close(t.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.update(func(*JobRecord) {})
		}
	}
}

func (t *Tracker) update(fn func(*JobRecord)) {
	t.mu.Lock()
	fn(&t.record)
	now := time.Now().UTC()
	t.record.LastHeartbeat = &now
	t.mu.Unlock()
	t.flush()
}

func (t *Tracker) flush() {
	if t.store == nil {
		return
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.Lock()
	rec := t.record
	t.mu.Unlock()
	if err := t.store.Write(&rec); err != nil {
		t.logger.Warn("Failed to write job journal", zap.String("task_id", rec.TaskID.String()), zap.Error(err))
	}
}
