package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autominion/minion/pkg/tasks"
	"github.com/autominion/minion/pkg/tasks/memory"
)

type recordingRunner struct {
	mu    sync.Mutex
	jobs  []Job
	panic bool
	block chan struct{}
}

func (r *recordingRunner) Run(ctx context.Context, job Job) error {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	if r.block != nil {
		<-r.block
	}
	if r.panic {
		panic("boom")
	}
	return nil
}

func (r *recordingRunner) seen() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Job(nil), r.jobs...)
}

type failingStore struct {
	tasks.Store
	err error
}

func (s failingStore) ClaimNext(ctx context.Context) (*tasks.Task, error) {
	return nil, s.err
}

func TestDispatcher_RunOnce_EmptyQueue(t *testing.T) {
	d := NewDispatcher(memory.New(), &recordingRunner{}, 0, nil)

	claimed, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, DefaultPollInterval, d.pollInterval)
}

func TestDispatcher_RunOnce_SpawnsJob(t *testing.T) {
	store := memory.New()
	repo := store.AddRepository(tasks.Repository{NodeID: "R_1", FullName: "acme/widgets"})
	task := store.Enqueue(tasks.Task{RepositoryID: repo.ID, IssueNodeID: "I_1"})
	runner := &recordingRunner{}
	d := NewDispatcher(store, runner, time.Second, nil)

	claimed, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)
	d.Wait()

	assert.Equal(t, []Job{{
		TaskID:             task.ID,
		IssueID:            "I_1",
		RepositoryNodeID:   "R_1",
		RepositoryFullName: "acme/widgets",
	}}, runner.seen())

	got, err := store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusRunning, got.Status)
}

func TestDispatcher_DoesNotWaitForJobs(t *testing.T) {
	store := memory.New()
	repo := store.AddRepository(tasks.Repository{NodeID: "R_1", FullName: "acme/widgets"})
	for i := 0; i < 3; i++ {
		store.Enqueue(tasks.Task{RepositoryID: repo.ID, IssueNodeID: "I_1", CreatedAt: time.Now().Add(time.Duration(i) * time.Second)})
	}
	runner := &recordingRunner{block: make(chan struct{})}
	d := NewDispatcher(store, runner, time.Second, nil)

	for i := 0; i < 3; i++ {
		claimed, err := d.RunOnce(context.Background())
		require.NoError(t, err)
		require.True(t, claimed)
	}
	require.Eventually(t, func() bool { return d.Active() == 3 }, time.Second, 5*time.Millisecond)

	close(runner.block)
	d.Wait()
	assert.Equal(t, 0, d.Active())
	assert.Len(t, runner.seen(), 3)
}

type ctxRunner struct {
	started chan struct{}
	release chan struct{}
	err     chan error
}

func (r *ctxRunner) Run(ctx context.Context, job Job) error {
	close(r.started)
	<-r.release
	r.err <- ctx.Err()
	return nil
}

func TestDispatcher_StoppingLoopDoesNotCancelJobs(t *testing.T) {
	store := memory.New()
	repo := store.AddRepository(tasks.Repository{NodeID: "R_1", FullName: "acme/widgets"})
	store.Enqueue(tasks.Task{RepositoryID: repo.ID, IssueNodeID: "I_1"})
	runner := &ctxRunner{started: make(chan struct{}), release: make(chan struct{}), err: make(chan error, 1)}
	d := NewDispatcher(store, runner, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	claimed, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	<-runner.started
	cancel()
	close(runner.release)
	d.Wait()

	assert.NoError(t, <-runner.err)
}

func TestDispatcher_PanicIsContained(t *testing.T) {
	store := memory.New()
	repo := store.AddRepository(tasks.Repository{NodeID: "R_1", FullName: "acme/widgets"})
	store.Enqueue(tasks.Task{RepositoryID: repo.ID, IssueNodeID: "I_1"})
	d := NewDispatcher(store, &recordingRunner{panic: true}, time.Second, nil)

	claimed, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)
	d.Wait()

	claimed, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestDispatcher_MissingRepositoryEndsJob(t *testing.T) {
	store := memory.New()
	store.Enqueue(tasks.Task{RepositoryID: uuid.New(), IssueNodeID: "I_1"})
	runner := &recordingRunner{}
	d := NewDispatcher(store, runner, time.Second, nil)

	claimed, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)
	d.Wait()
	assert.Empty(t, runner.seen())
}

func TestDispatcher_Run_SleepsOnEmptyQueueAndClaimError(t *testing.T) {
	tests := []struct {
		name  string
		store tasks.Store
	}{
		{"empty queue", memory.New()},
		{"claim error", failingStore{err: errors.New("connection refused")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(tt.store, &recordingRunner{}, 0, nil)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var sleeps []time.Duration
			d.sleep = func(ctx context.Context, dur time.Duration) error {
				sleeps = append(sleeps, dur)
				if len(sleeps) == 2 {
					cancel()
					return ctx.Err()
				}
				return nil
			}

			err := d.Run(ctx)
			assert.ErrorIs(t, err, context.Canceled)
			assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, sleeps)
		})
	}
}

func TestDispatcher_Run_PollsImmediatelyAfterClaim(t *testing.T) {
	store := memory.New()
	repo := store.AddRepository(tasks.Repository{NodeID: "R_1", FullName: "acme/widgets"})
	for i := 0; i < 2; i++ {
		store.Enqueue(tasks.Task{RepositoryID: repo.ID, IssueNodeID: "I_1", CreatedAt: time.Now().Add(time.Duration(i) * time.Second)})
	}
	runner := &recordingRunner{}
	d := NewDispatcher(store, runner, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sleeps := 0
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		sleeps++
		cancel()
		return ctx.Err()
	}

	require.ErrorIs(t, d.Run(ctx), context.Canceled)
	d.Wait()
	assert.Equal(t, 1, sleeps, "sleep only after the queue drains")
	assert.Len(t, runner.seen(), 2)
}

// Concurrent dispatchers sharing one store never run the same task twice.
func TestDispatcher_ConcurrentDispatchersNeverShareTask(t *testing.T) {
	store := memory.New()
	repo := store.AddRepository(tasks.Repository{NodeID: "R_1", FullName: "acme/widgets"})
	const n = 50
	for i := 0; i < n; i++ {
		store.Enqueue(tasks.Task{RepositoryID: repo.ID, IssueNodeID: "I_1"})
	}

	runner := &recordingRunner{}
	var wg sync.WaitGroup
	dispatchers := make([]*Dispatcher, 8)
	for i := range dispatchers {
		dispatchers[i] = NewDispatcher(store, runner, time.Millisecond, nil)
		wg.Add(1)
		go func(d *Dispatcher) {
			defer wg.Done()
			for {
				claimed, err := d.RunOnce(context.Background())
				if err != nil || !claimed {
					return
				}
			}
		}(dispatchers[i])
	}
	wg.Wait()
	for _, d := range dispatchers {
		d.Wait()
	}

	seen := make(map[uuid.UUID]int)
	for _, j := range runner.seen() {
		seen[j.TaskID]++
	}
	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "task %s ran %d times", id, count)
	}
}

// End to end with dispatch disabled: the branch is pushed and a credential
// minted, but no usage window is opened and no VM is created.
func TestDispatcher_EndToEnd_DispatchDisabled(t *testing.T) {
	h := newHarness(t, false)
	d := NewDispatcher(h.store, h.orch, time.Second, nil)

	claimed, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)
	d.Wait()

	require.Len(t, h.pusher.pushes, 1)
	assert.True(t, strings.HasSuffix(h.pusher.pushes[0].URL, "/acme/widgets"))
	assert.Equal(t, TaskRef(h.task.ID), h.pusher.pushes[0].Ref)
	assert.Equal(t, []uuid.UUID{h.task.ID}, h.tokens.issued)
	assert.Empty(t, h.store.Windows(h.task.ID))
	assert.Equal(t, 0, h.provider.count())
	assert.Empty(t, h.machine.commands)
}
