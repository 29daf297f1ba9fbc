// Package dispatch claims queued tasks and runs each as an independent job.
//
// The Dispatcher loop claims serially and never waits for jobs: every claimed
// task runs on its own goroutine through a JobRunner (normally the
// Orchestrator). Job failures stay inside the job.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/autominion/minion/pkg/tasks"
)

// Dispatcher polls the task queue and spawns jobs.
type Dispatcher struct {
	store        tasks.Store
	runner       JobRunner
	logger       *zap.Logger
	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration) error

	wg     sync.WaitGroup
	active atomic.Int64
}

// NewDispatcher wires a dispatcher. A zero pollInterval means DefaultPollInterval.
func NewDispatcher(store tasks.Store, runner JobRunner, pollInterval time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Dispatcher{
		store:        store,
		runner:       runner,
		logger:       logger,
		pollInterval: pollInterval,
		sleep:        sleepContext,
	}
}

// Run polls until ctx is done. After a claim it polls again immediately; on
// an empty queue or a claim error it sleeps for the poll interval. In-flight
// jobs are not waited for.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Dispatcher started", zap.Duration("poll_interval", d.pollInterval))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		claimed, err := d.RunOnce(ctx)
		if err != nil {
			d.logger.Error("Failed to claim task", zap.Error(err))
		}
		if claimed {
			continue
		}
		if err := d.sleep(ctx, d.pollInterval); err != nil {
			return err
		}
	}
}

// RunOnce claims at most one task and spawns its job. It reports whether a
// task was claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	task, err := d.store.ClaimNext(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	d.logger.Info("Job received", zap.String("task_id", task.ID.String()))
	d.spawn(ctx, *task)
	return true, nil
}

// spawn runs the job in the background. Jobs keep ctx's values but not its
// cancellation: stopping the loop abandons them rather than interrupting them.
func (d *Dispatcher) spawn(ctx context.Context, task tasks.Task) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	d.active.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.active.Add(-1)

		logger := d.logger.With(zap.String("task_id", task.ID.String()))
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Job panicked", zap.Any("panic", r), zap.Stack("stack"))
			}
		}()

		repo, err := d.store.GetRepository(ctx, task.RepositoryID)
		if err != nil {
			logger.Error("Failed to load repository", zap.Error(err))
			return
		}
		if err := d.runner.Run(ctx, NewJob(task, *repo)); err != nil {
			logger.Debug("Job ended with error", zap.Error(err))
		}
	}()
}

// Active returns the number of jobs still running.
func (d *Dispatcher) Active() int {
	return int(d.active.Load())
}

// Wait blocks until every spawned job has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
