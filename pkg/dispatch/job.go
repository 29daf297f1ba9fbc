package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/autominion/minion/pkg/github"
	"github.com/autominion/minion/pkg/gitpush"
	"github.com/autominion/minion/pkg/jobregistry"
	"github.com/autominion/minion/pkg/tasks"
	"github.com/autominion/minion/pkg/vm"
)

// Job is a claimed task joined with its repository.
type Job struct {
	TaskID             uuid.UUID
	IssueID            string
	RepositoryNodeID   string
	RepositoryFullName string
}

// NewJob builds a Job from a claimed task and its repository.
func NewJob(task tasks.Task, repo tasks.Repository) Job {
	return Job{
		TaskID:             task.ID,
		IssueID:            task.IssueNodeID,
		RepositoryNodeID:   repo.NodeID,
		RepositoryFullName: repo.FullName,
	}
}

// Orchestrator runs the job sequence for one task. Steps run strictly in
// order and the first error ends the job. Nothing already done is undone:
// the task stays running and a created VM is not destroyed.
type Orchestrator struct {
	Platform Platform
	Pusher   BranchPusher
	Tokens   TokenIssuer
	Store    tasks.Store
	Provider vm.Provider
	Logs     LogUploader

	// Journal records progress per task. Nil keeps records in memory only.
	Journal *jobregistry.Store

	Settings Settings
	Logger   *zap.Logger

	now func() time.Time
}

func (o *Orchestrator) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o *Orchestrator) clock() time.Time {
	if o.now != nil {
		return o.now()
	}
	return time.Now().UTC()
}

// Run executes the job.
func (o *Orchestrator) Run(ctx context.Context, job Job) (err error) {
	logger := o.logger().With(
		zap.String("task_id", job.TaskID.String()),
		zap.String("repository", job.RepositoryFullName))
	tracker := o.Journal.Track(job.TaskID, job.RepositoryFullName, job.IssueID, o.Settings.dispatchMode(), logger)
	defer func() {
		tracker.Finish(err)
		if err != nil {
			logger.Error("Job failed", zap.String("phase", string(tracker.Record().Phase)), zap.Error(err))
			return
		}
		logger.Info("Job finished")
	}()

	taskURL, err := o.Settings.TaskURL(job.TaskID)
	if err != nil {
		return err
	}

	tracker.Phase(jobregistry.PhaseFetchIssue)
	installToken, err := o.Platform.InstallationToken(ctx)
	if err != nil {
		return fmt.Errorf("installation token: %w", err)
	}
	description, err := o.Platform.IssueBody(ctx, installToken, job.IssueID)
	if err != nil {
		return fmt.Errorf("fetch issue: %w", err)
	}
	logger.Info("Fetched issue", zap.String("issue_id", job.IssueID), zap.Int("body_bytes", len(description)))
	logger.Debug("Issue body", zap.String("body", description))

	tracker.Phase(jobregistry.PhaseStartedComment)
	if err := o.Platform.AddComment(ctx, installToken, job.IssueID, startedComment(taskURL)); err != nil {
		return fmt.Errorf("post started comment: %w", err)
	}

	tracker.Phase(jobregistry.PhaseRepositoryToken)
	repoID, err := o.Platform.RepositoryDatabaseID(ctx, installToken, job.RepositoryNodeID)
	if err != nil {
		return fmt.Errorf("resolve repository id: %w", err)
	}
	repoToken, err := o.Platform.RepositoryToken(ctx, repoID)
	if err != nil {
		return fmt.Errorf("repository token: %w", err)
	}

	tracker.Phase(jobregistry.PhasePushBranch)
	ref := TaskRef(job.TaskID)
	repoURL, err := gitpush.RepositoryURL(o.Settings.GitHost, repoToken, job.RepositoryFullName)
	if err != nil {
		return err
	}
	if err := o.Pusher.PushTaskBranch(ctx, repoURL, ref); err != nil {
		return fmt.Errorf("push task branch: %w", err)
	}
	logger.Info("Pushed task branch", zap.String("ref", ref))

	tracker.Phase(jobregistry.PhaseAgentToken)
	agentToken, err := o.Tokens.Issue(job.TaskID, o.Settings.tokenTTL())
	if err != nil {
		return fmt.Errorf("issue agent token: %w", err)
	}

	if !o.Settings.DispatchEnabled {
		logger.Info("Dispatch disabled, not starting agent")
		return nil
	}

	apiBaseURL, err := o.Settings.APIBaseURL()
	if err != nil {
		return err
	}

	tracker.Phase(jobregistry.PhaseStartUsage)
	window, err := o.Store.StartComputeUsage(ctx, job.TaskID, o.clock())
	if err != nil {
		return fmt.Errorf("start compute usage: %w", err)
	}
	tracker.UsageWindow(window.ID)

	tracker.Phase(jobregistry.PhaseRunVM)
	result, err := o.runAgent(ctx, apiBaseURL, agentToken, tracker, logger)
	if err != nil {
		return fmt.Errorf("run agent: %w", err)
	}

	tracker.Phase(jobregistry.PhaseEndUsage)
	if _, err := o.Store.EndComputeUsage(ctx, window.ID, o.clock()); err != nil {
		return fmt.Errorf("end compute usage: %w", err)
	}

	tracker.Phase(jobregistry.PhasePullRequest)
	prID, err := o.Platform.CreatePullRequest(ctx, installToken, github.PullRequest{
		RepositoryID: job.RepositoryNodeID,
		Title:        o.Settings.PullRequestTitle(),
		Body:         PullRequestBody,
		Head:         ref,
	})
	if err != nil {
		return fmt.Errorf("create pull request: %w", err)
	}
	tracker.PullRequest(prID)

	tracker.Phase(jobregistry.PhaseDoneComment)
	if err := o.Platform.AddComment(ctx, installToken, job.IssueID, completedComment(taskURL)); err != nil {
		return fmt.Errorf("post completed comment: %w", err)
	}

	tracker.Phase(jobregistry.PhaseUploadLog)
	if err := o.Logs.Upload(ctx, job.TaskID, result.Log); err != nil {
		return fmt.Errorf("upload task log: %w", err)
	}
	tracker.LogKey(o.Logs.Key(job.TaskID))

	return nil
}

// runAgent provisions a machine, runs the agent container on it and releases
// the machine. The returned log is the agent container's output only.
func (o *Orchestrator) runAgent(ctx context.Context, apiBaseURL, agentToken string, tracker *jobregistry.Tracker, logger *zap.Logger) (vm.CommandResult, error) {
	machine, err := o.Provider.Create(ctx)
	if err != nil {
		return vm.CommandResult{}, fmt.Errorf("create vm: %w", err)
	}
	id := machine.Identity()
	tracker.Machine(id)
	logger = logger.With(zap.String("vm_kind", string(id.Kind)), zap.String("instance_id", id.InstanceID))
	logger.Info("Machine ready")

	if err := machine.InstallPrerequisites(ctx); err != nil {
		return vm.CommandResult{}, fmt.Errorf("install prerequisites: %w", err)
	}

	runner := vm.StreamRunner{Streamer: machine, Logger: logger}
	registry := o.Settings.Registry
	for _, step := range []string{loginCommand(registry), pullCommand(registry), logoutCommand(registry)} {
		res, err := runner.RunCommand(ctx, step)
		if err != nil {
			return vm.CommandResult{}, err
		}
		if res.ExitCode != 0 {
			logger.Warn("Registry command exited non-zero", zap.Int("exit_code", res.ExitCode))
		}
	}

	result, err := runner.RunCommand(ctx, agentCommand(registry, apiBaseURL, agentToken))
	if err != nil {
		return vm.CommandResult{}, err
	}
	tracker.AgentExit(result.ExitCode)
	logger.Info("Agent exited", zap.Int("exit_code", result.ExitCode), zap.Int("log_bytes", len(result.Log)))

	if err := machine.Detach(ctx); err != nil {
		return vm.CommandResult{}, fmt.Errorf("detach: %w", err)
	}
	if err := machine.Destroy(ctx); err != nil {
		return vm.CommandResult{}, fmt.Errorf("destroy vm: %w", err)
	}
	return result, nil
}
