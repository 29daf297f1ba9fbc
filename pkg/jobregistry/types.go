package jobregistry

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/autominion/minion/pkg/vm"
)

// JobState is the lifecycle state of a dispatched job.
//
// NOTE: running, success and failed are persisted in job.json and are part
// of the stable on-disk contract. stale is never written.
type JobState string

const (
	JobStateRunning JobState = "running"
	JobStateSuccess JobState = "success"
	JobStateFailed  JobState = "failed"
	// JobStateStale is reported for a running record whose dispatcher has
	// exited or stopped heartbeating.
	JobStateStale JobState = "stale"
)

// ParseJobState accepts the states `jobs list --state` filters on.
func ParseJobState(s string) (JobState, bool) {
	switch st := JobState(s); st {
	case JobStateRunning, JobStateSuccess, JobStateFailed, JobStateStale:
		return st, true
	}
	return "", false
}

// Phase names the orchestrator step a job last entered.
type Phase string

const (
	PhaseFetchIssue      Phase = "fetch_issue"
	PhaseStartedComment  Phase = "started_comment"
	PhaseRepositoryToken Phase = "repository_token"
	PhasePushBranch      Phase = "push_branch"
	PhaseAgentToken      Phase = "agent_token"
	PhaseStartUsage      Phase = "start_usage"
	PhaseRunVM           Phase = "run_vm"
	PhaseEndUsage        Phase = "end_usage"
	PhasePullRequest     Phase = "pull_request"
	PhaseDoneComment     Phase = "done_comment"
	PhaseUploadLog       Phase = "upload_log"
	PhaseDone            Phase = "done"
)

// holdsResources reports whether a job stopped in p may have left a
// machine or an open usage window behind.
func (p Phase) holdsResources() bool {
	switch p {
	case PhaseStartUsage, PhaseRunVM, PhaseEndUsage:
		return true
	}
	return false
}

// JobRecord is one task's job.json.
type JobRecord struct {
	TaskID       uuid.UUID `json:"task_id"`
	Repository   string    `json:"repository,omitempty"`
	IssueID      string    `json:"issue_id,omitempty"`
	State        JobState  `json:"state"`
	Phase        Phase     `json:"phase,omitempty"`
	DispatchMode string    `json:"dispatch_mode,omitempty"`
	Host         string    `json:"host,omitempty"`
	PID          int       `json:"pid,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	// Machine is recorded as soon as a VM exists so leaked instances and key
	// pairs can be found after a failed job.
	Machine       *vm.Identity `json:"machine,omitempty"`
	UsageWindowID string       `json:"usage_window_id,omitempty"`
	PullRequestID string       `json:"pull_request_id,omitempty"`
	AgentExitCode *int         `json:"agent_exit_code,omitempty"`
	LogKey        string       `json:"log_key,omitempty"`
	Error         string       `json:"error,omitempty"`
}

// MayHoldResources reports whether the job ended, or was abandoned, while a
// VM or usage window could still be open.
func (r JobRecord) MayHoldResources() bool {
	return r.State != JobStateSuccess && r.Phase.holdsResources()
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	States []JobState
	// Repository matches owner/name case-insensitively, or every repository
	// of an owner when it ends in "/".
	Repository string
}

func (f Filter) matches(r JobRecord) bool {
	if len(f.States) > 0 {
		ok := false
		for _, st := range f.States {
			if r.State == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Repository == "" {
		return true
	}
	want := strings.ToLower(f.Repository)
	got := strings.ToLower(r.Repository)
	if strings.HasSuffix(want, "/") {
		return strings.HasPrefix(got, want)
	}
	return got == want
}
