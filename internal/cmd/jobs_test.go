package cmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autominion/minion/pkg/jobregistry"
	"github.com/autominion/minion/pkg/vm"
)

func seedJournal(t *testing.T) (string, []jobregistry.JobRecord) {
	t.Helper()
	dir := t.TempDir()
	store := jobregistry.NewStore(dir)

	started := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	ended := started.Add(20 * time.Minute)
	exit := 0
	records := []jobregistry.JobRecord{
		{
			TaskID:     uuid.MustParse("6f1e3b8e-2f4c-4a8e-9a51-1a2b3c4d5e6f"),
			Repository: "acme/widgets",
			IssueID:    "I_1",
			State:      jobregistry.JobStateSuccess,
			Phase:      jobregistry.PhaseDone,
			CreatedAt:  started,
			StartedAt:  &started,
			EndedAt:    &ended,
			Machine: &vm.Identity{
				Kind:       vm.KindCloud,
				InstanceID: "i-0abc",
				KeyName:    "minion-xyz",
				Region:     "eu-central-1",
			},
			AgentExitCode: &exit,
			PullRequestID: "PR_1",
		},
		{
			TaskID:     uuid.MustParse("a1b2c3d4-0000-4000-8000-000000000001"),
			Repository: "acme/gadgets",
			State:      jobregistry.JobStateFailed,
			Phase:      jobregistry.PhasePushBranch,
			CreatedAt:  started.Add(time.Hour),
			Error:      "push task branch: remote rejected",
		},
		{
			TaskID:        uuid.MustParse("c0ffee00-0000-4000-8000-000000000002"),
			Repository:    "globex/api",
			State:         jobregistry.JobStateRunning,
			Phase:         jobregistry.PhaseRunVM,
			Host:          "gone.example.internal",
			PID:           4242,
			CreatedAt:     started.Add(2 * time.Hour),
			LastHeartbeat: &started,
			Machine:       &vm.Identity{Kind: vm.KindCloud, InstanceID: "i-0leak"},
		},
	}
	for i := range records {
		require.NoError(t, store.Write(&records[i]))
	}
	return dir, records
}

func TestWriteJobsTable(t *testing.T) {
	_, records := seedJournal(t)

	var buf bytes.Buffer
	require.NoError(t, writeJobsTable(&buf, records))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "TASK ID"))
	assert.Contains(t, lines[1], "6f1e3b8e-2f4")
	assert.Contains(t, lines[1], "cloud:i-0abc")
	assert.Contains(t, lines[1], "2026-10-01T12:00:00Z")
	assert.Contains(t, lines[2], "push_branch")
	assert.Contains(t, lines[2], "failed")
}

func TestWriteJobStatus(t *testing.T) {
	_, records := seedJournal(t)

	var buf bytes.Buffer
	writeJobStatus(&buf, &records[0])
	out := buf.String()

	assert.Contains(t, out, "task_id=6f1e3b8e-2f4c-4a8e-9a51-1a2b3c4d5e6f\n")
	assert.Contains(t, out, "state=success\n")
	assert.Contains(t, out, "machine_instance_id=i-0abc\n")
	assert.Contains(t, out, "machine_key_name=minion-xyz\n")
	assert.Contains(t, out, "agent_exit_code=0\n")
	assert.Contains(t, out, "pull_request_id=PR_1\n")
	assert.NotContains(t, out, "error=")
	assert.NotContains(t, out, "may_hold_resources")

	buf.Reset()
	writeJobStatus(&buf, &records[2])
	assert.Contains(t, buf.String(), "may_hold_resources=true\n")
}

func resetFlag(c *cobra.Command, name string) {
	fl := c.Flags().Lookup(name)
	if sv, ok := fl.Value.(interface{ Replace([]string) error }); ok {
		_ = sv.Replace(nil)
	} else {
		_ = fl.Value.Set(fl.DefValue)
	}
	fl.Changed = false
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		resetFlag(jobsListCmd, "json")
		resetFlag(jobsListCmd, "state")
		resetFlag(jobsListCmd, "repo")
		resetFlag(jobsStatusCmd, "json")
	}()
	err := Execute()
	return out.String(), err
}

func TestJobsCommands(t *testing.T) {
	dir, _ := seedJournal(t)
	t.Setenv("MINION_JOURNAL_DIR", dir)

	t.Run("list", func(t *testing.T) {
		out, err := runRoot(t, "jobs", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "acme/widgets")
		assert.Contains(t, out, "acme/gadgets")
		assert.Contains(t, out, "stale")
	})

	t.Run("list filtered by state", func(t *testing.T) {
		out, err := runRoot(t, "jobs", "list", "--state", "stale", "--json")
		require.NoError(t, err)
		var got []jobregistry.JobRecord
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		require.Len(t, got, 1)
		assert.Equal(t, "globex/api", got[0].Repository)
		assert.Equal(t, jobregistry.JobStateStale, got[0].State)
	})

	t.Run("list filtered by owner", func(t *testing.T) {
		out, err := runRoot(t, "jobs", "list", "--repo", "acme/")
		require.NoError(t, err)
		assert.Contains(t, out, "acme/widgets")
		assert.Contains(t, out, "acme/gadgets")
		assert.NotContains(t, out, "globex/api")
	})

	t.Run("list invalid state", func(t *testing.T) {
		_, err := runRoot(t, "jobs", "list", "--state", "unknown")
		require.Error(t, err)
		assert.NotEqual(t, 0, ExitCode(err))
	})

	t.Run("list json", func(t *testing.T) {
		out, err := runRoot(t, "jobs", "list", "--json")
		require.NoError(t, err)
		var got []jobregistry.JobRecord
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Len(t, got, 3)
	})

	t.Run("status by prefix", func(t *testing.T) {
		out, err := runRoot(t, "jobs", "status", "a1b2")
		require.NoError(t, err)
		assert.Contains(t, out, "error=push task branch: remote rejected")
	})

	t.Run("status unknown", func(t *testing.T) {
		_, err := runRoot(t, "jobs", "status", "ffff")
		require.Error(t, err)
		assert.NotEqual(t, 0, ExitCode(err))
	})
}

func TestJobsList_Empty(t *testing.T) {
	t.Setenv("MINION_JOURNAL_DIR", t.TempDir())

	out, err := runRoot(t, "jobs", "list")
	require.NoError(t, err)
	assert.Equal(t, "No jobs found\n", out)
}
