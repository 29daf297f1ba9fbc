package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/autominion/minion/internal/config"
	"github.com/autominion/minion/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the job journal",
	Long: `Inspect job records written by the daemon.

Every job writes <journal_dir>/<task id>/job.json with its state, the last
phase reached, and the machine it created. A failed job leaves its machine
and usage window in place; the journal is where to find them.

A running job whose dispatcher exited, or stopped heartbeating, is shown as
stale.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Long: `List jobs, newest first.

Examples:
  minion-dispatcher jobs list
  minion-dispatcher jobs list --state failed,stale
  minion-dispatcher jobs list --repo acme/ --json`,
	Args: cobra.NoArgs,
	RunE: runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <task_id>",
	Short: "Show one job (a unique id prefix is enough)",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().StringSlice("state", nil, "Only jobs in these states (running, success, failed, stale)")
	jobsListCmd.Flags().String("repo", "", "Only jobs for this owner/name, or every repository of owner/")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
}

func openJournal(cmd *cobra.Command) (*jobregistry.Store, error) {
	cfg, err := config.Load(commandContext(cmd), configOverrides())
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	return jobregistry.NewStore(journalDir(cfg)), nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	filter, err := jobsFilter(cmd)
	if err != nil {
		return err
	}

	store, err := openJournal(cmd)
	if err != nil {
		return err
	}
	jobs, err := store.List(filter)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job journal", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return encodeJSON(out, jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}
	return writeJobsTable(out, jobs)
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := openJournal(cmd)
	if err != nil {
		return err
	}
	taskID, err := store.Resolve(args[0])
	if errors.Is(err, jobregistry.ErrAmbiguousPrefix) {
		return exitError(foundry.ExitInvalidArgument, "Task id prefix is ambiguous", err)
	}
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}
	rec, err := store.Get(taskID)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job", err)
	}

	if jsonOutput {
		return encodeJSON(cmd.OutOrStdout(), rec)
	}
	writeJobStatus(cmd.OutOrStdout(), rec)
	return nil
}

func jobsFilter(cmd *cobra.Command) (jobregistry.Filter, error) {
	var f jobregistry.Filter
	states, _ := cmd.Flags().GetStringSlice("state")
	for _, raw := range states {
		st, ok := jobregistry.ParseJobState(strings.ToLower(strings.TrimSpace(raw)))
		if !ok {
			return f, exitError(foundry.ExitInvalidArgument, "Invalid --state",
				fmt.Errorf("unknown state %q (want running, success, failed or stale)", raw))
		}
		f.States = append(f.States, st)
	}
	f.Repository, _ = cmd.Flags().GetString("repo")
	return f, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJobsTable(out io.Writer, jobs []jobregistry.JobRecord) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "TASK ID\tREPOSITORY\tSTATE\tPHASE\tSTARTED\tENDED\tMACHINE")
	for _, j := range jobs {
		machine := "-"
		if j.Machine != nil {
			machine = string(j.Machine.Kind)
			if j.Machine.InstanceID != "" {
				machine += ":" + j.Machine.InstanceID
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortTaskID(j.TaskID),
			valueOrDash(j.Repository),
			j.State,
			valueOrDash(string(j.Phase)),
			formatOptionalTime(j.StartedAt),
			formatOptionalTime(j.EndedAt),
			machine,
		)
	}
	return w.Flush()
}

func writeJobStatus(w io.Writer, rec *jobregistry.JobRecord) {
	_, _ = fmt.Fprintf(w, "task_id=%s\n", rec.TaskID)
	_, _ = fmt.Fprintf(w, "state=%s\n", rec.State)
	if rec.Phase != "" {
		_, _ = fmt.Fprintf(w, "phase=%s\n", rec.Phase)
	}
	if rec.Repository != "" {
		_, _ = fmt.Fprintf(w, "repository=%s\n", rec.Repository)
	}
	if rec.IssueID != "" {
		_, _ = fmt.Fprintf(w, "issue_id=%s\n", rec.IssueID)
	}
	if rec.DispatchMode != "" {
		_, _ = fmt.Fprintf(w, "dispatch_mode=%s\n", rec.DispatchMode)
	}
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(w, "started_at=%s\n", formatOptionalTime(rec.StartedAt))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(w, "ended_at=%s\n", formatOptionalTime(rec.EndedAt))
	}
	if m := rec.Machine; m != nil {
		_, _ = fmt.Fprintf(w, "machine_kind=%s\n", m.Kind)
		if m.InstanceID != "" {
			_, _ = fmt.Fprintf(w, "machine_instance_id=%s\n", m.InstanceID)
		}
		if m.KeyName != "" {
			_, _ = fmt.Fprintf(w, "machine_key_name=%s\n", m.KeyName)
		}
		if m.Region != "" {
			_, _ = fmt.Fprintf(w, "machine_region=%s\n", m.Region)
		}
	}
	if rec.UsageWindowID != "" {
		_, _ = fmt.Fprintf(w, "usage_window_id=%s\n", rec.UsageWindowID)
	}
	if rec.AgentExitCode != nil {
		_, _ = fmt.Fprintf(w, "agent_exit_code=%d\n", *rec.AgentExitCode)
	}
	if rec.PullRequestID != "" {
		_, _ = fmt.Fprintf(w, "pull_request_id=%s\n", rec.PullRequestID)
	}
	if rec.LogKey != "" {
		_, _ = fmt.Fprintf(w, "log_key=%s\n", rec.LogKey)
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(w, "error=%s\n", rec.Error)
	}
	if rec.MayHoldResources() {
		_, _ = fmt.Fprintln(w, "may_hold_resources=true")
	}
}

func shortTaskID(id uuid.UUID) string {
	return id.String()[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
