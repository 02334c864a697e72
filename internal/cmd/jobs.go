package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/audioshelf/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and control background jobs",
	Long: `Inspect and control background jobs.

list, status, logs and gc read the job database directly and work whether
or not the server is running. enqueue, pause, resume, cancel, retry and
watch talk to a running server (--server).`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, oldest first",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show the job log",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete finished jobs older than --max-age",
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsStatusCmd, jobsLogsCmd, jobsGCCmd)

	jobsCmd.PersistentFlags().StringP("output", "o", "table", "Output format: table, json or yaml")

	jobsListCmd.Flags().String("status", "", "Comma separated statuses (e.g. running,paused)")
	jobsListCmd.Flags().String("task-type", "", "Only this task type")
	jobsListCmd.Flags().String("since", "", "Created at or after (RFC3339 or a duration like 24h)")
	jobsListCmd.Flags().Int("limit", 0, "Maximum number of jobs (0 = all)")

	jobsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = all)")

	jobsGCCmd.Flags().String("max-age", "168h", "Delete finished jobs older than this duration")
	jobsGCCmd.Flags().String("status", "", "Only these terminal statuses (default: completed,failed)")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobsGCCmd.Flags().Bool("delete-logs", true, "Also remove per-job log files")
}

type jobsGCResult struct {
	Deleted     int    `json:"deleted" yaml:"deleted"`
	WouldDelete int    `json:"would_delete" yaml:"would_delete"`
	DryRun      bool   `json:"dry_run" yaml:"dry_run"`
	MaxAge      string `json:"max_age" yaml:"max_age"`
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	f, err := listFilterFromFlags(cmd, time.Now())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid filter", err)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot open job store", err)
	}
	defer func() { _ = store.Close() }()

	jobs, err := store.List(cmd.Context(), f)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot list jobs", err)
	}
	return renderJobs(cmd.OutOrStdout(), outputFormat(cmd), jobs)
}

func listFilterFromFlags(cmd *cobra.Command, now time.Time) (jobregistry.ListFilter, error) {
	var f jobregistry.ListFilter

	statusFlag, _ := cmd.Flags().GetString("status")
	statuses, err := parseStatusList(statusFlag)
	if err != nil {
		return f, err
	}
	f.Statuses = statuses

	if tt, _ := cmd.Flags().GetString("task-type"); strings.TrimSpace(tt) != "" {
		parsed, err := jobregistry.ParseTaskType(tt)
		if err != nil {
			return f, err
		}
		f.TaskType = parsed
	}
	if since, _ := cmd.Flags().GetString("since"); strings.TrimSpace(since) != "" {
		t, err := parseSince(since, now)
		if err != nil {
			return f, err
		}
		f.CreatedAfter = &t
	}
	f.Limit, _ = cmd.Flags().GetInt("limit")
	return f, nil
}

// parseSince accepts an RFC3339 timestamp or a duration back from now.
func parseSince(v string, now time.Time) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("%w: --since must be RFC3339 or a positive duration, got %q", jobregistry.ErrValidation, v)
	}
	return now.Add(-d).UTC(), nil
}

func parseStatusList(v string) ([]jobregistry.Status, error) {
	var out []jobregistry.Status
	for _, part := range strings.Split(v, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		st, err := jobregistry.ParseStatus(part)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot open job store", err)
	}
	defer func() { _ = store.Close() }()

	job, err := store.Get(cmd.Context(), strings.TrimSpace(args[0]))
	if err != nil {
		if jobregistry.IsNotFound(err) {
			return exitError(foundry.ExitFileNotFound, "Job not found", err)
		}
		return exitError(foundry.ExitFileReadError, "Cannot read job", err)
	}

	w := cmd.OutOrStdout()
	switch format := outputFormat(cmd); format {
	case "json", "yaml":
		return encode(w, format, job)
	}
	return renderJobDetail(w, job)
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	tailN, _ := cmd.Flags().GetInt("tail")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot open job store", err)
	}
	defer func() { _ = store.Close() }()

	id := strings.TrimSpace(args[0])
	if _, err := store.Get(cmd.Context(), id); err != nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}
	if tailN <= 0 {
		return copyLog(cmd.OutOrStdout(), store.Logs(), id)
	}
	lines, err := store.Logs().Tail(id, tailN)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read job log", err)
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}

func copyLog(w io.Writer, logs *jobregistry.LogStore, id string) error {
	path, err := logs.Path(id)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job id", err)
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read job log", err)
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(w, f)
	return err
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", err)
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", fmt.Errorf("--max-age must be > 0"))
	}
	statusFlag, _ := cmd.Flags().GetString("status")
	statuses, err := parseStatusList(statusFlag)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --status", err)
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	deleteLogs, _ := cmd.Flags().GetBool("delete-logs")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot open job store", err)
	}
	defer func() { _ = store.Close() }()

	cutoff := time.Now().UTC().Add(-maxAge)
	res := jobsGCResult{DryRun: dryRun, MaxAge: maxAgeStr}
	if dryRun {
		res.WouldDelete, err = countExpired(cmd, store, statuses, cutoff)
	} else {
		res.Deleted, err = store.Delete(cmd.Context(), jobregistry.DeleteFilter{
			Statuses:   statuses,
			Before:     &cutoff,
			RemoveLogs: deleteLogs,
		})
	}
	if err != nil {
		if jobregistry.IsValidation(err) {
			return exitError(foundry.ExitInvalidArgument, "Refusing to delete", err)
		}
		return exitError(foundry.ExitFileWriteError, "Job gc failed", err)
	}

	w := cmd.OutOrStdout()
	switch format := outputFormat(cmd); format {
	case "json", "yaml":
		return encode(w, format, res)
	}
	if dryRun {
		_, _ = fmt.Fprintf(w, "would_delete=%d\n", res.WouldDelete)
		return nil
	}
	_, _ = fmt.Fprintf(w, "deleted=%d\n", res.Deleted)
	return nil
}

// countExpired mirrors the store's delete selection without deleting.
func countExpired(cmd *cobra.Command, store *jobregistry.Store, statuses []jobregistry.Status, cutoff time.Time) (int, error) {
	if len(statuses) == 0 {
		statuses = jobregistry.TerminalStatuses
	}
	for _, st := range statuses {
		if st.IsActive() {
			return 0, jobregistry.ErrActiveStatus
		}
	}
	jobs, err := store.List(cmd.Context(), jobregistry.ListFilter{Statuses: statuses})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		ended := j.CreatedAt
		if j.CompletedAt != nil {
			ended = *j.CompletedAt
		}
		if ended.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	return strings.ToLower(strings.TrimSpace(f))
}

func encode(w io.Writer, format string, v any) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer func() { _ = enc.Close() }()
		return enc.Encode(v)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderJobs(w io.Writer, format string, jobs []jobregistry.Job) error {
	switch format {
	case "json", "yaml":
		if jobs == nil {
			jobs = []jobregistry.Job{}
		}
		return encode(w, format, jobs)
	case "", "table":
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --output", fmt.Errorf("unknown format %q", format))
	}

	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(w, "No jobs found")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	_, _ = fmt.Fprintln(tw, "JOB ID\tTYPE\tSTATUS\tPROGRESS\tATTEMPT\tASIN\tCREATED\tMESSAGE")
	for _, j := range jobs {
		asin := "-"
		if j.BookASIN != nil {
			asin = *j.BookASIN
		}
		msg := j.StatusMessage
		if j.ErrorMessage != "" {
			msg = j.ErrorMessage
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%d\t%s\t%s\t%s\n",
			shortJobID(j.ID),
			j.TaskType,
			j.Status,
			j.ProgressPercent,
			j.Attempt,
			asin,
			j.CreatedAt.Local().Format(time.DateTime),
			truncate(msg, 60),
		)
	}
	return nil
}

func renderJobDetail(w io.Writer, j *jobregistry.Job) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	row := func(k, v string) { _, _ = fmt.Fprintf(tw, "%s:\t%s\n", k, v) }
	row("ID", j.ID)
	row("Type", string(j.TaskType))
	row("Status", string(j.Status))
	row("Progress", fmt.Sprintf("%d%%", j.ProgressPercent))
	if j.StatusMessage != "" {
		row("Message", j.StatusMessage)
	}
	if j.ErrorMessage != "" {
		row("Error", j.ErrorMessage)
	}
	row("Attempt", fmt.Sprintf("%d", j.Attempt))
	if j.OriginalJobID != nil {
		row("Original job", *j.OriginalJobID)
	}
	if j.BookASIN != nil {
		row("ASIN", *j.BookASIN)
	}
	if len(j.Payload) > 0 {
		row("Payload", string(j.Payload))
	}
	if len(j.ResultJSON) > 0 {
		row("Result", string(j.ResultJSON))
	}
	row("Created", j.CreatedAt.Local().Format(time.RFC3339))
	row("Updated", j.UpdatedAt.Local().Format(time.RFC3339))
	if j.CompletedAt != nil {
		row("Completed", j.CompletedAt.Local().Format(time.RFC3339))
	}
	return nil
}

func shortJobID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
