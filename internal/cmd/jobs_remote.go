package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/spf13/cobra"

	"github.com/3leaps/audioshelf/internal/config"
	apperrors "github.com/3leaps/audioshelf/internal/errors"
	"github.com/3leaps/audioshelf/internal/server/handlers"
	"github.com/3leaps/audioshelf/pkg/hub"
	"github.com/3leaps/audioshelf/pkg/jobregistry"
	"github.com/3leaps/audioshelf/pkg/manifest"
)

var jobsEnqueueCmd = &cobra.Command{
	Use:   "enqueue [task_type]",
	Short: "Submit a job to a running server",
	Long: `Submit a job to a running server.

The request is either built from flags or read from a job request file
(-f, YAML or JSON).

Examples:
  audioshelf jobs enqueue download --asin B07B4JJ5VT --asin B00X --quality high
  audioshelf jobs enqueue sync --since 2026-01-01
  audioshelf jobs enqueue -f request.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobsEnqueue,
}

var jobsPauseCmd = &cobra.Command{
	Use:   "pause <job_id>",
	Short: "Pause a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  controlCommand("pause"),
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume <job_id>",
	Short: "Resume a paused job",
	Args:  cobra.ExactArgs(1),
	RunE:  controlCommand("resume"),
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Cancel a running or paused job",
	Args:  cobra.ExactArgs(1),
	RunE:  controlCommand("cancel"),
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job_id>",
	Short: "Re-run a finished job as a new attempt",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRetry,
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch [job_id]",
	Short: "Stream live job events",
	Long: `Stream live job events from a running server.

With a job id, prints the current snapshot and then that job's events until
it finishes. Without one, prints events for every job until interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobsWatch,
}

func init() {
	jobsCmd.AddCommand(jobsEnqueueCmd, jobsPauseCmd, jobsResumeCmd, jobsCancelCmd, jobsRetryCmd, jobsWatchCmd)

	for _, c := range []*cobra.Command{jobsEnqueueCmd, jobsPauseCmd, jobsResumeCmd, jobsCancelCmd, jobsRetryCmd, jobsWatchCmd} {
		c.Flags().String("server", "", "Server base URL (default: http://<server.host>:<server.port>)")
		c.Flags().Duration("timeout", 30*time.Second, "Request timeout")
	}

	f := jobsEnqueueCmd.Flags()
	f.StringP("file", "f", "", "Job request file (YAML or JSON)")
	f.StringArray("asin", nil, "Item to process (repeatable)")
	f.String("quality", "", "Download quality: best, high or normal")
	f.String("format", "", "Output format: m4b, m4a or mp3")
	f.String("activation-bytes", "", "Decryption key for AAX input (8 hex chars)")
	f.Bool("cover", false, "Download cover art")
	f.String("since", "", "Sync: only items added since this date")
	f.Bool("include-all", false, "Sync: include items already in the library")
	f.Bool("watch", false, "Stream the job's events after enqueueing")
}

// apiClient talks to the job API of a running server.
type apiClient struct {
	base *url.URL
	http *http.Client
}

func newAPIClient(cmd *cobra.Command) (*apiClient, error) {
	raw, _ := cmd.Flags().GetString("server")
	if strings.TrimSpace(raw) == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		raw = defaultServerURL(cfg)
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(raw), "/"))
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("%w: --server must be an http(s) URL, got %q", jobregistry.ErrValidation, raw)
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return &apiClient{base: base, http: &http.Client{Timeout: timeout}}, nil
}

func defaultServerURL(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
}

// apiError is a non-2xx response decoded from the error envelope.
type apiError struct {
	Status int
	Body   apperrors.HTTPError
}

func (e *apiError) Error() string {
	if e.Body.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%s, HTTP %d)", e.Body.Message, e.Body.Code, e.Status)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		ae := &apiError{Status: resp.StatusCode}
		var env apperrors.HTTPErrorResponse
		if json.NewDecoder(resp.Body).Decode(&env) == nil {
			ae.Body = env.Error
		}
		return ae
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) wsURL(path string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String() + path
}

// remoteExit maps a client error onto a process exit code.
func remoteExit(msg string, err error) error {
	var ae *apiError
	if errors.As(err, &ae) {
		switch {
		case ae.Status == http.StatusNotFound:
			return exitError(foundry.ExitFileNotFound, msg, err)
		case ae.Status >= 400 && ae.Status < 500:
			return exitError(foundry.ExitInvalidArgument, msg, err)
		}
	}
	if jobregistry.IsValidation(err) {
		return exitError(foundry.ExitInvalidArgument, msg, err)
	}
	return exitError(foundry.ExitExternalServiceUnavailable, msg, err)
}

func runJobsEnqueue(cmd *cobra.Command, args []string) error {
	req, err := enqueueRequestFromFlags(cmd, args)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job request", err)
	}
	client, err := newAPIClient(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid server address", err)
	}

	var resp handlers.EnqueueResponse
	if err := client.do(cmd.Context(), http.MethodPost, "/api/jobs", req, &resp); err != nil {
		return remoteExit("Enqueue failed", err)
	}

	w := cmd.OutOrStdout()
	if format := outputFormat(cmd); format == "json" || format == "yaml" {
		if err := encode(w, format, resp); err != nil {
			return err
		}
	} else {
		_, _ = fmt.Fprintf(w, "job_id=%s status=%s\n", resp.JobID, resp.Status)
	}

	if follow, _ := cmd.Flags().GetBool("watch"); follow {
		return watch(cmd, client, resp.JobID)
	}
	return nil
}

// enqueueRequestFromFlags builds the job request from -f or from flags. The
// request is validated locally against the same schema the server uses.
func enqueueRequestFromFlags(cmd *cobra.Command, args []string) (*manifest.Manifest, error) {
	if path, _ := cmd.Flags().GetString("file"); strings.TrimSpace(path) != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("%w: pass either a task type or --file, not both", jobregistry.ErrValidation)
		}
		return manifest.Load(path)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: task type is required (download, convert, sync, repair)", jobregistry.ErrValidation)
	}

	flags := cmd.Flags()
	payload := map[string]any{}
	if asins, _ := flags.GetStringArray("asin"); len(asins) > 0 {
		payload["asins"] = asins
	}
	for flag, key := range map[string]string{
		"quality":          "quality",
		"format":           "format",
		"activation-bytes": "activation_bytes",
		"since":            "since",
	} {
		if v, _ := flags.GetString(flag); strings.TrimSpace(v) != "" {
			payload[key] = strings.TrimSpace(v)
		}
	}
	if flags.Changed("cover") {
		payload["cover"], _ = flags.GetBool("cover")
	}
	if flags.Changed("include-all") {
		payload["include_all"], _ = flags.GetBool("include-all")
	}

	m := &manifest.Manifest{TaskType: args[0], Payload: payload}
	m.ApplyDefaults()
	if err := manifest.Validate(m); err != nil {
		return nil, err
	}
	tt, err := m.Task()
	if err != nil {
		return nil, err
	}
	m.TaskType = string(tt)
	if _, err := m.NormalizedPayload(); err != nil {
		return nil, err
	}
	return m, nil
}

func controlCommand(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid server address", err)
		}
		id := url.PathEscape(strings.TrimSpace(args[0]))

		var resp handlers.ControlResponse
		if err := client.do(cmd.Context(), http.MethodPost, "/api/jobs/"+id+"/"+action, nil, &resp); err != nil {
			return remoteExit(fmt.Sprintf("Cannot %s job", action), err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", action)
		return nil
	}
}

func runJobsRetry(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid server address", err)
	}
	id := url.PathEscape(strings.TrimSpace(args[0]))

	var resp handlers.EnqueueResponse
	if err := client.do(cmd.Context(), http.MethodPost, "/api/jobs/"+id+"/retry", nil, &resp); err != nil {
		return remoteExit("Retry failed", err)
	}
	w := cmd.OutOrStdout()
	if format := outputFormat(cmd); format == "json" || format == "yaml" {
		return encode(w, format, resp)
	}
	_, _ = fmt.Fprintf(w, "job_id=%s status=%s attempt=%d\n", resp.JobID, resp.Status, resp.Attempt)
	return nil
}

func runJobsWatch(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid server address", err)
	}
	id := ""
	if len(args) == 1 {
		id = strings.TrimSpace(args[0])
	}
	return watch(cmd, client, id)
}

// watch prints events until the job finishes, the server closes the socket,
// or the command context ends.
func watch(cmd *cobra.Command, client *apiClient, jobID string) error {
	path := "/ws/jobs"
	if jobID != "" {
		path += "/" + url.PathEscape(jobID)
	}

	ctx := cmd.Context()
	conn, err := dialEvents(ctx, client.wsURL(path))
	if err != nil {
		return remoteExit("Cannot connect", err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	jsonOut := outputFormat(cmd) == "json"
	w := cmd.OutOrStdout()
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				switch closed.Code {
				case handlers.CloseJobNotFound:
					return exitError(foundry.ExitFileNotFound, "Job not found", fmt.Errorf("%s", closed.Reason))
				case ws.StatusNormalClosure, ws.StatusGoingAway:
					return nil
				}
			}
			return remoteExit("Watch ended", err)
		}

		var ev hub.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if jsonOut {
			_, _ = fmt.Fprintln(w, string(data))
		} else {
			printEvent(w, ev)
		}

		if jobID != "" && isFinal(ev) {
			_ = wsutil.WriteClientMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
			return nil
		}
	}
}

// bufferedConn reads frames the server sent along with the handshake
// response before reading from the socket.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func dialEvents(ctx context.Context, u string) (net.Conn, error) {
	conn, br, _, err := ws.Dial(ctx, u)
	if err != nil {
		return nil, err
	}
	if br == nil {
		return conn, nil
	}
	return bufferedConn{Conn: conn, r: io.MultiReader(br, conn)}, nil
}

func isFinal(ev hub.Event) bool {
	if ev.Type != hub.EventStatus && ev.Type != hub.EventSnapshot {
		return false
	}
	return jobregistry.Status(ev.Status).IsTerminal()
}

func printEvent(w io.Writer, ev hub.Event) {
	ts := ev.Timestamp.Local().Format(time.TimeOnly)
	switch ev.Type {
	case hub.EventSnapshot:
		_, _ = fmt.Fprintf(w, "%s %s %s %d%% %s\n", ts, shortJobID(ev.JobID), ev.Status, ev.ProgressPercent, ev.Message)
		for _, line := range ev.Logs {
			_, _ = fmt.Fprintf(w, "  | %s\n", line)
		}
	case hub.EventStatus:
		msg := ev.Message
		if ev.Error != "" {
			msg = ev.Error
		}
		_, _ = fmt.Fprintf(w, "%s %s %s %s\n", ts, shortJobID(ev.JobID), ev.Status, msg)
	case hub.EventProgress:
		_, _ = fmt.Fprintf(w, "%s %s %3d%% %s\n", ts, shortJobID(ev.JobID), ev.ProgressPercent, ev.Message)
	case hub.EventMeta:
		keys := make([]string, 0, len(ev.Meta))
		for k := range ev.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, ev.Meta[k]))
		}
		_, _ = fmt.Fprintf(w, "%s %s meta %s\n", ts, shortJobID(ev.JobID), strings.Join(parts, " "))
	}
}
