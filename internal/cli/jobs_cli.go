package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/duecall/duecall/internal/jobs"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Submit and inspect jobs",
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job",
	Long: `Submit a job for execution. The schedule is inferred from the flags:
--run-at, --delay, --cron, and --interval each select their schedule type,
and with none of them the job runs immediately.

Examples:
  duecall jobs submit --app reports --user u-1 --account acct-1 --task generate
  duecall jobs submit --app reports --user u-1 --account acct-1 --task generate --delay 300
  duecall jobs submit --app reports --user u-1 --account acct-1 --task digest --cron "0 9 * * *"`,
	RunE: runJobsSubmit,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's status and recent log entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job that has not finished",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Stream a job's status updates live",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsWatch,
}

func init() {
	jobsCmd.PersistentFlags().String("url", "", "Server URL (default http://127.0.0.1:8377)")
	jobsCmd.PersistentFlags().String("secret", "", "Internal API secret (or set DUECALL_INTERNAL_SECRET)")

	jobsSubmitCmd.Flags().String("app", "", "Application name (required)")
	jobsSubmitCmd.Flags().String("user", "", "External user ID (required)")
	jobsSubmitCmd.Flags().String("account", "", "Account ID for rate limiting (required)")
	jobsSubmitCmd.Flags().String("board", "", "Board ID (optional)")
	jobsSubmitCmd.Flags().String("task", "", "Task type (required)")
	jobsSubmitCmd.Flags().String("schedule", "", "Schedule type (immediate, run_at, delay_from_now, cron, polling)")
	jobsSubmitCmd.Flags().String("run-at", "", "Timestamp to run at (RFC 3339 or YYYY-MM-DD HH:MM:SS)")
	jobsSubmitCmd.Flags().Int("delay", 0, "Delay in seconds before running")
	jobsSubmitCmd.Flags().String("cron", "", "Cron expression (5 fields)")
	jobsSubmitCmd.Flags().Int("interval", 0, "Polling interval in seconds")
	jobsSubmitCmd.Flags().String("data", "", "JSON payload passed to the worker")

	jobsListCmd.Flags().String("status", "", "Filter by status (pending, queued, running, paused_rate_limited, completed, failed, cancelled)")
	jobsListCmd.Flags().String("app", "", "Filter by application name")
	jobsListCmd.Flags().String("account", "", "Filter by account ID")
	jobsListCmd.Flags().Int("limit", 50, "Maximum results")

	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsWatchCmd)
}

// inferScheduleType picks the schedule type from whichever scheduling flag
// was set. An explicit --schedule always wins.
func inferScheduleType(explicit, runAt, cron string, delaySet, intervalSet bool) string {
	if explicit != "" {
		return explicit
	}
	switch {
	case runAt != "":
		return "run_at"
	case delaySet:
		return "delay_from_now"
	case cron != "":
		return "cron"
	case intervalSet:
		return "polling"
	default:
		return "immediate"
	}
}

func runJobsSubmit(cmd *cobra.Command, _ []string) error {
	app, _ := cmd.Flags().GetString("app")
	user, _ := cmd.Flags().GetString("user")
	account, _ := cmd.Flags().GetString("account")
	board, _ := cmd.Flags().GetString("board")
	task, _ := cmd.Flags().GetString("task")
	scheduleType, _ := cmd.Flags().GetString("schedule")
	runAt, _ := cmd.Flags().GetString("run-at")
	delay, _ := cmd.Flags().GetInt("delay")
	cron, _ := cmd.Flags().GetString("cron")
	interval, _ := cmd.Flags().GetInt("interval")
	dataStr, _ := cmd.Flags().GetString("data")

	if app == "" {
		return fmt.Errorf("--app is required")
	}
	if user == "" {
		return fmt.Errorf("--user is required")
	}
	if account == "" {
		return fmt.Errorf("--account is required")
	}
	if task == "" {
		return fmt.Errorf("--task is required")
	}

	scheduleType = inferScheduleType(scheduleType, runAt, cron,
		cmd.Flags().Changed("delay"), cmd.Flags().Changed("interval"))

	schedule := map[string]any{"type": scheduleType}
	switch scheduleType {
	case "run_at":
		schedule["run_at"] = runAt
	case "delay_from_now":
		schedule["delay_seconds"] = delay
	case "cron":
		schedule["cron"] = cron
	case "polling":
		schedule["polling_interval_seconds"] = interval
	}

	payload := map[string]any{
		"app_name":   app,
		"user_id":    user,
		"account_id": account,
		"task_type":  task,
		"schedule":   schedule,
	}
	if board != "" {
		payload["board_id"] = board
	}
	if dataStr != "" {
		if !json.Valid([]byte(dataStr)) {
			return fmt.Errorf("invalid --data JSON")
		}
		payload["data"] = json.RawMessage(dataStr)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("serializing job payload: %w", err)
	}
	resp, respBody, err := apiRequest(cmd, "POST", "/api/jobs/create", bytes.NewReader(body))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusCreated {
		return serverError(resp.StatusCode, respBody)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &created); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if outputFormat(cmd) == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(created)
	}
	fmt.Printf("Job %s submitted (%s)\n", created.ID, scheduleType)
	fmt.Printf("Watch it: duecall jobs watch %s\n", created.ID)
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	resp, body, err := apiRequest(cmd, "GET", "/api/jobs/"+jobID+"/status", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return serverError(resp.StatusCode, body)
	}

	var status struct {
		JobID       string  `json:"job_id"`
		Status      string  `json:"status"`
		TaskType    string  `json:"task_type"`
		CreatedAt   string  `json:"created_at"`
		ScheduledAt *string `json:"scheduled_at"`
		Logs        []struct {
			EventType     string  `json:"event_type"`
			AttemptNumber int     `json:"attempt_number"`
			ErrorType     *string `json:"error_type"`
			CreatedAt     string  `json:"created_at"`
		} `json:"logs"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if outputFormat(cmd) == "json" {
		var raw any
		if err := json.Unmarshal(body, &raw); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(raw)
	}

	fmt.Printf("Job:      %s\n", status.JobID)
	fmt.Printf("Status:   %s\n", status.Status)
	fmt.Printf("Task:     %s\n", status.TaskType)
	fmt.Printf("Created:  %s\n", trimTimestamp(status.CreatedAt))
	if status.ScheduledAt != nil {
		fmt.Printf("Next run: %s\n", trimTimestamp(*status.ScheduledAt))
	}

	if len(status.Logs) == 0 {
		fmt.Println("\nNo log entries yet.")
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EVENT\tATTEMPT\tERROR\tTIME")
	for _, l := range status.Logs {
		errType := ""
		if l.ErrorType != nil {
			errType = *l.ErrorType
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			l.EventType, l.AttemptNumber, errType, trimTimestamp(l.CreatedAt))
	}
	return w.Flush()
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	resp, body, err := apiRequest(cmd, "POST", "/api/jobs/"+jobID+"/cancel", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return serverError(resp.StatusCode, body)
	}

	var result struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("Job %s %s\n", result.JobID, result.Status)
	return nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	outFmt := outputFormat(cmd)
	status, _ := cmd.Flags().GetString("status")
	app, _ := cmd.Flags().GetString("app")
	account, _ := cmd.Flags().GetString("account")
	limit, _ := cmd.Flags().GetInt("limit")

	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if app != "" {
		params.Set("app_name", app)
	}
	if account != "" {
		params.Set("account_id", account)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	path := "/api/jobs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	resp, body, err := apiRequest(cmd, "GET", path, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return serverError(resp.StatusCode, body)
	}

	var result struct {
		Jobs []struct {
			ID           string `json:"id"`
			AppName      string `json:"app_name"`
			TaskType     string `json:"task_type"`
			Status       string `json:"status"`
			ScheduleType string `json:"schedule_type"`
			CreatedAt    string `json:"created_at"`
		} `json:"jobs"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if outFmt == "json" {
		var raw struct {
			Jobs []map[string]any `json:"jobs"`
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(raw.Jobs)
	}

	if len(result.Jobs) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}

	if outFmt == "csv" {
		rows := make([][]string, 0, len(result.Jobs))
		for _, j := range result.Jobs {
			rows = append(rows, []string{
				j.ID, j.AppName, j.TaskType, j.Status, j.ScheduleType, j.CreatedAt,
			})
		}
		return writeCSVStdout([]string{"id", "app_name", "task_type", "status", "schedule_type", "created_at"}, rows)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAPP\tTASK\tSTATUS\tSCHEDULE\tCREATED")
	for _, j := range result.Jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.AppName, j.TaskType, j.Status, j.ScheduleType, trimTimestamp(j.CreatedAt))
	}
	return w.Flush()
}

func runJobsWatch(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	streamURL := serverBaseURL(cmd) + "/api/jobs/" + jobID + "/events"

	// Prefer a job-scoped stream token. A 503 means token signing is not
	// configured, in which case the internal secret authorizes directly.
	resp, body, err := apiRequest(cmd, "POST", "/api/jobs/"+jobID+"/stream-token", nil)
	if err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		var minted struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(body, &minted); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
		streamURL += "?token=" + url.QueryEscape(minted.Token)
	case http.StatusServiceUnavailable:
	default:
		return serverError(resp.StatusCode, body)
	}

	req, err := http.NewRequest("GET", streamURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if secret := internalSecret(cmd); secret != "" {
		req.Header.Set("X-Internal-Secret", secret)
	}

	// No client timeout: the stream stays open until the job finishes.
	stream, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer stream.Body.Close()
	if stream.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(stream.Body)
		return serverError(stream.StatusCode, b)
	}

	fmt.Fprintf(os.Stderr, "Watching job %s (Ctrl-C to stop)\n", jobID)
	return watchStream(stream.Body, os.Stdout)
}

// watchStream renders server-sent events until the job reaches a terminal
// status or the server closes the stream.
func watchStream(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if terminal := printStreamEvent(w, event, strings.TrimPrefix(line, "data: ")); terminal {
				return nil
			}
		case line == "":
			event = ""
		}
	}
	return scanner.Err()
}

// printStreamEvent writes one decoded event and reports whether the job
// reached a terminal status.
func printStreamEvent(w io.Writer, event, data string) bool {
	switch event {
	case "connected":
		return false
	case "job_update":
		var update struct {
			JobID  string `json:"job_id"`
			Status string `json:"status"`
			Log    *struct {
				EventType     string  `json:"event_type"`
				AttemptNumber int     `json:"attempt_number"`
				ErrorType     *string `json:"error_type"`
			} `json:"log"`
		}
		if err := json.Unmarshal([]byte(data), &update); err != nil {
			fmt.Fprintln(w, data)
			return false
		}
		line := update.Status
		if update.Log != nil {
			line = fmt.Sprintf("%s  (%s, attempt %d", update.Status, update.Log.EventType, update.Log.AttemptNumber)
			if update.Log.ErrorType != nil {
				line += ", " + *update.Log.ErrorType
			}
			line += ")"
		}
		fmt.Fprintln(w, line)
		return jobs.Status(update.Status).Terminal()
	default:
		return false
	}
}

// trimTimestamp shortens an RFC 3339 timestamp to seconds precision for
// table output.
func trimTimestamp(ts string) string {
	if len(ts) > 19 {
		return strings.Replace(ts[:19], "T", " ", 1)
	}
	return ts
}
