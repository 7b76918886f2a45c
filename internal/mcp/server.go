// Package mcp implements a Model Context Protocol server for DueCall.
// It exposes the scheduler's REST API as MCP tools, resources, and
// prompts, allowing AI coding tools (Claude Code, Cursor, Windsurf) to
// submit, inspect, and cancel jobs through structured tool calls.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Config holds the connection parameters for the MCP server.
type Config struct {
	// BaseURL is the DueCall server URL (e.g., "http://localhost:8377").
	BaseURL string
	// Secret is the internal API secret sent as X-Internal-Secret.
	Secret string
}

// apiClient wraps HTTP calls to the DueCall REST API.
type apiClient struct {
	baseURL string
	secret  string
	http    *http.Client
}

func newClient(cfg Config) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		secret:  cfg.Secret,
		http:    &http.Client{},
	}
}

// doJSON makes an HTTP request and returns the parsed JSON response.
func (c *apiClient) doJSON(ctx context.Context, method, path string, body any) (map[string]any, int, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set("X-Internal-Secret", c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if len(respBody) == 0 {
		return nil, resp.StatusCode, nil
	}

	var result map[string]any
	if err := json.Unmarshal(respBody, &result); err != nil {
		// Return raw text for non-JSON responses
		return map[string]any{"raw": string(respBody)}, resp.StatusCode, nil
	}

	if resp.StatusCode >= 400 {
		return result, resp.StatusCode, fmt.Errorf("duecall error (%d): %s", resp.StatusCode, errorMessage(result))
	}

	return result, resp.StatusCode, nil
}

// errorMessage flattens the API's error envelopes: either a single
// {"error": "..."} or validation errors keyed by field.
func errorMessage(result map[string]any) string {
	if m, ok := result["error"].(string); ok {
		return m
	}
	if fields, ok := result["errors"].(map[string]any); ok {
		parts := make([]string, 0, len(fields))
		for k, v := range fields {
			parts = append(parts, fmt.Sprintf("%s: %v", k, v))
		}
		sort.Strings(parts)
		return strings.Join(parts, "; ")
	}
	return "unknown error"
}

// NewServer creates a new MCP server wired to a DueCall instance.
func NewServer(cfg Config) *mcp.Server {
	client := newClient(cfg)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "duecall-mcp",
		Title:   "DueCall MCP Server",
		Version: "v0.1.0",
	}, &mcp.ServerOptions{
		Instructions: "DueCall MCP server. Schedule asynchronous jobs against registered " +
			"tasks, watch their status and per-attempt logs, cancel them, and read " +
			"scheduler statistics.",
	})

	registerTools(server, client)
	registerResources(server, client)
	registerPrompts(server)

	return server
}

// --- Input/Output types for tools ---

type SubmitJobInput struct {
	AppName                string         `json:"app_name" jsonschema:"Application the task is registered under"`
	UserID                 string         `json:"user_id" jsonschema:"End user the job runs on behalf of"`
	AccountID              string         `json:"account_id" jsonschema:"Account used for per-tenant rate limiting"`
	BoardID                string         `json:"board_id,omitempty" jsonschema:"Optional board scope"`
	TaskType               string         `json:"task_type" jsonschema:"Registered task type to execute"`
	Schedule               string         `json:"schedule,omitempty" jsonschema:"Schedule type: immediate, run_at, delay_from_now, cron, or polling (inferred from the timing fields when omitted)"`
	RunAt                  string         `json:"run_at,omitempty" jsonschema:"Timestamp for run_at schedules (RFC 3339 or YYYY-MM-DD HH:MM:SS)"`
	DelaySeconds           int            `json:"delay_seconds,omitempty" jsonschema:"Delay in seconds for delay_from_now schedules"`
	Cron                   string         `json:"cron,omitempty" jsonschema:"Cron expression for cron schedules (e.g. */5 * * * *)"`
	PollingIntervalSeconds int            `json:"polling_interval_seconds,omitempty" jsonschema:"Interval in seconds for polling schedules"`
	Data                   map[string]any `json:"data,omitempty" jsonschema:"Task payload forwarded to the worker callback"`
}
type SubmitJobOutput struct {
	ID string `json:"id"`
}

type JobStatusInput struct {
	ID string `json:"id" jsonschema:"Job ID (UUID)"`
}
type JobStatusOutput struct {
	JobID       string           `json:"job_id"`
	Status      string           `json:"status"`
	TaskType    string           `json:"task_type"`
	CreatedAt   string           `json:"created_at"`
	ScheduledAt string           `json:"scheduled_at,omitempty"`
	Logs        []map[string]any `json:"logs"`
}

type CancelJobInput struct {
	ID string `json:"id" jsonschema:"Job ID (UUID)"`
}
type CancelJobOutput struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type ListJobsInput struct {
	Status    string `json:"status,omitempty" jsonschema:"Filter by status (pending, queued, running, paused_rate_limited, completed, failed, cancelled)"`
	AppName   string `json:"app_name,omitempty" jsonschema:"Filter by application"`
	AccountID string `json:"account_id,omitempty" jsonschema:"Filter by account"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum jobs to return (default 50, max 200)"`
}
type ListJobsOutput struct {
	Jobs  []map[string]any `json:"jobs"`
	Count int              `json:"count"`
}

type GetStatsInput struct{}
type GetStatsOutput struct {
	Jobs          map[string]int `json:"jobs"`
	Total         int            `json:"total"`
	UptimeSeconds int            `json:"uptime_seconds"`
	Goroutines    int            `json:"goroutines"`
	MemoryAlloc   uint64         `json:"memory_alloc"`
}

type ServerLogsInput struct {
	Level string `json:"level,omitempty" jsonschema:"Only return entries at this level (DEBUG, INFO, WARN, ERROR)"`
}
type ServerLogsOutput struct {
	Entries []map[string]any `json:"entries"`
	Message string           `json:"message,omitempty"`
}

// --- Tool registration ---

func registerTools(s *mcp.Server, c *apiClient) {
	// Scheduling tools
	mcp.AddTool(s, &mcp.Tool{
		Name:        "submit_job",
		Description: "Submit a job for a registered task: immediately, at a timestamp, after a delay, on a cron schedule, or on a polling interval",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in SubmitJobInput) (*mcp.CallToolResult, SubmitJobOutput, error) {
		return handleSubmitJob(ctx, c, in)
	})

	mcp.AddTool(s, &mcp.Tool{
		Name:        "cancel_job",
		Description: "Cancel a pending, queued, running, or rate-limited job",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in CancelJobInput) (*mcp.CallToolResult, CancelJobOutput, error) {
		return handleCancelJob(ctx, c, in)
	})

	// Inspection tools
	mcp.AddTool(s, &mcp.Tool{
		Name:        "job_status",
		Description: "Get a job's current status with its most recent per-attempt log entries",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in JobStatusInput) (*mcp.CallToolResult, JobStatusOutput, error) {
		return handleJobStatus(ctx, c, in)
	})

	mcp.AddTool(s, &mcp.Tool{
		Name:        "list_jobs",
		Description: "List jobs with optional status, application, and account filters",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in ListJobsInput) (*mcp.CallToolResult, ListJobsOutput, error) {
		return handleListJobs(ctx, c, in)
	})

	// Operational tools
	mcp.AddTool(s, &mcp.Tool{
		Name:        "get_stats",
		Description: "Get scheduler statistics: job counts by status, uptime, goroutines, and memory",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in GetStatsInput) (*mcp.CallToolResult, GetStatsOutput, error) {
		return handleGetStats(ctx, c)
	})

	mcp.AddTool(s, &mcp.Tool{
		Name:        "server_logs",
		Description: "Read recent server log entries from the in-memory buffer, optionally filtered by level",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in ServerLogsInput) (*mcp.CallToolResult, ServerLogsOutput, error) {
		return handleServerLogs(ctx, c, in)
	})
}

// --- Tool handlers ---

// inferScheduleType picks the schedule type from whichever timing field is
// set. An explicit type always wins.
func inferScheduleType(in SubmitJobInput) string {
	if in.Schedule != "" {
		return in.Schedule
	}
	switch {
	case in.RunAt != "":
		return "run_at"
	case in.DelaySeconds > 0:
		return "delay_from_now"
	case in.Cron != "":
		return "cron"
	case in.PollingIntervalSeconds > 0:
		return "polling"
	}
	return "immediate"
}

func handleSubmitJob(ctx context.Context, c *apiClient, in SubmitJobInput) (*mcp.CallToolResult, SubmitJobOutput, error) {
	schedType := inferScheduleType(in)

	schedule := map[string]any{"type": schedType}
	switch schedType {
	case "run_at":
		schedule["run_at"] = in.RunAt
	case "delay_from_now":
		schedule["delay_seconds"] = in.DelaySeconds
	case "cron":
		schedule["cron"] = in.Cron
	case "polling":
		schedule["polling_interval_seconds"] = in.PollingIntervalSeconds
	}

	body := map[string]any{
		"app_name":   in.AppName,
		"user_id":    in.UserID,
		"account_id": in.AccountID,
		"task_type":  in.TaskType,
		"schedule":   schedule,
	}
	if in.BoardID != "" {
		body["board_id"] = in.BoardID
	}
	if len(in.Data) > 0 {
		body["data"] = in.Data
	}

	result, _, err := c.doJSON(ctx, "POST", "/api/jobs/create", body)
	if err != nil {
		return nil, SubmitJobOutput{}, err
	}

	out := SubmitJobOutput{}
	if id, ok := result["id"].(string); ok {
		out.ID = id
	}
	return nil, out, nil
}

func handleJobStatus(ctx context.Context, c *apiClient, in JobStatusInput) (*mcp.CallToolResult, JobStatusOutput, error) {
	path := "/api/jobs/" + url.PathEscape(in.ID) + "/status"
	result, _, err := c.doJSON(ctx, "GET", path, nil)
	if err != nil {
		return nil, JobStatusOutput{}, err
	}

	out := JobStatusOutput{}
	if v, ok := result["job_id"].(string); ok {
		out.JobID = v
	}
	if v, ok := result["status"].(string); ok {
		out.Status = v
	}
	if v, ok := result["task_type"].(string); ok {
		out.TaskType = v
	}
	if v, ok := result["created_at"].(string); ok {
		out.CreatedAt = v
	}
	if v, ok := result["scheduled_at"].(string); ok {
		out.ScheduledAt = v
	}
	if logs, ok := result["logs"].([]any); ok {
		out.Logs = make([]map[string]any, 0, len(logs))
		for _, l := range logs {
			if m, ok := l.(map[string]any); ok {
				out.Logs = append(out.Logs, m)
			}
		}
	}
	return nil, out, nil
}

func handleCancelJob(ctx context.Context, c *apiClient, in CancelJobInput) (*mcp.CallToolResult, CancelJobOutput, error) {
	path := "/api/jobs/" + url.PathEscape(in.ID) + "/cancel"
	result, _, err := c.doJSON(ctx, "POST", path, nil)
	if err != nil {
		return nil, CancelJobOutput{}, err
	}

	out := CancelJobOutput{}
	if v, ok := result["job_id"].(string); ok {
		out.JobID = v
	}
	if v, ok := result["status"].(string); ok {
		out.Status = v
	}
	return nil, out, nil
}

func handleListJobs(ctx context.Context, c *apiClient, in ListJobsInput) (*mcp.CallToolResult, ListJobsOutput, error) {
	params := url.Values{}
	if in.Status != "" {
		params.Set("status", in.Status)
	}
	if in.AppName != "" {
		params.Set("app_name", in.AppName)
	}
	if in.AccountID != "" {
		params.Set("account_id", in.AccountID)
	}
	if in.Limit > 0 {
		params.Set("limit", strconv.Itoa(in.Limit))
	}

	path := "/api/jobs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	result, _, err := c.doJSON(ctx, "GET", path, nil)
	if err != nil {
		return nil, ListJobsOutput{}, err
	}

	out := ListJobsOutput{}
	if items, ok := result["jobs"].([]any); ok {
		out.Jobs = make([]map[string]any, 0, len(items))
		for _, item := range items {
			if m, ok := item.(map[string]any); ok {
				out.Jobs = append(out.Jobs, m)
			}
		}
	}
	if v, ok := result["count"].(float64); ok {
		out.Count = int(v)
	}
	return nil, out, nil
}

func handleGetStats(ctx context.Context, c *apiClient) (*mcp.CallToolResult, GetStatsOutput, error) {
	result, _, err := c.doJSON(ctx, "GET", "/api/stats", nil)
	if err != nil {
		return nil, GetStatsOutput{}, err
	}

	out := GetStatsOutput{Jobs: map[string]int{}}
	if counts, ok := result["jobs"].(map[string]any); ok {
		for status, n := range counts {
			if v, ok := n.(float64); ok {
				out.Jobs[status] = int(v)
			}
		}
	}
	if v, ok := result["total"].(float64); ok {
		out.Total = int(v)
	}
	if v, ok := result["uptime_seconds"].(float64); ok {
		out.UptimeSeconds = int(v)
	}
	if v, ok := result["goroutines"].(float64); ok {
		out.Goroutines = int(v)
	}
	if v, ok := result["memory_alloc"].(float64); ok {
		out.MemoryAlloc = uint64(v)
	}
	return nil, out, nil
}

func handleServerLogs(ctx context.Context, c *apiClient, in ServerLogsInput) (*mcp.CallToolResult, ServerLogsOutput, error) {
	result, _, err := c.doJSON(ctx, "GET", "/api/logs", nil)
	if err != nil {
		return nil, ServerLogsOutput{}, err
	}

	out := ServerLogsOutput{Entries: []map[string]any{}}
	if msg, ok := result["message"].(string); ok {
		out.Message = msg
	}
	entries, _ := result["entries"].([]any)
	for _, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if in.Level != "" {
			level, _ := m["level"].(string)
			if !strings.EqualFold(level, in.Level) {
				continue
			}
		}
		out.Entries = append(out.Entries, m)
	}
	return nil, out, nil
}

// --- Resource registration ---

func registerResources(s *mcp.Server, c *apiClient) {
	s.AddResource(&mcp.Resource{
		URI:         "duecall://health",
		Name:        "Server Health",
		Description: "DueCall server health status",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		result, _, err := c.doJSON(ctx, "GET", "/health", nil)
		if err != nil {
			return nil, err
		}
		b, _ := json.MarshalIndent(result, "", "  ")
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{
				URI:      "duecall://health",
				Text:     string(b),
				MIMEType: "application/json",
			}},
		}, nil
	})

	s.AddResource(&mcp.Resource{
		URI:         "duecall://stats",
		Name:        "Scheduler Statistics",
		Description: "Job counts by status plus server uptime, goroutine count, and memory usage",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		result, _, err := c.doJSON(ctx, "GET", "/api/stats", nil)
		if err != nil {
			return nil, err
		}
		b, _ := json.MarshalIndent(result, "", "  ")
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{
				URI:      "duecall://stats",
				Text:     string(b),
				MIMEType: "application/json",
			}},
		}, nil
	})
}

// --- Prompt registration ---

func registerPrompts(s *mcp.Server) {
	s.AddPrompt(&mcp.Prompt{
		Name:        "diagnose-job",
		Description: "Investigate why a job is stuck, failing, or rate limited",
		Arguments: []*mcp.PromptArgument{
			{Name: "job_id", Description: "Job ID to diagnose", Required: true},
		},
	}, func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		jobID := req.Params.Arguments["job_id"]
		return &mcp.GetPromptResult{
			Description: "Diagnose job: " + jobID,
			Messages: []*mcp.PromptMessage{{
				Role: "user",
				Content: &mcp.TextContent{
					Text: fmt.Sprintf(
						"Diagnose job %s. Use job_status to read its status and log entries, then "+
							"walk through the attempts in order. Explain each entry: a rate_limited "+
							"event means the account hit its request budget and the job paused until "+
							"the window resets; execution_failed with error_type transient is retried "+
							"with exponential backoff until retries run out; error_type permanent "+
							"fails the job on the spot. Finish with a recommendation: wait, "+
							"cancel_job, or fix the worker and resubmit.", jobID),
				},
			}},
		}, nil
	})

	s.AddPrompt(&mcp.Prompt{
		Name:        "schedule-recurring",
		Description: "Compose a recurring job submission from a plain-language description",
		Arguments: []*mcp.PromptArgument{
			{Name: "description", Description: "What should run and how often", Required: true},
		},
	}, func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		desc := req.Params.Arguments["description"]
		return &mcp.GetPromptResult{
			Description: "Schedule recurring work: " + desc,
			Messages: []*mcp.PromptMessage{{
				Role: "user",
				Content: &mcp.TextContent{
					Text: fmt.Sprintf(
						"I want to schedule recurring work: %s\n\n"+
							"Decide between a cron schedule (fixed calendar times, standard 5-field "+
							"expression) and a polling schedule (a fixed interval in seconds where each "+
							"run carries state forward to the next). Then call submit_job with the "+
							"chosen schedule and confirm the result with job_status. If the server "+
							"rejects the task_type, call list_jobs to see which app_name and task_type "+
							"values are in use.", desc),
				},
			}},
		}, nil
	})

	s.AddPrompt(&mcp.Prompt{
		Name:        "triage-failures",
		Description: "Summarize recently failed jobs and group them by likely cause",
		Arguments:   []*mcp.PromptArgument{},
	}, func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return &mcp.GetPromptResult{
			Description: "Triage failed jobs",
			Messages: []*mcp.PromptMessage{{
				Role: "user",
				Content: &mcp.TextContent{
					Text: "Call list_jobs with status=failed, then job_status on each result to read " +
						"its final log entries. Group the failures by task_type and error_type, " +
						"summarize the dominant cause per group, and flag any account that appears " +
						"repeatedly (it may be rate limited). Suggest which jobs are safe to " +
						"resubmit as-is and which need a worker-side fix first.",
				},
			}},
		}, nil
	})
}
