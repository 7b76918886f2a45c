package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/adhocore/gronx"
	"github.com/go-chi/chi/v5"

	"github.com/duecall/duecall/internal/httputil"
	"github.com/duecall/duecall/internal/jobs"
	"github.com/duecall/duecall/internal/realtime"
	"github.com/duecall/duecall/internal/tasks"
)

const (
	statusLogLimit   = 20
	defaultListLimit = 50
	maxListLimit     = 200
)

// jobStore is the slice of jobs.Store the read and cancel handlers use.
type jobStore interface {
	GetJob(ctx context.Context, jobID string) (*jobs.Job, error)
	RecentLogs(ctx context.Context, jobID string, limit int) ([]jobs.JobLog, error)
	TransitionStatus(ctx context.Context, jobID string, from []jobs.Status, to jobs.Status) (bool, error)
	ListJobs(ctx context.Context, f jobs.JobFilter) ([]jobs.Job, error)
	CountByStatus(ctx context.Context) (map[jobs.Status]int, error)
}

// jobSubmitter is the submission surface of jobs.Submitter.
type jobSubmitter interface {
	RunImmediate(ctx context.Context, cfg jobs.TaskConfig, data jobs.Payload) (*jobs.Job, error)
	RunAt(ctx context.Context, cfg jobs.TaskConfig, data jobs.Payload, ts time.Time) (*jobs.Job, error)
	RunAfterDelay(ctx context.Context, cfg jobs.TaskConfig, data jobs.Payload, d time.Duration) (*jobs.Job, error)
	RunCron(ctx context.Context, cfg jobs.TaskConfig, data jobs.Payload, expr string) (*jobs.Job, error)
	RunPolling(ctx context.Context, cfg jobs.TaskConfig, data jobs.Payload, intervalSeconds int) (*jobs.Job, error)
	Timezone() *time.Location
}

// updatePublisher pushes status changes to stream subscribers.
// realtime.Hub satisfies it.
type updatePublisher interface {
	Publish(event *realtime.Event)
}

type scheduleRequest struct {
	Type                   string `json:"type"`
	RunAt                  string `json:"run_at"`
	DelaySeconds           *int   `json:"delay_seconds"`
	Cron                   string `json:"cron"`
	PollingIntervalSeconds *int   `json:"polling_interval_seconds"`
}

type createJobRequest struct {
	AppName   string          `json:"app_name"`
	UserID    string          `json:"user_id"`
	AccountID string          `json:"account_id"`
	BoardID   *string         `json:"board_id"`
	TaskType  string          `json:"task_type"`
	Schedule  scheduleRequest `json:"schedule"`
	Data      jobs.Payload    `json:"data"`
}

type jobListResponse struct {
	Jobs  []jobs.Job `json:"jobs"`
	Count int        `json:"count"` // number of items returned (page size, not total)
}

type jobLogView struct {
	EventType     jobs.EventType  `json:"event_type"`
	AttemptNumber int             `json:"attempt_number"`
	ErrorType     *jobs.ErrorType `json:"error_type,omitempty"`
	Metadata      jobs.Payload    `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type jobStatusResponse struct {
	JobID       string       `json:"job_id"`
	Status      jobs.Status  `json:"status"`
	TaskType    string       `json:"task_type"`
	CreatedAt   time.Time    `json:"created_at"`
	ScheduledAt *time.Time   `json:"scheduled_at,omitempty"`
	Logs        []jobLogView `json:"logs"`
}

// handleCreateJob validates a submission, resolves its task definition, and
// dispatches to the scheduling primitive named by schedule.type.
func handleCreateJob(registry *tasks.Registry, submitter jobSubmitter) http.HandlerFunc {
	gron := gronx.New()
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}

		errs := map[string]string{}
		if req.AppName == "" {
			errs["app_name"] = "app_name is required"
		}
		if req.UserID == "" {
			errs["user_id"] = "user_id is required"
		}
		if req.AccountID == "" {
			errs["account_id"] = "account_id is required"
		}
		if req.TaskType == "" {
			errs["task_type"] = "task_type is required"
		}

		var runAt time.Time
		switch jobs.ScheduleType(req.Schedule.Type) {
		case jobs.ScheduleImmediate:
		case jobs.ScheduleRunAt:
			if req.Schedule.RunAt == "" {
				errs["schedule.run_at"] = "run_at is required for run_at schedules"
			} else {
				ts, err := jobs.ParseTimestamp(req.Schedule.RunAt, submitter.Timezone())
				if err != nil {
					errs["schedule.run_at"] = "unrecognized timestamp format"
				} else {
					runAt = ts
				}
			}
		case jobs.ScheduleDelayFromNow:
			if req.Schedule.DelaySeconds == nil {
				errs["schedule.delay_seconds"] = "delay_seconds is required for delay_from_now schedules"
			} else if *req.Schedule.DelaySeconds < 0 {
				errs["schedule.delay_seconds"] = "delay_seconds must not be negative"
			}
		case jobs.ScheduleCron:
			if req.Schedule.Cron == "" {
				errs["schedule.cron"] = "cron is required for cron schedules"
			} else if !gron.IsValid(req.Schedule.Cron) {
				errs["schedule.cron"] = "invalid cron expression"
			}
		case jobs.SchedulePolling:
			if req.Schedule.PollingIntervalSeconds == nil || *req.Schedule.PollingIntervalSeconds <= 0 {
				errs["schedule.polling_interval_seconds"] = "polling_interval_seconds must be positive"
			}
		case "":
			errs["schedule.type"] = "schedule.type is required"
		default:
			errs["schedule.type"] = "unknown schedule type"
		}
		if len(errs) > 0 {
			httputil.WriteFieldErrors(w, http.StatusBadRequest, errs)
			return
		}

		def, err := registry.Resolve(req.AppName, req.TaskType)
		if err != nil {
			if errors.Is(err, tasks.ErrNotRegistered) {
				httputil.WriteError(w, http.StatusNotFound, "no task registered for this app_name and task_type")
				return
			}
			httputil.WriteError(w, http.StatusInternalServerError, "failed to resolve task")
			return
		}

		cfg := jobs.TaskConfig{
			AppName:          req.AppName,
			UserID:           req.UserID,
			AccountID:        req.AccountID,
			BoardID:          req.BoardID,
			TaskType:         req.TaskType,
			CallbackURL:      def.CallbackURL,
			MaxRetries:       def.MaxRetries,
			RetryBackoffBase: def.RetryBackoffBase,
		}

		ctx := r.Context()
		var job *jobs.Job
		switch jobs.ScheduleType(req.Schedule.Type) {
		case jobs.ScheduleImmediate:
			job, err = submitter.RunImmediate(ctx, cfg, req.Data)
		case jobs.ScheduleRunAt:
			job, err = submitter.RunAt(ctx, cfg, req.Data, runAt)
		case jobs.ScheduleDelayFromNow:
			job, err = submitter.RunAfterDelay(ctx, cfg, req.Data, time.Duration(*req.Schedule.DelaySeconds)*time.Second)
		case jobs.ScheduleCron:
			job, err = submitter.RunCron(ctx, cfg, req.Data, req.Schedule.Cron)
		case jobs.SchedulePolling:
			job, err = submitter.RunPolling(ctx, cfg, req.Data, *req.Schedule.PollingIntervalSeconds)
		}
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to create job")
			return
		}

		httputil.WriteJSON(w, http.StatusCreated, map[string]string{"id": job.ID})
	}
}

// handleJobStatus returns a job's current status with its most recent log
// entries, newest first.
func handleJobStatus(store jobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !httputil.IsValidUUID(id) {
			httputil.WriteError(w, http.StatusBadRequest, "invalid job id format")
			return
		}

		job, err := store.GetJob(r.Context(), id)
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				httputil.WriteError(w, http.StatusNotFound, "job not found")
				return
			}
			httputil.WriteError(w, http.StatusInternalServerError, "failed to get job")
			return
		}

		logs, err := store.RecentLogs(r.Context(), id, statusLogLimit)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to load job logs")
			return
		}

		views := make([]jobLogView, 0, len(logs))
		for _, l := range logs {
			views = append(views, jobLogView{
				EventType:     l.EventType,
				AttemptNumber: l.AttemptNumber,
				ErrorType:     l.ErrorType,
				Metadata:      l.Metadata,
				CreatedAt:     l.CreatedAt,
			})
		}

		httputil.WriteJSON(w, http.StatusOK, jobStatusResponse{
			JobID:       job.ID,
			Status:      job.Status,
			TaskType:    job.TaskType,
			CreatedAt:   job.CreatedAt,
			ScheduledAt: job.ScheduledAt,
			Logs:        views,
		})
	}
}

// cancellable lists the statuses a cancel request may transition from.
var cancellable = []jobs.Status{
	jobs.StatusPending,
	jobs.StatusQueued,
	jobs.StatusRunning,
	jobs.StatusPausedRateLimited,
}

// handleCancelJob moves a non-terminal job to cancelled and publishes the
// update. In-flight deliveries notice the status change and drop the task.
func handleCancelJob(store jobStore, publisher updatePublisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !httputil.IsValidUUID(id) {
			httputil.WriteError(w, http.StatusBadRequest, "invalid job id format")
			return
		}

		job, err := store.GetJob(r.Context(), id)
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				httputil.WriteError(w, http.StatusNotFound, "job not found")
				return
			}
			httputil.WriteError(w, http.StatusInternalServerError, "failed to get job")
			return
		}
		if job.Status.Terminal() {
			httputil.WriteError(w, http.StatusConflict, "job is already "+string(job.Status))
			return
		}

		ok, err := store.TransitionStatus(r.Context(), id, cancellable, jobs.StatusCancelled)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to cancel job")
			return
		}
		if !ok {
			// Lost a race with the engine finishing the job.
			httputil.WriteError(w, http.StatusConflict, "job reached a terminal status")
			return
		}

		publisher.Publish(&realtime.Event{
			Event:  "job_update",
			JobID:  id,
			Status: string(jobs.StatusCancelled),
		})

		httputil.WriteJSON(w, http.StatusOK, map[string]string{
			"job_id": id,
			"status": string(jobs.StatusCancelled),
		})
	}
}

// handleListJobs returns jobs matching the query filters.
func handleListJobs(store jobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		status := q.Get("status")
		if status != "" && !jobs.Status(status).Valid() {
			httputil.WriteError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		limit, _ := strconv.Atoi(q.Get("limit"))
		if limit <= 0 {
			limit = defaultListLimit
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}

		items, err := store.ListJobs(r.Context(), jobs.JobFilter{
			AppName:   q.Get("app_name"),
			AccountID: q.Get("account_id"),
			Status:    jobs.Status(status),
			Limit:     limit,
		})
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to list jobs")
			return
		}
		if items == nil {
			items = []jobs.Job{}
		}

		httputil.WriteJSON(w, http.StatusOK, jobListResponse{
			Jobs:  items,
			Count: len(items),
		})
	}
}

// handleStreamToken mints a short-lived token granting SSE access to one job.
func handleStreamToken(store jobStore, tokens *realtime.StreamTokens) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !httputil.IsValidUUID(id) {
			httputil.WriteError(w, http.StatusBadRequest, "invalid job id format")
			return
		}
		if tokens == nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, "stream tokens are not configured")
			return
		}

		if _, err := store.GetJob(r.Context(), id); err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				httputil.WriteError(w, http.StatusNotFound, "job not found")
				return
			}
			httputil.WriteError(w, http.StatusInternalServerError, "failed to get job")
			return
		}

		token, expiresAt, err := tokens.Mint(id)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to mint stream token")
			return
		}

		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"token":      token,
			"expires_at": expiresAt,
		})
	}
}
