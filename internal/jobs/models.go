package jobs

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending           Status = "pending"
	StatusQueued            Status = "queued"
	StatusRunning           Status = "running"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
	StatusPausedRateLimited Status = "paused_rate_limited"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning, StatusCompleted,
		StatusFailed, StatusCancelled, StatusPausedRateLimited:
		return true
	}
	return false
}

// ScheduleType says when a job should run.
type ScheduleType string

const (
	ScheduleImmediate    ScheduleType = "immediate"
	ScheduleRunAt        ScheduleType = "run_at"
	ScheduleCron         ScheduleType = "cron"
	ScheduleDelayFromNow ScheduleType = "delay_from_now"
	SchedulePolling      ScheduleType = "polling"
)

// EventType classifies a job log entry.
type EventType string

const (
	EventExecutionStarted   EventType = "execution_started"
	EventRateLimited        EventType = "rate_limited"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
)

// ErrorType classifies a failure on an execution_failed log entry.
type ErrorType string

const (
	ErrorTransient ErrorType = "transient"
	ErrorPermanent ErrorType = "permanent"
)

// Payload is schemaless JSON carried on jobs, logs, and worker responses.
// Worker-specific fields stay opaque; the engine only reads the few keys
// it owns.
type Payload map[string]any

// CallbackURL returns the worker endpoint stored on the payload, or ""
// when unset.
func (p Payload) CallbackURL() string {
	s, _ := p["callback_url"].(string)
	return s
}

// MaxRetries returns the payload's max_retries, or def when absent.
func (p Payload) MaxRetries(def int) int {
	return p.intField("max_retries", def)
}

// RetryBackoffBase returns the payload's retry_backoff_base in seconds,
// or def when absent.
func (p Payload) RetryBackoffBase(def int) int {
	return p.intField("retry_backoff_base", def)
}

// intField tolerates the numeric types JSON decoding produces.
func (p Payload) intField(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// AppUser is a tenant-scoped user identity, created lazily on first
// submission. (app_name, external_user_id) is unique.
type AppUser struct {
	ID             string    `json:"id"`
	AppName        string    `json:"app_name"`
	ExternalUserID string    `json:"external_user_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Job is a scheduled unit of work.
type Job struct {
	ID                     string       `json:"id"`
	AppName                string       `json:"app_name"`
	UserID                 string       `json:"user_id"`
	AccountID              string       `json:"account_id"`
	BoardID                *string      `json:"board_id,omitempty"`
	TaskType               string       `json:"task_type"`
	Status                 Status       `json:"status"`
	ScheduleType           ScheduleType `json:"schedule_type"`
	ScheduledAt            *time.Time   `json:"scheduled_at,omitempty"`
	CronExpression         *string      `json:"cron_expression,omitempty"`
	PollingIntervalSeconds *int         `json:"polling_interval_seconds,omitempty"`
	PollingState           Payload      `json:"polling_state,omitempty"`
	Payload                Payload      `json:"payload"`
	CreatedAt              time.Time    `json:"created_at"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

// JobLog is one append-only per-attempt event.
type JobLog struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	EventType      EventType  `json:"event_type"`
	AttemptNumber  int        `json:"attempt_number"`
	IdempotencyKey string     `json:"idempotency_key"`
	ErrorType      *ErrorType `json:"error_type,omitempty"`
	Metadata       Payload    `json:"metadata,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CreateJobParams carries the fields for Store.CreateJob.
type CreateJobParams struct {
	AppName                string
	UserID                 string
	AccountID              string
	BoardID                *string
	TaskType               string
	Status                 Status
	ScheduleType           ScheduleType
	ScheduledAt            *time.Time
	CronExpression         *string
	PollingIntervalSeconds *int
	PollingState           Payload
	Payload                Payload
}

// LogParams carries the fields for Store.InsertLogIfAbsent.
type LogParams struct {
	JobID          string
	EventType      EventType
	AttemptNumber  int
	IdempotencyKey string
	ErrorType      *ErrorType
	Metadata       Payload
}

// JobUpdate names the fields UpdateJobFields may change. Nil fields are
// left untouched; updated_at always advances.
type JobUpdate struct {
	Status       *Status
	ScheduledAt  *time.Time
	PollingState Payload
}

// JobFilter bounds ListJobs.
type JobFilter struct {
	AppName   string
	AccountID string
	Status    Status
	Limit     int
}

// Log idempotency keys. One key per (job, attempt, event kind) makes
// queue redeliveries converge on the same rows.
func startedKey(jobID string, attempt int) string {
	return fmt.Sprintf("%s::started::%d", jobID, attempt)
}

func rateLimitKey(jobID string, attempt int) string {
	return fmt.Sprintf("%s::rate_limit::%d", jobID, attempt)
}

func completedKey(jobID string, attempt int) string {
	return fmt.Sprintf("%s::completed::%d", jobID, attempt)
}

func failureKey(jobID string, attempt int) string {
	return fmt.Sprintf("%s::failure::%d", jobID, attempt)
}

func exceptionKey(jobID string, attempt int) string {
	return fmt.Sprintf("%s::exception::%d", jobID, attempt)
}

// externalKey is sent to the worker so it can dedupe replayed attempts.
func externalKey(jobID string, attempt int) string {
	return fmt.Sprintf("%s_%d", jobID, attempt)
}
