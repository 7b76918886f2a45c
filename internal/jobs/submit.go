package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/duecall/duecall/internal/queue"
)

// TaskQueue is the slice of the delayed queue the scheduler and engine use.
type TaskQueue interface {
	Submit(ctx context.Context, task queue.Task, delay time.Duration) error
}

// TaskConfig is a resolved submission target: tenant identity plus the
// task's callback and retry policy.
type TaskConfig struct {
	AppName          string
	UserID           string // external user id within the app
	AccountID        string
	BoardID          *string
	TaskType         string
	CallbackURL      string
	MaxRetries       int
	RetryBackoffBase int     // seconds
	Extra            Payload // additional non-identity keys carried into the payload
}

// Submitter creates jobs in their initial state and hands the first task to
// the delayed queue. Cron jobs are not enqueued here; the cron driver owns
// their deliveries.
type Submitter struct {
	store    *Store
	queue    TaskQueue
	timezone *time.Location
	logger   *slog.Logger
}

// NewSubmitter creates a Submitter. tz is the zone naive submission
// timestamps are interpreted in; nil means UTC.
func NewSubmitter(store *Store, q TaskQueue, tz *time.Location, logger *slog.Logger) *Submitter {
	if tz == nil {
		tz = time.UTC
	}
	return &Submitter{store: store, queue: q, timezone: tz, logger: logger}
}

// Timezone returns the zone naive timestamps are interpreted in.
func (s *Submitter) Timezone() *time.Location {
	return s.timezone
}

// RunImmediate creates a job that executes as soon as a worker picks it up.
func (s *Submitter) RunImmediate(ctx context.Context, cfg TaskConfig, data Payload) (*Job, error) {
	job, err := s.create(ctx, cfg, data, scheduleShape{typ: ScheduleImmediate})
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, job.ID, 0); err != nil {
		return nil, err
	}
	return job, nil
}

// RunAt creates a job that executes once at ts. Past timestamps execute
// immediately.
func (s *Submitter) RunAt(ctx context.Context, cfg TaskConfig, data Payload, ts time.Time) (*Job, error) {
	at := ts.UTC()
	job, err := s.create(ctx, cfg, data, scheduleShape{typ: ScheduleRunAt, scheduledAt: &at})
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, job.ID, time.Until(at)); err != nil {
		return nil, err
	}
	return job, nil
}

// RunAfterDelay creates a job that executes once, d from now.
func (s *Submitter) RunAfterDelay(ctx context.Context, cfg TaskConfig, data Payload, d time.Duration) (*Job, error) {
	if d < 0 {
		return nil, errors.New("delay must not be negative")
	}
	at := time.Now().Add(d).UTC()
	job, err := s.create(ctx, cfg, data, scheduleShape{typ: ScheduleDelayFromNow, scheduledAt: &at})
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, job.ID, d); err != nil {
		return nil, err
	}
	return job, nil
}

// RunCron creates a recurring job parked on its first fire time. The cron
// driver picks it up from there; an invalid expression fails the submission.
func (s *Submitter) RunCron(ctx context.Context, cfg TaskConfig, data Payload, expr string) (*Job, error) {
	first, err := NextFire(expr, time.Now(), s.timezone)
	if err != nil {
		return nil, err
	}
	return s.create(ctx, cfg, data, scheduleShape{
		typ:            ScheduleCron,
		scheduledAt:    &first,
		cronExpression: &expr,
	})
}

// RunPolling creates a job the worker drives to completion across repeated
// invocations spaced intervalSeconds apart.
func (s *Submitter) RunPolling(ctx context.Context, cfg TaskConfig, data Payload, intervalSeconds int) (*Job, error) {
	if intervalSeconds <= 0 {
		return nil, errors.New("polling interval must be positive")
	}
	job, err := s.create(ctx, cfg, data, scheduleShape{
		typ:             SchedulePolling,
		pollingInterval: &intervalSeconds,
		pollingState:    Payload{},
	})
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, job.ID, 0); err != nil {
		return nil, err
	}
	return job, nil
}

// scheduleShape carries the per-schedule-type job fields.
type scheduleShape struct {
	typ             ScheduleType
	scheduledAt     *time.Time
	cronExpression  *string
	pollingInterval *int
	pollingState    Payload
}

func (s *Submitter) create(ctx context.Context, cfg TaskConfig, data Payload, shape scheduleShape) (*Job, error) {
	user, err := s.store.GetOrCreateUser(ctx, cfg.AppName, cfg.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolving user: %w", err)
	}

	job, err := s.store.CreateJob(ctx, CreateJobParams{
		AppName:                cfg.AppName,
		UserID:                 user.ID,
		AccountID:              cfg.AccountID,
		BoardID:                cfg.BoardID,
		TaskType:               cfg.TaskType,
		Status:                 StatusQueued,
		ScheduleType:           shape.typ,
		ScheduledAt:            shape.scheduledAt,
		CronExpression:         shape.cronExpression,
		PollingIntervalSeconds: shape.pollingInterval,
		PollingState:           shape.pollingState,
		Payload:                mergePayload(cfg, data),
	})
	if err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	s.logger.Info("job submitted",
		"job_id", job.ID, "app_name", cfg.AppName, "task_type", cfg.TaskType,
		"schedule_type", shape.typ)
	return job, nil
}

func (s *Submitter) enqueue(ctx context.Context, jobID string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	if err := s.queue.Submit(ctx, queue.Task{JobID: jobID, Attempt: 1}, delay); err != nil {
		return fmt.Errorf("queueing job %s: %w", jobID, err)
	}
	return nil
}

// mergePayload combines caller data with the task's callback and retry
// policy. Config values win over caller keys of the same name so a
// submission cannot override the registered policy.
func mergePayload(cfg TaskConfig, data Payload) Payload {
	merged := Payload{}
	for k, v := range data {
		merged[k] = v
	}
	for k, v := range cfg.Extra {
		merged[k] = v
	}
	merged["callback_url"] = cfg.CallbackURL
	merged["max_retries"] = cfg.MaxRetries
	merged["retry_backoff_base"] = cfg.RetryBackoffBase
	return merged
}

// timestampLayouts are the accepted zone-less run_at formats.
var timestampLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses a submission timestamp. Strings without a zone
// offset are interpreted in loc; the result is normalized to UTC.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, loc); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
