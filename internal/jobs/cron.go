package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/duecall/duecall/internal/queue"
)

// NextFire returns the first fire time strictly after ref for a standard
// five-field cron expression, evaluated in loc and returned in UTC.
func NextFire(expr string, ref time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if !gronx.New().IsValid(expr) {
		return time.Time{}, fmt.Errorf("invalid cron expression %q", expr)
	}
	next, err := gronx.NextTickAfter(expr, ref.In(loc), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("computing next fire for %q: %w", expr, err)
	}
	return next.UTC(), nil
}

// CronDriver fires recurring jobs. Each sweep claims due cron jobs by
// advancing their cursor to the next fire time before enqueueing, so
// concurrent sweeps deliver each tick at most once.
type CronDriver struct {
	store    *Store
	queue    TaskQueue
	timezone *time.Location
	logger   *slog.Logger
}

// NewCronDriver creates a CronDriver. tz is the zone cron expressions are
// evaluated in; nil means UTC.
func NewCronDriver(store *Store, q TaskQueue, tz *time.Location, logger *slog.Logger) *CronDriver {
	if tz == nil {
		tz = time.UTC
	}
	return &CronDriver{store: store, queue: q, timezone: tz, logger: logger}
}

// Sweep fires every cron job whose cursor is at or before now and returns
// how many it enqueued. Jobs with unparseable expressions are skipped and
// retried on the next sweep.
func (d *CronDriver) Sweep(ctx context.Context, now time.Time) (int, error) {
	due, err := d.store.DueCronJobs(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("listing due cron jobs: %w", err)
	}

	fired := 0
	for i := range due {
		job := &due[i]
		if job.CronExpression == nil || job.ScheduledAt == nil {
			continue
		}
		next, err := NextFire(*job.CronExpression, now, d.timezone)
		if err != nil {
			d.logger.Warn("skipping cron job", "job_id", job.ID, "error", err)
			continue
		}
		advanced, err := d.store.AdvanceCronSchedule(ctx, job.ID, *job.ScheduledAt, next)
		if err != nil {
			d.logger.Error("advancing cron schedule", "job_id", job.ID, "error", err)
			continue
		}
		if !advanced {
			continue
		}
		if err := d.queue.Submit(ctx, queue.Task{JobID: job.ID, Attempt: 1}, 0); err != nil {
			// The cursor already moved; this tick is lost but the next
			// one fires on schedule.
			d.logger.Error("enqueueing cron tick", "job_id", job.ID, "error", err)
			continue
		}
		fired++
	}
	return fired, nil
}
