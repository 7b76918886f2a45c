package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = errors.New("job not found")

// Store handles database operations for jobs and their logs.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new job Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const jobColumns = `id, app_name, user_id, account_id, board_id, task_type, status,
	schedule_type, scheduled_at, cron_expression, polling_interval_seconds,
	polling_state, payload, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.AppName, &j.UserID, &j.AccountID, &j.BoardID, &j.TaskType,
		&j.Status, &j.ScheduleType, &j.ScheduledAt, &j.CronExpression,
		&j.PollingIntervalSeconds, &j.PollingState, &j.Payload,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]Job, error) {
	var result []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(
			&j.ID, &j.AppName, &j.UserID, &j.AccountID, &j.BoardID, &j.TaskType,
			&j.Status, &j.ScheduleType, &j.ScheduledAt, &j.CronExpression,
			&j.PollingIntervalSeconds, &j.PollingState, &j.Payload,
			&j.CreatedAt, &j.UpdatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

const userColumns = `id, app_name, external_user_id, created_at`

func scanUser(row pgx.Row) (*AppUser, error) {
	var u AppUser
	err := row.Scan(&u.ID, &u.AppName, &u.ExternalUserID, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetOrCreateUser returns the tenant user for (appName, externalUserID),
// creating it on first submission.
func (s *Store) GetOrCreateUser(ctx context.Context, appName, externalUserID string) (*AppUser, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO app_users (app_name, external_user_id)
		 VALUES ($1, $2)
		 ON CONFLICT (app_name, external_user_id) DO NOTHING
		 RETURNING `+userColumns,
		appName, externalUserID,
	)
	u, err := scanUser(row)
	if err == pgx.ErrNoRows {
		// Already existed, fetch it. Users are never deleted, so the
		// row is still there.
		row = s.pool.QueryRow(ctx,
			`SELECT `+userColumns+` FROM app_users
			 WHERE app_name = $1 AND external_user_id = $2`,
			appName, externalUserID,
		)
		return scanUser(row)
	}
	return u, err
}

// CreateJob inserts a new job.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (*Job, error) {
	if p.Payload == nil {
		p.Payload = Payload{}
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO jobs (app_name, user_id, account_id, board_id, task_type, status,
			schedule_type, scheduled_at, cron_expression, polling_interval_seconds,
			polling_state, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING `+jobColumns,
		p.AppName, p.UserID, p.AccountID, p.BoardID, p.TaskType, p.Status,
		p.ScheduleType, p.ScheduledAt, p.CronExpression, p.PollingIntervalSeconds,
		p.PollingState, p.Payload,
	)
	return scanJob(row)
}

// GetJob returns a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`,
		jobID,
	)
	j, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return j, err
}

// UpdateJobFields applies a partial update; nil fields are untouched and
// updated_at always advances.
func (s *Store) UpdateJobFields(ctx context.Context, jobID string, u JobUpdate) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{jobID}
	argN := 2

	if u.Status != nil {
		sets = append(sets, fmt.Sprintf("status = $%d", argN))
		args = append(args, *u.Status)
		argN++
	}
	if u.ScheduledAt != nil {
		sets = append(sets, fmt.Sprintf("scheduled_at = $%d", argN))
		args = append(args, *u.ScheduledAt)
		argN++
	}
	if u.PollingState != nil {
		sets = append(sets, fmt.Sprintf("polling_state = $%d", argN))
		args = append(args, u.PollingState)
	}

	tag, err := s.pool.Exec(ctx,
		"UPDATE jobs SET "+strings.Join(sets, ", ")+" WHERE id = $1",
		args...,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return nil
}

// TransitionStatus conditionally moves a job from any of the from statuses
// to the to status. Returns false when the job was not in a from status,
// which keeps replayed attempts from walking illegal edges.
func (s *Store) TransitionStatus(ctx context.Context, jobID string, from []Status, to Status) (bool, error) {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status = ANY($3)`,
		jobID, to, states,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const logColumns = `id, job_id, event_type, attempt_number, idempotency_key,
	error_type, metadata, created_at`

func scanLog(row pgx.Row) (*JobLog, error) {
	var l JobLog
	err := row.Scan(
		&l.ID, &l.JobID, &l.EventType, &l.AttemptNumber, &l.IdempotencyKey,
		&l.ErrorType, &l.Metadata, &l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// InsertLogIfAbsent writes a log entry unless its idempotency key already
// exists, in which case the existing row is returned with inserted=false.
// This is the only JobLog write path.
func (s *Store) InsertLogIfAbsent(ctx context.Context, p LogParams) (*JobLog, bool, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO job_logs (job_id, event_type, attempt_number, idempotency_key, error_type, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (idempotency_key) DO NOTHING
		 RETURNING `+logColumns,
		p.JobID, p.EventType, p.AttemptNumber, p.IdempotencyKey, p.ErrorType, p.Metadata,
	)
	l, err := scanLog(row)
	if err == pgx.ErrNoRows {
		row = s.pool.QueryRow(ctx,
			`SELECT `+logColumns+` FROM job_logs WHERE idempotency_key = $1`,
			p.IdempotencyKey,
		)
		l, err = scanLog(row)
		return l, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return l, true, nil
}

// RecentLogs returns the newest log entries for a job, newest first.
func (s *Store) RecentLogs(ctx context.Context, jobID string, limit int) ([]JobLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+logColumns+` FROM job_logs
		 WHERE job_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		jobID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []JobLog
	for rows.Next() {
		var l JobLog
		if err := rows.Scan(
			&l.ID, &l.JobID, &l.EventType, &l.AttemptNumber, &l.IdempotencyKey,
			&l.ErrorType, &l.Metadata, &l.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	if result == nil {
		result = []JobLog{}
	}
	return result, rows.Err()
}

// LogsForJob returns a job's complete log history, oldest first.
func (s *Store) LogsForJob(ctx context.Context, jobID string) ([]JobLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+logColumns+` FROM job_logs
		 WHERE job_id = $1
		 ORDER BY created_at, attempt_number`,
		jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []JobLog
	for rows.Next() {
		var l JobLog
		if err := rows.Scan(
			&l.ID, &l.JobID, &l.EventType, &l.AttemptNumber, &l.IdempotencyKey,
			&l.ErrorType, &l.Metadata, &l.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	if result == nil {
		result = []JobLog{}
	}
	return result, rows.Err()
}

// LastAttemptNumber returns the highest attempt recorded for a job, or 0
// when the job has never started.
func (s *Store) LastAttemptNumber(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(attempt_number), 0) FROM job_logs WHERE job_id = $1`,
		jobID,
	).Scan(&n)
	return n, err
}

// DueCronJobs returns cron jobs whose cursor has come due.
func (s *Store) DueCronJobs(ctx context.Context, now time.Time) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE schedule_type = 'cron'
		   AND status = 'queued'
		   AND scheduled_at IS NOT NULL
		   AND scheduled_at <= $1
		   AND cron_expression IS NOT NULL
		   AND cron_expression <> ''
		 ORDER BY scheduled_at`,
		now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// AdvanceCronSchedule moves a cron job's cursor from its current value to
// the next fire time. Returns false when another sweep already advanced it;
// the caller must not enqueue in that case.
func (s *Store) AdvanceCronSchedule(ctx context.Context, jobID string, from, to time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET scheduled_at = $3, updated_at = NOW()
		 WHERE id = $1 AND status = 'queued' AND scheduled_at = $2`,
		jobID, from, to,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// StalledJobs returns jobs stuck in running since before cutoff. Attempts
// die with their process; the recovery loop re-submits these.
func (s *Store) StalledJobs(ctx context.Context, cutoff time.Time, limit int) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'running' AND updated_at < $1
		 ORDER BY updated_at
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	argN := 1

	if f.AppName != "" {
		query += fmt.Sprintf(" AND app_name = $%d", argN)
		args = append(args, f.AppName)
		argN++
	}
	if f.AccountID != "" {
		query += fmt.Sprintf(" AND account_id = $%d", argN)
		args = append(args, f.AccountID)
		argN++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, f.Status)
		argN++
	}
	query += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	query += fmt.Sprintf(" LIMIT $%d", argN)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if jobs == nil {
		jobs = []Job{}
	}
	return jobs, err
}

// CountByStatus returns aggregate job counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// TerminalJobsBefore returns completed, failed, or cancelled jobs last
// touched before cutoff. Used by the archive sweep.
func (s *Store) TerminalJobsBefore(ctx context.Context, cutoff time.Time, limit int) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < $1
		 ORDER BY updated_at
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// DeleteJobs removes jobs by ID; logs cascade. Returns the number deleted.
func (s *Store) DeleteJobs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
