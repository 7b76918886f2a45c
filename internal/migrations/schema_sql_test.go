package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/duecall/duecall/internal/testutil"
)

func TestSchemaSQLConstraints(t *testing.T) {
	t.Parallel()

	read := func(t *testing.T, name string) string {
		t.Helper()
		b, err := fs.ReadFile(embeddedMigrations, "sql/"+name)
		testutil.NoError(t, err)
		return string(b)
	}

	sql001 := read(t, "001_app_users.sql")
	testutil.True(t, strings.Contains(sql001, "app_users"),
		"001 must create app_users table")
	testutil.True(t, strings.Contains(sql001, "UNIQUE (app_name, external_user_id)"),
		"001 must enforce unique tenant identity")

	sql002 := read(t, "002_jobs.sql")
	testutil.True(t, strings.Contains(sql002, "CHECK (status IN ('pending', 'queued', 'running', 'completed', 'failed', 'cancelled', 'paused_rate_limited'))"),
		"002 must enforce allowed status values")
	testutil.True(t, strings.Contains(sql002, "CHECK (schedule_type IN ('immediate', 'run_at', 'cron', 'delay_from_now', 'polling'))"),
		"002 must enforce allowed schedule types")
	testutil.True(t, strings.Contains(sql002, "jobs_cron_has_expression"),
		"002 must require cron expressions on cron jobs")
	testutil.True(t, strings.Contains(sql002, "jobs_polling_has_interval"),
		"002 must require positive polling intervals")
	testutil.True(t, strings.Contains(sql002, "ON DELETE CASCADE"),
		"002 must cascade job deletion from app_users")
	testutil.True(t, strings.Contains(sql002, "idx_jobs_app_status"),
		"002 must index (app_name, status)")
	testutil.True(t, strings.Contains(sql002, "idx_jobs_scheduled_status"),
		"002 must index (scheduled_at, status)")
	testutil.True(t, strings.Contains(sql002, "idx_jobs_account"),
		"002 must index account_id")

	sql003 := read(t, "003_job_logs.sql")
	testutil.True(t, strings.Contains(sql003, "CHECK (event_type IN ('execution_started', 'rate_limited', 'execution_completed', 'execution_failed'))"),
		"003 must enforce allowed event types")
	testutil.True(t, strings.Contains(sql003, "CHECK (attempt_number >= 1)"),
		"003 must enforce positive attempt numbers")
	testutil.True(t, strings.Contains(sql003, "idx_job_logs_idempotency"),
		"003 must create the unique idempotency index")
	testutil.True(t, strings.Contains(sql003, "idx_job_logs_job_created"),
		"003 must index (job_id, created_at)")
	testutil.True(t, strings.Contains(sql003, "ON DELETE CASCADE"),
		"003 must cascade log deletion from jobs")
}
