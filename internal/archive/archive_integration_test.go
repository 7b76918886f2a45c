//go:build integration

package archive_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/duecall/duecall/internal/archive"
	"github.com/duecall/duecall/internal/jobs"
	"github.com/duecall/duecall/internal/migrations"
	"github.com/duecall/duecall/internal/queue"
	"github.com/duecall/duecall/internal/testutil"
)

var sharedPG *testutil.PGContainer

func TestMain(m *testing.M) {
	ctx := context.Background()
	pg, cleanup := testutil.StartPostgresForTestMain(ctx)
	sharedPG = pg
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// freshStore resets the schema, applies the migrations, and returns a Store.
func freshStore(t *testing.T, ctx context.Context) *jobs.Store {
	t.Helper()
	_, err := sharedPG.Pool.Exec(ctx, "DROP SCHEMA public CASCADE; CREATE SCHEMA public")
	if err != nil {
		t.Fatalf("resetting schema: %v", err)
	}
	runner := migrations.NewRunner(sharedPG.Pool, testutil.DiscardLogger())
	if err := runner.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrapping migrations: %v", err)
	}
	if _, err := runner.Run(ctx); err != nil {
		t.Fatalf("applying migrations: %v", err)
	}
	return jobs.NewStore(sharedPG.Pool)
}

type nullQueue struct{}

func (nullQueue) Submit(context.Context, queue.Task, time.Duration) error { return nil }

func taskCfg() jobs.TaskConfig {
	return jobs.TaskConfig{
		AppName:          "reports",
		UserID:           "u-1",
		AccountID:        "acct-1",
		TaskType:         "generate",
		CallbackURL:      "http://127.0.0.1:9/run",
		MaxRetries:       3,
		RetryBackoffBase: 60,
	}
}

// terminalJob submits an immediate job, moves it to the given status, logs
// one attempt, and optionally backdates updated_at.
func terminalJob(t *testing.T, ctx context.Context, store *jobs.Store, status jobs.Status, age string) string {
	t.Helper()
	sub := jobs.NewSubmitter(store, nullQueue{}, time.UTC, testutil.DiscardLogger())
	job, err := sub.RunImmediate(ctx, taskCfg(), jobs.Payload{"rows": 1})
	testutil.NoError(t, err)

	if status != jobs.StatusQueued {
		ok, err := store.TransitionStatus(ctx, job.ID, []jobs.Status{jobs.StatusQueued}, status)
		testutil.NoError(t, err)
		testutil.True(t, ok, "transition to %s should apply", status)
	}

	_, _, err = store.InsertLogIfAbsent(ctx, jobs.LogParams{
		JobID:          job.ID,
		EventType:      jobs.EventExecutionStarted,
		AttemptNumber:  1,
		IdempotencyKey: job.ID + "::started::1",
	})
	testutil.NoError(t, err)

	if age != "" {
		_, err = sharedPG.Pool.Exec(ctx,
			`UPDATE jobs SET updated_at = now() - $1::interval WHERE id = $2`, age, job.ID)
		testutil.NoError(t, err)
	}
	return job.ID
}

func TestSweepArchivesExpiredTerminalJobs(t *testing.T) {
	ctx := t.Context()
	store := freshStore(t, ctx)

	oldCompleted := terminalJob(t, ctx, store, jobs.StatusCompleted, "40 days")
	oldFailed := terminalJob(t, ctx, store, jobs.StatusFailed, "35 days")
	freshCompleted := terminalJob(t, ctx, store, jobs.StatusCompleted, "")
	oldRunning := terminalJob(t, ctx, store, jobs.StatusRunning, "40 days")

	dir := t.TempDir()
	backend, err := archive.NewLocalBackend(dir)
	testutil.NoError(t, err)

	sw := archive.NewSweeper(store, backend, archive.Config{RetentionDays: 30}, testutil.DiscardLogger())

	n, err := sw.SweepOnce(ctx)
	testutil.NoError(t, err)
	testutil.Equal(t, 2, n)

	// The two expired terminal jobs are gone; everything else survives.
	_, err = store.GetJob(ctx, oldCompleted)
	testutil.True(t, errors.Is(err, jobs.ErrNotFound), "archived job should be deleted")
	_, err = store.GetJob(ctx, oldFailed)
	testutil.True(t, errors.Is(err, jobs.ErrNotFound), "archived job should be deleted")

	still, err := store.GetJob(ctx, freshCompleted)
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusCompleted, still.Status)
	running, err := store.GetJob(ctx, oldRunning)
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusRunning, running.Status)

	// Logs cascade with the job rows.
	logs, err := store.LogsForJob(ctx, oldCompleted)
	testutil.NoError(t, err)
	testutil.SliceLen(t, logs, 0)

	// One batch file holding both records.
	matches, err := filepath.Glob(filepath.Join(dir, "*", "*", "*", "*.jsonl"))
	testutil.NoError(t, err)
	testutil.SliceLen(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	testutil.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	testutil.SliceLen(t, lines, 2)

	found := map[string]bool{}
	for _, line := range lines {
		var rec archive.Record
		testutil.NoError(t, json.Unmarshal([]byte(line), &rec))
		found[rec.Job.ID] = true
		testutil.SliceLen(t, rec.Logs, 1)
		testutil.Equal(t, jobs.EventExecutionStarted, rec.Logs[0].EventType)
	}
	testutil.True(t, found[oldCompleted] && found[oldFailed], "batch should hold both expired jobs")

	// A second sweep finds nothing left.
	n, err = sw.SweepOnce(ctx)
	testutil.NoError(t, err)
	testutil.Equal(t, 0, n)
}
