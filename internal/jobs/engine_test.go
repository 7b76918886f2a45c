//go:build integration

package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/duecall/duecall/internal/callback"
	"github.com/duecall/duecall/internal/jobs"
	"github.com/duecall/duecall/internal/queue"
	"github.com/duecall/duecall/internal/ratelimit"
	"github.com/duecall/duecall/internal/testutil"
)

func TestImmediateJobLifecycle(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t, ctx)
	q := &fakeQueue{}
	pub := &recordingPublisher{}
	rec := &bodyRecorder{}

	worker := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		fmt.Fprint(w, `{"ok": true}`)
	})

	sub := jobs.NewSubmitter(store, q, time.UTC, testutil.DiscardLogger())
	job, err := sub.RunImmediate(ctx, taskConfig(worker.URL), jobs.Payload{"x": 1})
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusQueued, job.Status)

	s := q.last(t)
	testutil.Equal(t, job.ID, s.task.JobID)
	testutil.Equal(t, 1, s.task.Attempt)
	testutil.Equal(t, time.Duration(0), s.delay)

	engine := newEngine(store, q, &fakeLimiter{}, pub, nil)
	engine.Run(ctx, s.task)

	testutil.Equal(t, jobs.StatusCompleted, jobStatus(t, ctx, store, job.ID))

	kinds := logKinds(t, ctx, store, job.ID)
	testutil.SliceLen(t, kinds, 2)
	testutil.Equal(t, "execution_started", kinds[0])
	testutil.Equal(t, "execution_completed", kinds[1])

	bodies := rec.all()
	testutil.SliceLen(t, bodies, 1)
	testutil.Equal(t, job.ID+"_1", bodies[0]["idempotency_key"].(string))
	testutil.Equal(t, float64(1), bodies[0]["payload"].(map[string]any)["x"].(float64))
	_, hasJobID := bodies[0]["job_id"]
	testutil.False(t, hasJobID, "non-polling callbacks carry no job_id")

	statuses := pub.statuses()
	testutil.SliceLen(t, statuses, 2)
	testutil.Equal(t, "running", statuses[0])
	testutil.Equal(t, "completed", statuses[1])
}

func TestRunAtSchedulesDelayedDelivery(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t, ctx)
	q := &fakeQueue{}

	sub := jobs.NewSubmitter(store, q, time.UTC, testutil.DiscardLogger())
	at := time.Now().Add(120 * time.Second)
	job, err := sub.RunAt(ctx, taskConfig("https://w.example"), nil, at)
	testutil.NoError(t, err)

	got, err := store.GetJob(ctx, job.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.ScheduleRunAt, got.ScheduleType)
	testutil.NotNil(t, got.ScheduledAt)
	diff := got.ScheduledAt.Sub(at.UTC())
	testutil.True(t, diff > -time.Second && diff < time.Second,
		"scheduled_at should be run_at, off by %v", diff)

	s := q.last(t)
	testutil.Equal(t, 1, s.task.Attempt)
	testutil.True(t, s.delay > 115*time.Second && s.delay <= 120*time.Second,
		"delay should be about 120s, got %v", s.delay)
}

func TestTransientRetryThenSuccess(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t, ctx)
	q := &fakeQueue{}
	pub := &recordingPublisher{}

	var calls atomic.Int64
	worker := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"ok": true}`)
	})

	sub := jobs.NewSubmitter(store, q, time.UTC, testutil.DiscardLogger())
	job, err := sub.RunImmediate(ctx, taskConfig(worker.URL), nil)
	testutil.NoError(t, err)

	engine := newEngine(store, q, &fakeLimiter{}, pub, nil)
	engine.Run(ctx, q.all()[0].task)

	// A transient failure keeps the job running while the retry waits.
	testutil.Equal(t, jobs.StatusRunning, jobStatus(t, ctx, store, job.ID))

	retry := q.last(t)
	testutil.Equal(t, 2, retry.task.Attempt)
	testutil.Equal(t, 60*time.Second, retry.delay)

	logs, err := store.RecentLogs(ctx, job.ID, 10)
	testutil.NoError(t, err)
	failed := logs[0]
	testutil.Equal(t, jobs.EventExecutionFailed, failed.EventType)
	testutil.Equal(t, jobs.ErrorTransient, *failed.ErrorType)
	testutil.Equal(t, float64(503), failed.Metadata["status_code"].(float64))

	engine.Run(ctx, retry.task)

	testutil.Equal(t, jobs.StatusCompleted, jobStatus(t, ctx, store, job.ID))
	kinds := logKinds(t, ctx, store, job.ID)
	testutil.SliceLen(t, kinds, 4)
	testutil.Equal(t, "execution_started", kinds[0])
	testutil.Equal(t, "execution_failed", kinds[1])
	testutil.Equal(t, "execution_started", kinds[2])
	testutil.Equal(t, "execution_completed", kinds[3])
	testutil.Equal(t, int64(2), calls.Load())
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t, ctx)
	q := &fakeQueue{}
	pub := &recordingPublisher{}
	alerter := &fakeAlerter{}

	worker := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	})

	sub := jobs.NewSubmitter(store, q, time.UTC, testutil.DiscardLogger())
	job, err := sub.RunImmediate(ctx, taskConfig(worker.URL), nil)
	testutil.NoError(t, err)

	engine := newEngine(store, q, &fakeLimiter{}, pub, alerter)
	engine.Run(ctx, q.last(t).task)

	testutil.Equal(t, jobs.StatusFailed, jobStatus(t, ctx, store, job.ID))
	// Only the original submission; permanent failures never requeue.
	testutil.Equal(t, 1, q.count())

	logs, err := store.RecentLogs(ctx, job.ID, 10)
	testutil.NoError(t, err)
	failed := logs[0]
	testutil.Equal(t, jobs.EventExecutionFailed, failed.EventType)
	testutil.Equal(t, jobs.ErrorPermanent, *failed.ErrorType)
	testutil.Equal(t, float64(400), failed.Metadata["status_code"].(float64))
	testutil.Contains(t, failed.IdempotencyKey, "::failure::1")

	reasons := alerter.all()
	testutil.SliceLen(t, reasons, 1)
	testutil.Contains(t, reasons[0], "400")

	statuses := pub.statuses()
	testutil.SliceLen(t, statuses, 3)
	testutil.Equal(t, "running", statuses[0])
	testutil.Equal(t, "running", statuses[1]) // failure log rides a running update
	testutil.Equal(t, "failed", statuses[2])
}

func TestRateLimitPauseKeepsAttemptNumber(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t, ctx)
	q := &fakeQueue{}
	pub := &recordingPublisher{}
	rec := &bodyRecorder{}

	worker := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		fmt.Fprint(w, `{"ok": true}`)
	})

	limiter := &fakeLimiter{results: []ratelimit.Result{
		{Allowed: false, RetryAfter: 42 * time.Second},
	}}

	sub := jobs.NewSubmitter(store, q, time.UTC, testutil.DiscardLogger())
	job, err := sub.RunImmediate(ctx, taskConfig(worker.URL), nil)
	testutil.NoError(t, err)

	engine := newEngine(store, q, limiter, pub, nil)
	engine.Run(ctx, q.all()[0].task)

	testutil.Equal(t, jobs.StatusPausedRateLimited, jobStatus(t, ctx, store, job.ID))
	testutil.SliceLen(t, rec.all(), 0)

	resub := q.last(t)
	testutil.Equal(t, 1, resub.task.Attempt)
	testutil.Equal(t, 42*time.Second, resub.delay)

	logs, err := store.RecentLogs(ctx, job.ID, 10)
	testutil.NoError(t, err)
	paused := logs[0]
	testutil.Equal(t, jobs.EventRateLimited, paused.EventType)
	testutil.Equal(t, float64(42), paused.Metadata["wait_seconds"].(float64))

	// The window cleared; the redelivery carries the same attempt.
	engine.Run(ctx, resub.task)

	testutil.Equal(t, jobs.StatusCompleted, jobStatus(t, ctx, store, job.ID))
	bodies := rec.all()
	testutil.SliceLen(t, bodies, 1)
	testutil.Equal(t, job.ID+"_1", bodies[0]["idempotency_key"].(string))

	// Both deliveries converged on one started row for attempt 1.
	started := 0
	logs, err = store.RecentLogs(ctx, job.ID, 10)
	testutil.NoError(t, err)
	for _, l := range logs {
		if l.EventType == jobs.EventExecutionStarted {
			started++
			testutil.Equal(t, 1, l.AttemptNumber)
		}
	}
	testutil.Equal(t, 1, started)

	statuses := pub.statuses()
	testutil.SliceLen(t, statuses, 4)
	testutil.Equal(t, "running", statuses[0])
	testutil.Equal(t, "paused_rate_limited", statuses[1])
	testutil.Equal(t, "running", statuses[2])
	testutil.Equal(t, "completed", statuses[3])
}

func TestPollingTwoStep(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t, ctx)
	q := &fakeQueue{}
	pub := &recordingPublisher{}
	rec := &bodyRecorder{}

	var calls atomic.Int64
	worker := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		if calls.Add(1) == 1 {
			fmt.Fprint(w, `{"polling_state": {"last_row_index": 100}, "done": false}`)
			return
		}
		fmt.Fprint(w, `{"polling_state": {"last_row_index": 200}, "done": true}`)
	})

	sub := jobs.NewSubmitter(store, q, time.UTC, testutil.DiscardLogger())
	job, err := sub.RunPolling(ctx, taskConfig(worker.URL), jobs.Payload{"source": "db"}, 10)
	testutil.NoError(t, err)

	engine := newEngine(store, q, &fakeLimiter{}, pub, nil)
	engine.Run(ctx, q.all()[0].task)

	// Not done: state persisted, job parked, next poll queued.
	mid, err := store.GetJob(ctx, job.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusQueued, mid.Status)
	testutil.Equal(t, float64(100), mid.PollingState["last_row_index"].(float64))

	next := q.last(t)
	testutil.Equal(t, 1, next.task.Attempt)
	testutil.Equal(t, 10*time.Second, next.delay)

	engine.Run(ctx, next.task)

	final, err := store.GetJob(ctx, job.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusCompleted, final.Status)
	testutil.Equal(t, float64(200), final.PollingState["last_row_index"].(float64))

	// The first poll's body echoed the empty initial state; the second
	// echoed what the first poll returned.
	bodies := rec.all()
	testutil.SliceLen(t, bodies, 2)
	testutil.Equal(t, job.ID, bodies[0]["job_id"].(string))
	testutil.MapLen(t, bodies[0]["polling_state"].(map[string]any), 0)
	testutil.Equal(t, float64(100), bodies[1]["polling_state"].(map[string]any)["last_row_index"].(float64))

	// Each poll re-enters at attempt 1, so the started rows converge while
	// the stream still sees one start per invocation.
	logs, err := store.RecentLogs(ctx, job.ID, 20)
	testutil.NoError(t, err)
	started, completed := 0, 0
	for _, l := range logs {
		switch l.EventType {
		case jobs.EventExecutionStarted:
			started++
		case jobs.EventExecutionCompleted:
			completed++
		}
	}
	testutil.Equal(t, 1, started)
	testutil.Equal(t, 1, completed)

	statuses := pub.statuses()
	testutil.SliceLen(t, statuses, 4)
	testutil.Equal(t, "running", statuses[0])
	testutil.Equal(t, "queued", statuses[1])
	testutil.Equal(t, "running", statuses[2])
	testutil.Equal(t, "completed", statuses[3])
}

func TestPollingNonJSONResponseMeansNotDone(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t, ctx)
	q := &fakeQueue{}

	worker := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "plain text, not json")
	})

	sub := jobs.NewSubmitter(store, q, time.UTC, testutil.DiscardLogger())
	job, err := sub.RunPolling(ctx, taskConfig(worker.URL), nil, 5)
	testutil.NoError(t, err)

	engine := newEngine(store, q, &fakeLimiter{}, nil, nil)
	engine.Run(ctx, q.all()[0].task)

	got, err := store.GetJob(ctx, job.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusQueued, got.Status)
	testutil.MapLen(t, got.PollingState, 0)
	testutil.Equal(t, 5*time.Second, q.last(t).delay)
}

func TestEmptyCallbackURLCompletesWithoutCall(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t, ctx)
	q := &fakeQueue{}

	cfg := taskConfig("")
	sub := jobs.NewSubmitter(store, q, time.UTC, testutil.DiscardLogger())
	job, err := sub.RunImmediate(ctx, cfg, jobs.Payload{"x": 1})
	testutil.NoError(t, err)

	engine := newEngine(store, q, &fakeLimiter{}, nil, nil)
	engine.Run(ctx, q.last(t).task)

	testutil.Equal(t, jobs.StatusCompleted, jobStatus(t, ctx, store, job.ID))
	kinds := logKinds(t, ctx, store, job.ID)
	testutil.SliceLen(t, kinds, 2)
	testutil.Equal(t, "execution_completed", kinds[1])
}

func TestCronJobReparksAfterRun(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t, ctx)
	q := &fakeQueue{}
	pub := &recordingPublisher{}

	worker := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok": true}`)
	})

	sub := jobs.NewSubmitter(store, q, time.UTC, testutil.DiscardLogger())
	job, err := sub.RunCron(ctx, taskConfig(worker.URL), nil, "*/5 * * * *")
	testutil.NoError(t, err)

	// Cron submissions park the job for the driver; nothing is queued yet.
	testutil.Equal(t, 0, q.count())
	testutil.NotNil(t, job.ScheduledAt)
	testutil.True(t, job.ScheduledAt.After(time.Now()), "first fire should be in the future")

	// Deliver one tick the way the cron driver would.
	engine := newEngine(store, q, &fakeLimiter{}, pub, nil)
	engine.Run(ctx, queue.Task{JobID: job.ID, Attempt: 1})

	testutil.Equal(t, jobs.StatusQueued, jobStatus(t, ctx, store, job.ID))
	kinds := logKinds(t, ctx, store, job.ID)
	testutil.SliceLen(t, kinds, 2)
	testutil.Equal(t, "execution_started", kinds[0])
	testutil.Equal(t, "execution_completed", kinds[1])

	statuses := pub.statuses()
	testutil.SliceLen(t, statuses, 3)
	testutil.Equal(t, "running", statuses[0])
	testutil.Equal(t, "completed", statuses[1])
	testutil.Equal(t, "queued", statuses[2])
}

func TestCancelledJobDeliveryIsDropped(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t, ctx)
	q := &fakeQueue{}
	pub := &recordingPublisher{}
	rec := &bodyRecorder{}

	worker := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		fmt.Fprint(w, `{"ok": true}`)
	})

	sub := jobs.NewSubmitter(store, q, time.UTC, testutil.DiscardLogger())
	job, err := sub.RunImmediate(ctx, taskConfig(worker.URL), nil)
	testutil.NoError(t, err)

	ok, err := store.TransitionStatus(ctx, job.ID, []jobs.Status{jobs.StatusQueued}, jobs.StatusCancelled)
	testutil.NoError(t, err)
	testutil.True(t, ok, "cancel should win while queued")

	engine := newEngine(store, q, &fakeLimiter{}, pub, nil)
	engine.Run(ctx, q.last(t).task)

	testutil.Equal(t, jobs.StatusCancelled, jobStatus(t, ctx, store, job.ID))
	testutil.SliceLen(t, rec.all(), 0)
	testutil.SliceLen(t, pub.statuses(), 0)
	logs, err := store.RecentLogs(ctx, job.ID, 10)
	testutil.NoError(t, err)
	testutil.SliceLen(t, logs, 0)
}

func TestDoubleDeliveryConverges(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t, ctx)
	q := &fakeQueue{}
	rec := &bodyRecorder{}

	worker := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		fmt.Fprint(w, `{"ok": true}`)
	})

	sub := jobs.NewSubmitter(store, q, time.UTC, testutil.DiscardLogger())
	job, err := sub.RunImmediate(ctx, taskConfig(worker.URL), nil)
	testutil.NoError(t, err)

	engine := newEngine(store, q, &fakeLimiter{}, nil, nil)
	task := q.last(t).task
	engine.Run(ctx, task)
	engine.Run(ctx, task)

	testutil.Equal(t, jobs.StatusCompleted, jobStatus(t, ctx, store, job.ID))
	testutil.SliceLen(t, rec.all(), 1)
	kinds := logKinds(t, ctx, store, job.ID)
	testutil.SliceLen(t, kinds, 2)
}

// errorCallbacks fails every call with an unclassified error.
type errorCallbacks struct{ err error }

func (c errorCallbacks) Call(context.Context, string, any) (*callback.Response, error) {
	return nil, c.err
}

// panicCallbacks blows up mid-attempt.
type panicCallbacks struct{}

func (panicCallbacks) Call(context.Context, string, any) (*callback.Response, error) {
	panic("worker client corrupted")
}

func TestGenericFailureRetriesAsTransient(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t, ctx)
	q := &fakeQueue{}

	sub := jobs.NewSubmitter(store, q, time.UTC, testutil.DiscardLogger())
	job, err := sub.RunImmediate(ctx, taskConfig("https://w.example"), nil)
	testutil.NoError(t, err)

	engine := jobs.NewEngine(jobs.EngineDeps{
		Store:     store,
		Queue:     q,
		Limiter:   &fakeLimiter{},
		Callbacks: errorCallbacks{errors.New("boom")},
	}, jobs.DefaultEngineConfig(), testutil.DiscardLogger())
	engine.Run(ctx, q.last(t).task)

	testutil.Equal(t, jobs.StatusRunning, jobStatus(t, ctx, store, job.ID))
	retry := q.last(t)
	testutil.Equal(t, 2, retry.task.Attempt)
	testutil.Equal(t, 60*time.Second, retry.delay)

	logs, err := store.RecentLogs(ctx, job.ID, 10)
	testutil.NoError(t, err)
	failed := logs[0]
	testutil.Equal(t, jobs.EventExecutionFailed, failed.EventType)
	testutil.Equal(t, jobs.ErrorTransient, *failed.ErrorType)
	testutil.Contains(t, failed.IdempotencyKey, "::exception::1")
	testutil.Contains(t, failed.Metadata["message"].(string), "boom")
	_, hasCode := failed.Metadata["status_code"]
	testutil.False(t, hasCode, "generic failures carry no status_code")
}

func TestPanicDuringAttemptIsRecovered(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t, ctx)
	q := &fakeQueue{}

	sub := jobs.NewSubmitter(store, q, time.UTC, testutil.DiscardLogger())
	job, err := sub.RunImmediate(ctx, taskConfig("https://w.example"), nil)
	testutil.NoError(t, err)

	engine := jobs.NewEngine(jobs.EngineDeps{
		Store:     store,
		Queue:     q,
		Limiter:   &fakeLimiter{},
		Callbacks: panicCallbacks{},
	}, jobs.DefaultEngineConfig(), testutil.DiscardLogger())
	engine.Run(ctx, q.last(t).task)

	testutil.Equal(t, jobs.StatusRunning, jobStatus(t, ctx, store, job.ID))
	logs, err := store.RecentLogs(ctx, job.ID, 10)
	testutil.NoError(t, err)
	failed := logs[0]
	testutil.Equal(t, jobs.EventExecutionFailed, failed.EventType)
	testutil.Contains(t, failed.IdempotencyKey, "::exception::1")
	testutil.Contains(t, failed.Metadata["message"].(string), "panic")
	testutil.Equal(t, 2, q.last(t).task.Attempt)
}

func TestRetriesExhaustAfterMaxRetriesPlusOne(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t, ctx)
	q := &fakeQueue{}
	alerter := &fakeAlerter{}

	worker := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})

	cfg := taskConfig(worker.URL)
	cfg.MaxRetries = 1
	cfg.RetryBackoffBase = 30

	sub := jobs.NewSubmitter(store, q, time.UTC, testutil.DiscardLogger())
	job, err := sub.RunImmediate(ctx, cfg, nil)
	testutil.NoError(t, err)

	engine := newEngine(store, q, &fakeLimiter{}, nil, alerter)

	// Attempt 1 fails and schedules attempt 2: the n <= max_retries rule
	// allows max_retries+1 total attempts.
	engine.Run(ctx, q.all()[0].task)
	testutil.Equal(t, jobs.StatusRunning, jobStatus(t, ctx, store, job.ID))
	retry := q.last(t)
	testutil.Equal(t, 2, retry.task.Attempt)
	testutil.Equal(t, 30*time.Second, retry.delay)

	// Attempt 2 fails and exhausts the budget.
	engine.Run(ctx, retry.task)
	testutil.Equal(t, jobs.StatusFailed, jobStatus(t, ctx, store, job.ID))
	testutil.Equal(t, 2, q.count())
	testutil.SliceLen(t, alerter.all(), 1)

	failureKeys := 0
	logs, err := store.RecentLogs(ctx, job.ID, 20)
	testutil.NoError(t, err)
	for _, l := range logs {
		if strings.Contains(l.IdempotencyKey, "::failure::") {
			failureKeys++
		}
	}
	testutil.Equal(t, 2, failureKeys)
}

func TestLimiterErrorFailsOpen(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t, ctx)
	q := &fakeQueue{}
	rec := &bodyRecorder{}

	worker := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		fmt.Fprint(w, `{"ok": true}`)
	})

	sub := jobs.NewSubmitter(store, q, time.UTC, testutil.DiscardLogger())
	job, err := sub.RunImmediate(ctx, taskConfig(worker.URL), nil)
	testutil.NoError(t, err)

	limiter := &fakeLimiter{err: errors.New("redis down")}
	engine := newEngine(store, q, limiter, nil, nil)
	engine.Run(ctx, q.last(t).task)

	testutil.Equal(t, jobs.StatusCompleted, jobStatus(t, ctx, store, job.ID))
	testutil.SliceLen(t, rec.all(), 1)
}
