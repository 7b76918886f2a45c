//go:build integration

package jobs_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/duecall/duecall/internal/callback"
	"github.com/duecall/duecall/internal/jobs"
	"github.com/duecall/duecall/internal/migrations"
	"github.com/duecall/duecall/internal/queue"
	"github.com/duecall/duecall/internal/ratelimit"
	"github.com/duecall/duecall/internal/realtime"
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

// submission is one recorded queue submit.
type submission struct {
	task  queue.Task
	delay time.Duration
}

// fakeQueue records submissions instead of delivering them; tests drive the
// engine directly with the recorded tasks.
type fakeQueue struct {
	mu   sync.Mutex
	subs []submission
}

func (q *fakeQueue) Submit(_ context.Context, task queue.Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subs = append(q.subs, submission{task: task, delay: delay})
	return nil
}

func (q *fakeQueue) all() []submission {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]submission, len(q.subs))
	copy(out, q.subs)
	return out
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}

// last fails the test when nothing was submitted.
func (q *fakeQueue) last(t *testing.T) submission {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.subs) == 0 {
		t.Fatal("no queue submissions recorded")
	}
	return q.subs[len(q.subs)-1]
}

// fakeRunner adds no-op consumer lifecycle so a fakeQueue can stand in for
// the real queue under a Service.
type fakeRunner struct {
	fakeQueue
}

func (q *fakeRunner) Start(ctx context.Context, handle queue.Handler) {}
func (q *fakeRunner) Stop()                                           {}

// fakeLimiter returns scripted results in order, then allows everything.
type fakeLimiter struct {
	mu      sync.Mutex
	results []ratelimit.Result
	err     error
	calls   int
}

func (l *fakeLimiter) Check(_ context.Context, accountID string) (ratelimit.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return ratelimit.Result{}, l.err
	}
	if len(l.results) == 0 {
		return ratelimit.Result{Allowed: true}, nil
	}
	r := l.results[0]
	l.results = l.results[1:]
	return r, nil
}

// recordingPublisher captures the engine's status updates in order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []*realtime.Event
}

func (p *recordingPublisher) Publish(ev *realtime.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Status
	}
	return out
}

// fakeAlerter records failure notifications.
type fakeAlerter struct {
	mu      sync.Mutex
	reasons []string
}

func (a *fakeAlerter) JobFailed(_ context.Context, _ *jobs.Job, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reasons = append(a.reasons, reason)
}

func (a *fakeAlerter) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.reasons))
	copy(out, a.reasons)
	return out
}

// newWorker stands in for an external job worker.
func newWorker(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// bodyRecorder captures decoded callback bodies across worker goroutines.
type bodyRecorder struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (r *bodyRecorder) record(req *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(req.Body).Decode(&body)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, body)
}

func (r *bodyRecorder) all() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]any, len(r.bodies))
	copy(out, r.bodies)
	return out
}

// newEngine wires an Engine over real HTTP callbacks and the given fakes.
func newEngine(store *jobs.Store, q jobs.TaskQueue, limiter jobs.RateLimiter, pub jobs.Publisher, alerter jobs.Alerter) *jobs.Engine {
	return jobs.NewEngine(jobs.EngineDeps{
		Store:     store,
		Queue:     q,
		Limiter:   limiter,
		Callbacks: callback.NewClient(5 * time.Second),
		Publisher: pub,
		Alerter:   alerter,
	}, jobs.DefaultEngineConfig(), testutil.DiscardLogger())
}

// taskConfig is a registry-resolved submission target pointing at url.
func taskConfig(url string) jobs.TaskConfig {
	return jobs.TaskConfig{
		AppName:          "reports",
		UserID:           "u-1",
		AccountID:        "acct-1",
		TaskType:         "generate",
		CallbackURL:      url,
		MaxRetries:       3,
		RetryBackoffBase: 60,
	}
}

// logKinds returns the (event_type, attempt) pairs for a job, oldest first.
func logKinds(t *testing.T, ctx context.Context, store *jobs.Store, jobID string) []string {
	t.Helper()
	logs, err := store.RecentLogs(ctx, jobID, 50)
	testutil.NoError(t, err)
	out := make([]string, len(logs))
	for i := range logs {
		l := logs[len(logs)-1-i]
		out[i] = string(l.EventType)
	}
	return out
}

// jobStatus reloads the job and returns its status.
func jobStatus(t *testing.T, ctx context.Context, store *jobs.Store, jobID string) jobs.Status {
	t.Helper()
	job, err := store.GetJob(ctx, jobID)
	testutil.NoError(t, err)
	return job.Status
}
