package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/duecall/duecall/internal/callback"
	"github.com/duecall/duecall/internal/queue"
	"github.com/duecall/duecall/internal/ratelimit"
	"github.com/duecall/duecall/internal/realtime"
)

// RateLimiter gates attempt starts per account.
type RateLimiter interface {
	Check(ctx context.Context, accountID string) (ratelimit.Result, error)
}

// CallbackClient invokes external worker endpoints.
type CallbackClient interface {
	Call(ctx context.Context, url string, body any) (*callback.Response, error)
}

// Publisher fans job updates out to live subscribers. Publish must not
// block; delivery failures are invisible to the engine.
type Publisher interface {
	Publish(event *realtime.Event)
}

// Alerter is told when a job fails for good.
type Alerter interface {
	JobFailed(ctx context.Context, job *Job, reason string)
}

// EngineConfig holds retry-policy fallbacks for payloads that do not carry
// their own max_retries or retry_backoff_base.
type EngineConfig struct {
	MaxRetries       int
	RetryBackoffBase int // seconds
}

// DefaultEngineConfig returns the stock retry policy.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{MaxRetries: 3, RetryBackoffBase: 60}
}

// EngineDeps are the collaborators an Engine drives. Publisher and Alerter
// may be nil.
type EngineDeps struct {
	Store     *Store
	Queue     TaskQueue
	Limiter   RateLimiter
	Callbacks CallbackClient
	Publisher Publisher
	Alerter   Alerter
}

// Engine executes one job attempt per queue delivery. Every path through an
// attempt ends in a store write or a log line; nothing escapes back to the
// queue except explicit resubmissions.
type Engine struct {
	store     *Store
	queue     TaskQueue
	limiter   RateLimiter
	callbacks CallbackClient
	publisher Publisher
	alerter   Alerter
	cfg       EngineConfig
	logger    *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(deps EngineDeps, cfg EngineConfig, logger *slog.Logger) *Engine {
	return &Engine{
		store:     deps.Store,
		queue:     deps.Queue,
		limiter:   deps.Limiter,
		callbacks: deps.Callbacks,
		publisher: deps.Publisher,
		alerter:   deps.Alerter,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run executes one delivery. Redeliveries of the same (job, attempt) are
// safe: logs dedupe on their idempotency keys and status writes only walk
// legal edges.
//
// paused_rate_limited is a legal entry state alongside queued and running:
// the pause path resubmits the same attempt after the window clears, and
// that delivery must be allowed back in.
func (e *Engine) Run(ctx context.Context, task queue.Task) {
	attempt := task.Attempt
	if attempt < 1 {
		attempt = 1
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("attempt panicked outside failure handling",
				"job_id", task.JobID, "attempt", attempt, "panic", r)
		}
	}()

	job, err := e.store.GetJob(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.logger.Warn("dropping delivery for missing job", "job_id", task.JobID)
		} else {
			e.logger.Error("loading job", "job_id", task.JobID, "error", err)
		}
		return
	}

	switch job.Status {
	case StatusQueued, StatusRunning, StatusPausedRateLimited:
	default:
		e.logger.Info("dropping delivery", "job_id", job.ID, "status", job.Status)
		return
	}

	startedLog, _, err := e.store.InsertLogIfAbsent(ctx, LogParams{
		JobID:          job.ID,
		EventType:      EventExecutionStarted,
		AttemptNumber:  attempt,
		IdempotencyKey: startedKey(job.ID, attempt),
	})
	if err != nil {
		e.logger.Error("recording execution start", "job_id", job.ID, "attempt", attempt, "error", err)
		return
	}
	ok, err := e.store.TransitionStatus(ctx, job.ID,
		[]Status{StatusQueued, StatusRunning, StatusPausedRateLimited}, StatusRunning)
	if err != nil {
		e.logger.Error("transitioning to running", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		// Cancelled between the guard and here.
		return
	}
	e.publish(job.ID, StatusRunning, startedLog)

	if e.limiter != nil {
		rc, err := e.limiter.Check(ctx, job.AccountID)
		if err != nil {
			// Fail open: a broken limiter must not stop execution.
			e.logger.Warn("rate limiter unavailable", "job_id", job.ID, "error", err)
		} else if !rc.Allowed {
			e.pauseRateLimited(ctx, job, attempt, rc.RetryAfter)
			return
		}
	}

	e.execute(ctx, job, attempt)
}

// pauseRateLimited parks the job and resubmits the same attempt after the
// window clears. Pauses never consume retries.
func (e *Engine) pauseRateLimited(ctx context.Context, job *Job, attempt int, retryAfter time.Duration) {
	ok, err := e.store.TransitionStatus(ctx, job.ID, []Status{StatusRunning}, StatusPausedRateLimited)
	if err != nil {
		e.logger.Error("transitioning to paused_rate_limited", "job_id", job.ID, "error", err)
	} else if !ok {
		// Cancelled while the limiter was consulted; the pause loses.
		return
	}
	e.publish(job.ID, StatusPausedRateLimited, nil)

	waitSeconds := int(retryAfter / time.Second)
	if waitSeconds < 1 {
		waitSeconds = 1
	}
	if _, _, err := e.store.InsertLogIfAbsent(ctx, LogParams{
		JobID:          job.ID,
		EventType:      EventRateLimited,
		AttemptNumber:  attempt,
		IdempotencyKey: rateLimitKey(job.ID, attempt),
		Metadata:       Payload{"wait_seconds": waitSeconds},
	}); err != nil {
		e.logger.Error("recording rate limit", "job_id", job.ID, "attempt", attempt, "error", err)
	}

	if err := e.queue.Submit(ctx, queue.Task{JobID: job.ID, Attempt: attempt}, retryAfter); err != nil {
		e.logger.Error("requeueing rate-limited job", "job_id", job.ID, "error", err)
		return
	}
	e.logger.Info("job paused by rate limit",
		"job_id", job.ID, "attempt", attempt, "wait_seconds", waitSeconds)
}

// execute invokes the worker and interprets the outcome. A panic anywhere
// beneath is routed to the generic-failure path.
func (e *Engine) execute(ctx context.Context, job *Job, attempt int) {
	defer func() {
		if r := recover(); r != nil {
			e.finishGenericFailure(ctx, job, attempt, fmt.Errorf("panic: %v", r))
		}
	}()

	url := job.Payload.CallbackURL()
	if url == "" {
		// Nothing to call; the attempt succeeds with no response.
		e.finishSuccess(ctx, job, attempt, nil)
		return
	}

	resp, err := e.callbacks.Call(ctx, url, requestBody(job, attempt))
	if err == nil {
		e.finishSuccess(ctx, job, attempt, resp)
		return
	}

	var httpErr *callback.HTTPError
	var transportErr *callback.TransportError
	if errors.As(err, &httpErr) || errors.As(err, &transportErr) {
		e.finishCallbackFailure(ctx, job, attempt, err)
		return
	}
	e.finishGenericFailure(ctx, job, attempt, err)
}

// requestBody builds the worker invocation. The idempotency key lets the
// worker dedupe queue redeliveries of the same attempt.
func requestBody(job *Job, attempt int) map[string]any {
	body := map[string]any{
		"idempotency_key": externalKey(job.ID, attempt),
		"payload":         job.Payload,
	}
	if job.ScheduleType == SchedulePolling {
		state := job.PollingState
		if state == nil {
			state = Payload{}
		}
		body["job_id"] = job.ID
		body["polling_state"] = state
	}
	return body
}

func (e *Engine) finishSuccess(ctx context.Context, job *Job, attempt int, resp *callback.Response) {
	if resp != nil && job.ScheduleType == SchedulePolling && job.PollingIntervalSeconds != nil {
		e.finishPolling(ctx, job, attempt, resp)
		return
	}
	e.finalizeCompleted(ctx, job, attempt, resp)
}

// finishPolling reads the worker's verdict. A non-JSON body or missing
// fields mean "not done, state unchanged".
func (e *Engine) finishPolling(ctx context.Context, job *Job, attempt int, resp *callback.Response) {
	var newState Payload
	done := false
	if resp.JSON != nil {
		if m, ok := resp.JSON["polling_state"].(map[string]any); ok {
			newState = Payload(m)
		}
		done, _ = resp.JSON["done"].(bool)
	}

	if newState != nil {
		if err := e.store.UpdateJobFields(ctx, job.ID, JobUpdate{PollingState: newState}); err != nil {
			e.logger.Error("persisting polling state", "job_id", job.ID, "error", err)
			return
		}
	}

	if done {
		e.finalizeCompleted(ctx, job, attempt, resp)
		return
	}

	ok, err := e.store.TransitionStatus(ctx, job.ID, []Status{StatusRunning}, StatusQueued)
	if err != nil {
		e.logger.Error("parking polling job", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	e.publish(job.ID, StatusQueued, nil)

	// The next poll is a fresh invocation, not a retry, so the attempt
	// chain starts over.
	delay := time.Duration(*job.PollingIntervalSeconds) * time.Second
	if err := e.queue.Submit(ctx, queue.Task{JobID: job.ID, Attempt: 1}, delay); err != nil {
		e.logger.Error("scheduling next poll", "job_id", job.ID, "error", err)
		return
	}
	e.logger.Info("poll scheduled", "job_id", job.ID, "delay", delay)
}

func (e *Engine) finalizeCompleted(ctx context.Context, job *Job, attempt int, resp *callback.Response) {
	var meta Payload
	if resp != nil {
		meta = Payload{"status_code": resp.Status}
	}
	completedLog, _, err := e.store.InsertLogIfAbsent(ctx, LogParams{
		JobID:          job.ID,
		EventType:      EventExecutionCompleted,
		AttemptNumber:  attempt,
		IdempotencyKey: completedKey(job.ID, attempt),
		Metadata:       meta,
	})
	if err != nil {
		e.logger.Error("recording completion", "job_id", job.ID, "attempt", attempt, "error", err)
		return
	}
	ok, err := e.store.TransitionStatus(ctx, job.ID, []Status{StatusRunning}, StatusCompleted)
	if err != nil {
		e.logger.Error("transitioning to completed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	e.publish(job.ID, StatusCompleted, completedLog)
	e.logger.Info("job completed", "job_id", job.ID, "attempt", attempt)

	if job.ScheduleType == ScheduleCron {
		// Park the job so the cron driver re-enqueues it at the next fire.
		ok, err := e.store.TransitionStatus(ctx, job.ID, []Status{StatusCompleted}, StatusQueued)
		if err != nil {
			e.logger.Error("reparking cron job", "job_id", job.ID, "error", err)
			return
		}
		if ok {
			e.publish(job.ID, StatusQueued, nil)
		}
	}
}

func (e *Engine) finishCallbackFailure(ctx context.Context, job *Job, attempt int, callErr error) {
	meta := Payload{"message": callErr.Error(), "status_code": nil}
	if code := callback.StatusCode(callErr); code != 0 {
		meta["status_code"] = code
	}
	e.recordFailure(ctx, job, attempt, failureKey(job.ID, attempt), callback.IsTransient(callErr), meta, callErr)
}

func (e *Engine) finishGenericFailure(ctx context.Context, job *Job, attempt int, cause error) {
	meta := Payload{"message": cause.Error()}
	e.recordFailure(ctx, job, attempt, exceptionKey(job.ID, attempt), true, meta, cause)
}

// recordFailure logs the failed attempt and either schedules the next one
// or finalizes the job as failed.
func (e *Engine) recordFailure(ctx context.Context, job *Job, attempt int, key string, transient bool, meta Payload, cause error) {
	errType := ErrorPermanent
	if transient {
		errType = ErrorTransient
	}
	failLog, _, err := e.store.InsertLogIfAbsent(ctx, LogParams{
		JobID:          job.ID,
		EventType:      EventExecutionFailed,
		AttemptNumber:  attempt,
		IdempotencyKey: key,
		ErrorType:      &errType,
		Metadata:       meta,
	})
	if err != nil {
		e.logger.Error("recording failure", "job_id", job.ID, "attempt", attempt, "error", err)
		return
	}
	e.publish(job.ID, StatusRunning, failLog)

	if transient && attempt <= job.Payload.MaxRetries(e.cfg.MaxRetries) {
		delay := RetryDelay(job.Payload.RetryBackoffBase(e.cfg.RetryBackoffBase), attempt)
		if err := e.queue.Submit(ctx, queue.Task{JobID: job.ID, Attempt: attempt + 1}, delay); err != nil {
			// The job stays running; the recovery loop will resubmit it.
			e.logger.Error("scheduling retry", "job_id", job.ID, "error", err)
			return
		}
		e.logger.Info("attempt failed, retry scheduled",
			"job_id", job.ID, "attempt", attempt, "delay", delay, "error", cause)
		return
	}

	ok, err := e.store.TransitionStatus(ctx, job.ID, []Status{StatusRunning}, StatusFailed)
	if err != nil {
		e.logger.Error("transitioning to failed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	e.publish(job.ID, StatusFailed, nil)
	e.logger.Warn("job failed",
		"job_id", job.ID, "attempt", attempt, "transient", transient, "error", cause)
	if e.alerter != nil {
		e.alerter.JobFailed(ctx, job, cause.Error())
	}
}

// publish fans one update out to live subscribers.
func (e *Engine) publish(jobID string, status Status, log *JobLog) {
	if e.publisher == nil {
		return
	}
	ev := &realtime.Event{Event: "job_update", JobID: jobID, Status: string(status)}
	if log != nil {
		ev.Log = log
	}
	e.publisher.Publish(ev)
}
