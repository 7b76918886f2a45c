// Package queue provides the delayed task queue that drives job execution.
// Tasks are stored in a Redis sorted set scored by fire-at time; a sweeper
// claims due members and hands them to a worker pool. Delivery is
// at-least-once: a member disappears only when a claimer wins the ZREM.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Task is one queued delivery for the execution engine.
type Task struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
}

// Handler processes a delivered task. Implementations own their errors;
// nothing propagates back to the queue.
type Handler func(ctx context.Context, task Task)

// envelope is the stored sorted-set member. The per-submission ID keeps
// members unique so resubmitting the same job and attempt produces an
// independent delivery.
type envelope struct {
	ID      string `json:"id"`
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
}

// RedisClient is the command surface the queue needs. *redis.Client
// satisfies it; tests substitute fakes.
type RedisClient interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
}

// Options tune the queue. Zero values fall back to defaults.
type Options struct {
	Key          string
	PollInterval time.Duration
	Batch        int
	Workers      int
}

const (
	defaultKey          = "duecall:queue"
	defaultPollInterval = time.Second
	defaultBatch        = 100
	defaultWorkers      = 8
)

// RedisQueue is the production delayed queue.
type RedisQueue struct {
	client RedisClient
	logger *slog.Logger
	opts   Options

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisQueue returns an unstarted queue.
func NewRedisQueue(client RedisClient, logger *slog.Logger, opts Options) *RedisQueue {
	if opts.Key == "" {
		opts.Key = defaultKey
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Batch <= 0 {
		opts.Batch = defaultBatch
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	return &RedisQueue{client: client, logger: logger, opts: opts}
}

// Submit schedules one delivery of task no earlier than delay from now.
// Each call produces an independent delivery.
func (q *RedisQueue) Submit(ctx context.Context, task Task, delay time.Duration) error {
	if task.Attempt < 1 {
		task.Attempt = 1
	}
	member, err := json.Marshal(envelope{
		ID:      uuid.NewString(),
		JobID:   task.JobID,
		Attempt: task.Attempt,
	})
	if err != nil {
		return fmt.Errorf("marshaling queue member: %w", err)
	}
	score := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, q.opts.Key, redis.Z{Score: score, Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("adding queue member: %w", err)
	}
	return nil
}

// Start launches the sweeper and worker pool. Deliveries invoke handler
// until Stop is called or ctx is cancelled.
func (q *RedisQueue) Start(ctx context.Context, handler Handler) {
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	deliveries := make(chan Task)

	q.wg.Add(1)
	go q.sweepLoop(runCtx, deliveries)

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.workerLoop(runCtx, deliveries, handler)
	}

	q.logger.Info("task queue started",
		"key", q.opts.Key, "workers", q.opts.Workers, "poll_interval", q.opts.PollInterval)
}

// Stop cancels the sweeper and workers and waits for in-flight handlers.
func (q *RedisQueue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.logger.Info("task queue stopped")
}

func (q *RedisQueue) sweepLoop(ctx context.Context, deliveries chan<- Task) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweep(ctx, deliveries)
		}
	}
}

// sweep claims due members and hands them to workers. A ZREM that removes
// zero members means another instance won the claim.
func (q *RedisQueue) sweep(ctx context.Context, deliveries chan<- Task) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, q.opts.Key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: int64(q.opts.Batch),
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Warn("queue sweep failed", "error", err)
		}
		return
	}

	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.opts.Key, member).Result()
		if err != nil {
			if ctx.Err() == nil {
				q.logger.Warn("queue claim failed", "error", err)
			}
			return
		}
		if removed == 0 {
			continue
		}

		var env envelope
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			q.logger.Warn("dropping malformed queue member", "error", err)
			continue
		}

		select {
		case deliveries <- Task{JobID: env.JobID, Attempt: env.Attempt}:
		case <-ctx.Done():
			// Claimed but undelivered; put it back so it is not lost.
			q.restore(member)
			return
		}
	}
}

// restore re-adds a claimed member after a shutdown race. Uses a fresh
// context because the run context is already cancelled.
func (q *RedisQueue) restore(member string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	score := float64(time.Now().UnixMilli())
	if err := q.client.ZAdd(ctx, q.opts.Key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		q.logger.Error("restoring claimed queue member failed", "error", err)
	}
}

func (q *RedisQueue) workerLoop(ctx context.Context, deliveries <-chan Task, handler Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-deliveries:
			handler(ctx, task)
		}
	}
}
