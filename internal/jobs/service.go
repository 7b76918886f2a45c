package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/duecall/duecall/internal/queue"
)

// QueueRunner is the full queue surface the Service drives: submissions
// plus consumer lifecycle.
type QueueRunner interface {
	TaskQueue
	Start(ctx context.Context, handle queue.Handler)
	Stop()
}

// ServiceConfig holds runtime parameters for the scheduler daemon.
type ServiceConfig struct {
	CronTick         time.Duration
	RecoveryInterval time.Duration
	StallTimeout     time.Duration
	RecoveryBatch    int
}

// DefaultServiceConfig returns production defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		CronTick:         time.Minute,
		RecoveryInterval: time.Minute,
		StallTimeout:     10 * time.Minute,
		RecoveryBatch:    100,
	}
}

// Service runs the scheduler daemon: the queue consumer feeding the engine,
// the cron driver, and stalled-job recovery.
type Service struct {
	store  *Store
	queue  QueueRunner
	engine *Engine
	cron   *CronDriver
	cfg    ServiceConfig
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires a Service from its parts. tz is the zone cron
// expressions are evaluated in; nil means UTC.
func NewService(store *Store, q QueueRunner, engine *Engine, tz *time.Location, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.CronTick <= 0 {
		cfg.CronTick = time.Minute
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = time.Minute
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 10 * time.Minute
	}
	if cfg.RecoveryBatch <= 0 {
		cfg.RecoveryBatch = 100
	}
	return &Service{
		store:  store,
		queue:  q,
		engine: engine,
		cron:   NewCronDriver(store, q, tz, logger),
		cfg:    cfg,
		logger: logger,
	}
}

// Start launches the queue consumer and the background loops.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.queue.Start(ctx, s.engine.Run)

	s.wg.Add(1)
	go s.cronLoop(ctx)

	s.wg.Add(1)
	go s.recoveryLoop(ctx)

	s.logger.Info("scheduler started",
		"cron_tick", s.cfg.CronTick,
		"recovery_interval", s.cfg.RecoveryInterval,
		"stall_timeout", s.cfg.StallTimeout,
	)
}

// Stop signals all loops to finish and waits for in-flight attempts.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.queue.Stop()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Service) cronLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CronTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fired, err := s.cron.Sweep(ctx, time.Now())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("cron sweep failed", "error", err)
				continue
			}
			if fired > 0 {
				s.logger.Info("cron jobs fired", "count", fired)
			}
		}
	}
}

func (s *Service) recoveryLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recoverStalled(ctx)
		}
	}
}

// recoverStalled resubmits jobs whose attempt died with its process. The
// last logged attempt is replayed; idempotent logs, conditional status
// writes, and worker-side dedupe make the replay converge.
func (s *Service) recoverStalled(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.StallTimeout)
	stalled, err := s.store.StalledJobs(ctx, cutoff, s.cfg.RecoveryBatch)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("listing stalled jobs", "error", err)
		return
	}

	for i := range stalled {
		job := &stalled[i]
		attempt, err := s.store.LastAttemptNumber(ctx, job.ID)
		if err != nil {
			s.logger.Error("reading last attempt", "job_id", job.ID, "error", err)
			continue
		}
		if attempt < 1 {
			attempt = 1
		}
		if err := s.queue.Submit(ctx, queue.Task{JobID: job.ID, Attempt: attempt}, 0); err != nil {
			s.logger.Error("resubmitting stalled job", "job_id", job.ID, "error", err)
			continue
		}
		s.logger.Warn("resubmitted stalled job", "job_id", job.ID, "attempt", attempt)
	}
}
