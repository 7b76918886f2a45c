// Package archive exports terminal jobs to durable storage and prunes them
// from the live tables. Jobs leave the database only after their batch has
// been written, so a failed upload is retried on the next sweep.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/duecall/duecall/internal/jobs"
)

const defaultBatchLimit = 500

// Record is one archived job with its full log history, encoded as a single
// JSONL line.
type Record struct {
	Job  jobs.Job      `json:"job"`
	Logs []jobs.JobLog `json:"logs"`
}

// Backend stores finished archive batches.
type Backend interface {
	Put(ctx context.Context, name string, r io.Reader, size int64) error
}

// store is the slice of jobs.Store the sweeper needs.
type store interface {
	TerminalJobsBefore(ctx context.Context, cutoff time.Time, limit int) ([]jobs.Job, error)
	LogsForJob(ctx context.Context, jobID string) ([]jobs.JobLog, error)
	DeleteJobs(ctx context.Context, ids []string) (int64, error)
}

// Config holds sweep parameters.
type Config struct {
	RetentionDays int
	SweepInterval time.Duration
	BatchLimit    int
}

// Sweeper periodically exports and deletes expired terminal jobs.
type Sweeper struct {
	store   store
	backend Backend
	cfg     Config
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper wires a Sweeper. RetentionDays must be positive; config
// validation enforces that before we get here.
func NewSweeper(st store, backend Backend, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultBatchLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: st, backend: backend, cfg: cfg, logger: logger}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("archive sweeper started",
		"retention_days", s.cfg.RetentionDays,
		"sweep_interval", s.cfg.SweepInterval,
	)
}

// Stop signals the loop to finish and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("archive sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("archive sweep done", "archived", n)
			}
		}
	}
}

// SweepOnce exports one batch of expired jobs and deletes the archived rows.
// It returns the number of jobs archived.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	expired, err := s.store.TerminalJobsBefore(ctx, cutoff, s.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("listing expired jobs: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	ids := make([]string, 0, len(expired))
	for i := range expired {
		job := &expired[i]
		logs, err := s.store.LogsForJob(ctx, job.ID)
		if err != nil {
			return 0, fmt.Errorf("loading logs for job %s: %w", job.ID, err)
		}
		if err := enc.Encode(Record{Job: *job, Logs: logs}); err != nil {
			return 0, fmt.Errorf("encoding job %s: %w", job.ID, err)
		}
		ids = append(ids, job.ID)
	}

	name := batchName(time.Now().UTC())
	if err := s.backend.Put(ctx, name, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		// Rows stay put; the next sweep retries the whole batch.
		return 0, fmt.Errorf("uploading archive batch: %w", err)
	}

	deleted, err := s.store.DeleteJobs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("deleting archived jobs: %w", err)
	}
	return int(deleted), nil
}

// batchName builds a date-partitioned object name so backends list cheaply
// by day.
func batchName(now time.Time) string {
	return fmt.Sprintf("%04d/%02d/%02d/jobs-%s.jsonl",
		now.Year(), int(now.Month()), now.Day(), now.Format("20060102T150405Z"))
}
