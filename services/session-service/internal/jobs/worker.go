package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	otelx "github.com/mentorbridge/platform/libs/otel"
	"github.com/mentorbridge/platform/services/session-service/internal/clock"
	"github.com/mentorbridge/platform/services/session-service/internal/storage"
)

type Worker struct {
	store     storage.Store
	exec      *Executor
	clock     clock.Clock
	log       *slog.Logger
	interval  time.Duration
	batchSize int
	backoff   time.Duration
}

type WorkerConfig struct {
	Interval  time.Duration
	BatchSize int
	Backoff   time.Duration
}

func NewWorker(store storage.Store, exec *Executor, clk clock.Clock, log *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 1 * time.Minute
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Worker{
		store:     store,
		exec:      exec,
		clock:     clk,
		log:       log,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		backoff:   cfg.Backoff,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.ProcessBatch(ctx); err != nil {
				w.log.Error("scheduler batch failed", "err", err)
			}
		}
	}
}

// ProcessBatch claims and executes one batch of due jobs. Execution happens
// inside the claiming transaction: a job's effects and its done marker commit
// atomically, and a crash rolls both back.
func (w *Worker) ProcessBatch(ctx context.Context) error {
	return w.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		jobs, err := tx.ClaimDueJobs(ctx, w.batchSize)
		if err != nil {
			return err
		}

		for _, job := range jobs {
			jobCtx := otelx.ContextWithTraceContext(ctx, job.Traceparent, job.Tracestate)

			err := w.exec.Execute(jobCtx, tx, job)
			switch {
			case err == nil:
				if err := tx.MarkJobDone(jobCtx, job.ID); err != nil {
					return err
				}
			case errors.Is(err, ErrDeferred):
				// Already pushed forward by the executor.
			default:
				attempts := job.Attempts + 1
				w.log.Warn("job failed",
					"job_id", job.ID, "kind", job.Kind, "session_id", job.SessionID,
					"attempt", attempts, "max_attempts", job.MaxAttempts, "err", err)

				nextRun := w.clock.Now().Add(w.backoff)
				if err := tx.MarkJobFailed(jobCtx, job.ID, attempts, nextRun, err.Error()); err != nil {
					return err
				}
				if attempts >= job.MaxAttempts {
					if err := w.exec.OnExhausted(jobCtx, tx, job); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}
