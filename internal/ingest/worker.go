package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/imagebank/internal/metrics"
	"github.com/kalambet/imagebank/internal/provider"
	"github.com/kalambet/imagebank/internal/storage"
)

// Bank is the part of the image bank the worker writes to.
type Bank interface {
	Store(ctx context.Context, r provider.ImageSearchResult, query string) error
	Sync(ctx context.Context) error
	Dirty() bool
}

// Worker processes bank_store and bank_sync jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	bank   Bank
	queue  *Queue
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies. Syncs requested
// after a store go through queue.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, bank Bank, queue *Queue, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		bank:   bank,
		queue:  queue,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobBankStore, JobBankSync})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		metrics.JobsProcessed.WithLabelValues(job.Type, "error").Inc()
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	metrics.JobsProcessed.WithLabelValues(job.Type, "ok").Inc()
	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	switch job.Type {
	case JobBankStore:
		var payload storePayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		if err := w.bank.Store(ctx, payload.Result, payload.Query); err != nil {
			return fmt.Errorf("storing %s: %w", payload.Result.Key(), err)
		}
		if w.queue != nil && w.bank.Dirty() {
			if err := w.queue.RequestSync(ctx); err != nil {
				w.logger.Warn("requesting bank sync failed", "error", err)
			}
		}
		return nil
	case JobBankSync:
		return w.bank.Sync(ctx)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}
