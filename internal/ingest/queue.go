// Package ingest moves provider results into the image bank off the request
// path. Results are queued as bank_store jobs in SQLite; a Worker analyzes and
// embeds them and coalesces the resulting writes into delayed bank_sync jobs.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/imagebank/internal/provider"
	"github.com/kalambet/imagebank/internal/storage"
)

// Job types handled by the Worker.
const (
	JobBankStore = "bank_store"
	JobBankSync  = "bank_sync"
)

// DefaultSyncDelay is how long a requested sync waits so that a burst of
// stores ends up in one write.
const DefaultSyncDelay = 5 * time.Second

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	HasPendingJob(typ string) (bool, error)
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

type storePayload struct {
	Result provider.ImageSearchResult `json:"result"`
	Query  string                     `json:"query"`
}

// Queue enqueues bank work. It satisfies the media archiver and the review
// sync dispatcher.
type Queue struct {
	store     JobStore
	syncDelay time.Duration
}

// NewQueue creates a Queue. If syncDelay is < 0, it defaults to DefaultSyncDelay.
func NewQueue(store JobStore, syncDelay time.Duration) *Queue {
	if syncDelay < 0 {
		syncDelay = DefaultSyncDelay
	}
	return &Queue{store: store, syncDelay: syncDelay}
}

// Archive enqueues one bank_store job per result.
func (q *Queue) Archive(_ context.Context, results []provider.ImageSearchResult, query string) error {
	for _, r := range results {
		payload, err := json.Marshal(storePayload{Result: r, Query: query})
		if err != nil {
			return fmt.Errorf("encoding payload for %s: %w", r.Key(), err)
		}
		job := storage.Job{
			ID:          uuid.New().String(),
			Type:        JobBankStore,
			PayloadJSON: string(payload),
		}
		if err := q.store.EnqueueJob(job); err != nil {
			return fmt.Errorf("enqueueing %s: %w", r.Key(), err)
		}
	}
	return nil
}

// RequestSync schedules a bank_sync job unless one is already pending.
func (q *Queue) RequestSync(_ context.Context) error {
	pending, err := q.store.HasPendingJob(JobBankSync)
	if err != nil {
		return err
	}
	if pending {
		return nil
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobBankSync,
		PayloadJSON: "{}",
		RunAfter:    time.Now().Add(q.syncDelay),
	}
	if err := q.store.EnqueueJob(job); err != nil {
		return fmt.Errorf("enqueueing sync: %w", err)
	}
	return nil
}
