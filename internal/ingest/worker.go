package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/canasta/internal/logx"
	"github.com/kalambet/canasta/internal/storage"
)

// JobType is the queue type of catalog import jobs.
const JobType = "catalog_import"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// PriceWriter stores parsed catalog rows.
type PriceWriter interface {
	UpsertPrices(ctx context.Context, rows []storage.PriceRow) (int, error)
}

// ImportPayload is the JSON payload of a catalog_import job.
type ImportPayload struct {
	Source string `json:"source,omitempty"`
	CSV    string `json:"csv"`
}

// NewImportJob builds a queued job for the given CSV document.
func NewImportJob(source, csvData string) (storage.Job, error) {
	if strings.TrimSpace(csvData) == "" {
		return storage.Job{}, fmt.Errorf("empty CSV document")
	}
	payload, err := json.Marshal(ImportPayload{Source: source, CSV: csvData})
	if err != nil {
		return storage.Job{}, fmt.Errorf("encoding payload: %w", err)
	}
	return storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(payload),
	}, nil
}

// Worker processes catalog_import jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	prices PriceWriter
	poll   time.Duration
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, prices PriceWriter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		prices: prices,
		poll:   pollInterval,
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	t := time.NewTimer(0)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			logx.Error().Err(err).Msg("import worker iteration failed")
		}
		if done {
			t.Reset(0)
		} else {
			t.Reset(w.poll)
		}
	}
}

// RunOnce claims and processes a single catalog_import job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	n, err := w.processJob(ctx, job)
	if err != nil {
		logx.Warn().Err(err).Str("job_id", job.ID).Int("attempt", job.Attempts+1).Msg("import job failed")
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			logx.Error().Err(failErr).Str("job_id", job.ID).Msg("failed to mark job as failed")
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	logx.Info().Str("job_id", job.ID).Int("rows", n).Msg("catalog import completed")
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) (int, error) {
	var payload ImportPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return 0, fmt.Errorf("parsing payload: %w", err)
	}

	rows, err := ParseCSV(strings.NewReader(payload.CSV))
	if err != nil {
		return 0, fmt.Errorf("parsing csv: %w", err)
	}

	n, err := w.prices.UpsertPrices(ctx, rows)
	if err != nil {
		return 0, fmt.Errorf("storing prices: %w", err)
	}
	return n, nil
}
