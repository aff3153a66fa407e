package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/repository"
)

// BatchCoordinator fans a list of sources out into one run per source under a
// single batch record.
type BatchCoordinator struct {
	orch    *Orchestrator
	batches repository.BatchRepository
	logger  *slog.Logger
	now     func() time.Time
}

func NewBatchCoordinator(orch *Orchestrator, batches repository.BatchRepository, logger *slog.Logger) *BatchCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchCoordinator{orch: orch, batches: batches, logger: logger, now: orch.now}
}

// BatchSubmission is the outcome of SubmitBatch.
type BatchSubmission struct {
	BatchID uuid.UUID
	RunIDs  []uuid.UUID
	// Rejected counts items that never became a run. They are booked as failed.
	Rejected int
}

// SubmitBatch creates the batch record and submits one run per source, each with a
// copy of opts whose Source is the item. Items that cannot be submitted are counted
// as failed so the batch still closes. An empty batch closes immediately.
func (c *BatchCoordinator) SubmitBatch(ctx context.Context, sources []string, opts entity.RunOptions) (*BatchSubmission, error) {
	batch := &entity.BatchRecord{
		BatchID:     uuid.New(),
		TotalItems:  len(sources),
		InitiatedBy: opts.InitiatedBy,
		CreatedAt:   c.now(),
	}
	if err := c.batches.CreateBatch(ctx, batch); err != nil {
		return nil, err
	}
	sub := &BatchSubmission{BatchID: batch.BatchID, RunIDs: make([]uuid.UUID, 0, len(sources))}

	for i, src := range sources {
		if ctx.Err() != nil {
			c.rejectRemaining(ctx, sub, len(sources)-i)
			return sub, fmt.Errorf("batch %s interrupted after %d items: %w", batch.BatchID, i, ctx.Err())
		}
		item := opts
		item.Source = src
		runID, err := c.orch.Submit(ctx, item, &sub.BatchID)
		if runID != uuid.Nil {
			// the orchestrator has booked the run, success or not
			sub.RunIDs = append(sub.RunIDs, runID)
			continue
		}
		c.logger.Warn("batch item rejected", "batch_id", sub.BatchID, "source", src, "error", err)
		c.reject(ctx, sub)
	}
	c.logger.Info("batch submitted",
		"batch_id", sub.BatchID, "items", len(sources), "runs", len(sub.RunIDs), "rejected", sub.Rejected)
	return sub, nil
}

func (c *BatchCoordinator) rejectRemaining(ctx context.Context, sub *BatchSubmission, n int) {
	for i := 0; i < n; i++ {
		c.reject(ctx, sub)
	}
}

func (c *BatchCoordinator) reject(ctx context.Context, sub *BatchSubmission) {
	sub.Rejected++
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	b, err := c.batches.IncrementFailed(wctx, sub.BatchID, c.now())
	if err != nil {
		c.logger.Error("could not book rejected batch item", "batch_id", sub.BatchID, "error", err)
		return
	}
	if b.FinishedAt != nil {
		c.orch.metrics.BatchFinished(b.Status.String())
	}
}

// Batch returns the batch record.
func (c *BatchCoordinator) Batch(ctx context.Context, batchID uuid.UUID) (*entity.BatchRecord, error) {
	return c.batches.GetBatch(ctx, batchID)
}
