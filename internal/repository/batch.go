package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
)

type BatchRepository interface {
	CreateBatch(ctx context.Context, b *entity.BatchRecord) error
	GetBatch(ctx context.Context, batchID uuid.UUID) (*entity.BatchRecord, error)
	// IncrementCompleted and IncrementFailed stamp finished_at with at when the batch closes.
	IncrementCompleted(ctx context.Context, batchID uuid.UUID, at time.Time) (*entity.BatchRecord, error)
	IncrementFailed(ctx context.Context, batchID uuid.UUID, at time.Time) (*entity.BatchRecord, error)
}

type batchRepo struct {
	drv *entsql.Driver
	log *slog.Logger
}

func NewBatchRepository(drv *entsql.Driver, log *slog.Logger) BatchRepository {
	if log == nil {
		log = slog.Default()
	}
	return &batchRepo{drv: drv, log: log}
}

var batchColumns = []string{
	"batch_id", "total_items", "completed_items", "failed_items", "status",
	"initiated_by", "created_at", "finished_at",
}

func (r *batchRepo) CreateBatch(ctx context.Context, b *entity.BatchRecord) error {
	status := b.Status
	if status == "" {
		status = constants.BatchStatusRunning
	}
	var finishedAt any
	// an empty batch is closed the moment it is created
	if b.TotalItems == 0 {
		status = constants.DeriveBatchStatus(0, 0, 0)
		finishedAt = b.CreatedAt.UTC()
	}
	query, args := entsql.Dialect(r.drv.Dialect()).Insert(tableBatches).
		Columns(batchColumns...).
		Values(b.BatchID, b.TotalItems, 0, 0, string(status), b.InitiatedBy, b.CreatedAt.UTC(), finishedAt).
		Query()
	if err := r.drv.Exec(ctx, query, args, nil); err != nil {
		r.log.Error("batch_execution create failed", "batch_id", b.BatchID, "error", err)
		return &common.LedgerWriteError{Op: "create_batch", Err: err}
	}
	b.Status = status
	r.log.Info("batch_execution created", "batch_id", b.BatchID, "total_items", b.TotalItems)
	return nil
}

func (r *batchRepo) GetBatch(ctx context.Context, batchID uuid.UUID) (*entity.BatchRecord, error) {
	return getBatch(ctx, r.drv, r.drv.Dialect(), batchID)
}

func (r *batchRepo) IncrementCompleted(ctx context.Context, batchID uuid.UUID, at time.Time) (*entity.BatchRecord, error) {
	return r.increment(ctx, batchID, "completed_items", at)
}

func (r *batchRepo) IncrementFailed(ctx context.Context, batchID uuid.UUID, at time.Time) (*entity.BatchRecord, error) {
	return r.increment(ctx, batchID, "failed_items", at)
}

func (r *batchRepo) increment(ctx context.Context, batchID uuid.UUID, counter string, at time.Time) (*entity.BatchRecord, error) {
	tx, err := r.drv.Tx(ctx)
	if err != nil {
		return nil, &common.LedgerWriteError{Op: "increment_batch", Err: err}
	}
	b, err := incrementBatch(ctx, tx, r.drv.Dialect(), batchID, counter, at)
	if err != nil {
		_ = tx.Rollback()
		return nil, &common.LedgerWriteError{Op: "increment_batch", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &common.LedgerWriteError{Op: "increment_batch", Err: err}
	}
	return b, nil
}

// incrementBatch adds one to counter, reads the counters back and, once they cover
// total_items, stores the derived status. It must run inside the caller's transaction.
func incrementBatch(ctx context.Context, tx dialect.ExecQuerier, d string, batchID uuid.UUID, counter string, at time.Time) (*entity.BatchRecord, error) {
	query, args := entsql.Dialect(d).Update(tableBatches).
		Add(counter, 1).
		Where(entsql.And(
			entsql.EQ("batch_id", batchID),
			entsql.IsNull("finished_at"),
		)).
		Query()
	n, err := execAffected(ctx, tx, query, args)
	if err != nil {
		return nil, fmt.Errorf("increment %s: %w", counter, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("increment %s of batch %s: %w", counter, batchID, ErrStaleRun)
	}

	b, err := getBatch(ctx, tx, d, batchID)
	if err != nil {
		return nil, err
	}
	if !b.Closed() {
		return b, nil
	}
	status := constants.DeriveBatchStatus(b.TotalItems, b.CompletedItems, b.FailedItems)
	query, args = entsql.Dialect(d).Update(tableBatches).
		Set("status", string(status)).
		Set("finished_at", at.UTC()).
		Where(entsql.And(
			entsql.EQ("batch_id", batchID),
			entsql.IsNull("finished_at"),
		)).
		Query()
	if err := tx.Exec(ctx, query, args, nil); err != nil {
		return nil, fmt.Errorf("close batch: %w", err)
	}
	b.Status = status
	finished := at.UTC()
	b.FinishedAt = &finished
	return b, nil
}

func getBatch(ctx context.Context, ex dialect.ExecQuerier, d string, batchID uuid.UUID) (*entity.BatchRecord, error) {
	query, args := entsql.Dialect(d).Select(batchColumns...).
		From(entsql.Table(tableBatches)).
		Where(entsql.EQ("batch_id", batchID)).
		Query()
	var rows entsql.Rows
	if err := ex.Query(ctx, query, args, &rows); err != nil {
		return nil, fmt.Errorf("query batch: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("batch %s: %w", batchID, common.ErrNotFound)
	}
	var (
		b          entity.BatchRecord
		status     string
		finishedAt sql.NullTime
	)
	if err := rows.Scan(&b.BatchID, &b.TotalItems, &b.CompletedItems, &b.FailedItems, &status,
		&b.InitiatedBy, &b.CreatedAt, &finishedAt); err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	b.Status = constants.BatchStatus(status)
	b.FinishedAt = nullTimePtr(finishedAt)
	return &b, nil
}
