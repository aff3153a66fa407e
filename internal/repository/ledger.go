package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
)

// ErrStaleRun is returned when a guarded update matched no row: the run is finished
// or the stage was already recorded.
var ErrStaleRun = errors.New("run row is finished or out of step")

// FinishParams describe the terminal write of a run.
type FinishParams struct {
	RunID       uuid.UUID
	BatchID     *uuid.UUID
	Status      constants.RunStatus
	FinalResult json.RawMessage
	Error       *entity.RunError
	// FailedStage bumps failed_stages by one.
	FailedStage bool
	At          time.Time
}

// FinishResult reports what a FinishRun call changed.
type FinishResult struct {
	// Finalized is false when the run had already been finished by an earlier call.
	Finalized bool
	Batch     *entity.BatchRecord
}

type LedgerRepository interface {
	CreateRun(ctx context.Context, rc *entity.RunContext) error
	MarkRunning(ctx context.Context, runID uuid.UUID, at time.Time) error
	RecordStageCompleted(ctx context.Context, rc *entity.RunContext, stage string, out json.RawMessage, at time.Time) error
	FinishRun(ctx context.Context, p FinishParams) (*FinishResult, error)
	GetRun(ctx context.Context, runID uuid.UUID) (*entity.RunRecord, error)
	ListRuns(ctx context.Context, f entity.RunFilter) ([]*entity.RunRecord, error)
	ListUnfinished(ctx context.Context) ([]*entity.RunRecord, error)
	Stats(ctx context.Context) (*entity.RunStats, error)
}

type ledgerRepo struct {
	drv *entsql.Driver
	log *slog.Logger
}

func NewLedgerRepository(drv *entsql.Driver, log *slog.Logger) LedgerRepository {
	if log == nil {
		log = slog.Default()
	}
	return &ledgerRepo{drv: drv, log: log}
}

var runColumns = []string{
	"run_id", "batch_id", "total_stages", "completed_stages", "failed_stages", "status",
	"started_at", "finished_at", "initiated_by", "input_summary", "final_result",
	"error_kind", "error_stage", "error_message", "options", "stage_outputs",
	"created_at", "updated_at",
}

func (r *ledgerRepo) sql() *entsql.DialectBuilder { return entsql.Dialect(r.drv.Dialect()) }

func (r *ledgerRepo) CreateRun(ctx context.Context, rc *entity.RunContext) error {
	opts, err := json.Marshal(rc.Options)
	if err != nil {
		return &common.LedgerWriteError{Op: "create_run", Err: err}
	}
	outputs, err := json.Marshal(nonNilOutputs(rc.StageOutputs))
	if err != nil {
		return &common.LedgerWriteError{Op: "create_run", Err: err}
	}
	query, args := r.sql().Insert(tableRuns).
		Columns("run_id", "batch_id", "total_stages", "completed_stages", "failed_stages", "status",
			"initiated_by", "input_summary", "options", "stage_outputs", "created_at", "updated_at").
		Values(rc.RunID, nullUUID(rc.BatchID), rc.TotalStages, rc.CurrentStage, 0, string(rc.Status),
			rc.Options.InitiatedBy, rc.Options.Source, string(opts), string(outputs), rc.CreatedAt, rc.UpdatedAt).
		Query()
	if err := r.drv.Exec(ctx, query, args, nil); err != nil {
		r.log.Error("chain_execution create failed", "run_id", rc.RunID, "error", err)
		return &common.LedgerWriteError{Op: "create_run", Err: err}
	}
	r.log.Debug("chain_execution created", "run_id", rc.RunID, "batch_id", rc.BatchID)
	return nil
}

func (r *ledgerRepo) MarkRunning(ctx context.Context, runID uuid.UUID, at time.Time) error {
	query, args := r.sql().Update(tableRuns).
		Set("status", string(constants.RunStatusRunning)).
		Set("started_at", at.UTC()).
		Set("updated_at", at.UTC()).
		Where(entsql.And(
			entsql.EQ("run_id", runID),
			entsql.EQ("status", string(constants.RunStatusPending)),
			entsql.IsNull("finished_at"),
		)).
		Query()
	n, err := execAffected(ctx, r.drv, query, args)
	if err != nil {
		return &common.LedgerWriteError{Op: "mark_running", Err: err}
	}
	if n == 0 {
		return &common.LedgerWriteError{Op: "mark_running", Err: ErrStaleRun}
	}
	return nil
}

// RecordStageCompleted durably stores the output of rc's current stage. The update only
// matches while completed_stages still equals rc.CurrentStage, so a stage is recorded once.
func (r *ledgerRepo) RecordStageCompleted(ctx context.Context, rc *entity.RunContext, stage string, out json.RawMessage, at time.Time) error {
	outputs := maps.Clone(nonNilOutputs(rc.StageOutputs))
	outputs[stage] = out
	raw, err := json.Marshal(outputs)
	if err != nil {
		return &common.LedgerWriteError{Op: "record_stage", Err: err}
	}
	query, args := r.sql().Update(tableRuns).
		Set("completed_stages", rc.CurrentStage+1).
		Set("stage_outputs", string(raw)).
		Set("updated_at", at.UTC()).
		Where(entsql.And(
			entsql.EQ("run_id", rc.RunID),
			entsql.EQ("completed_stages", rc.CurrentStage),
			entsql.IsNull("finished_at"),
		)).
		Query()
	n, err := execAffected(ctx, r.drv, query, args)
	if err != nil {
		r.log.Error("stage record failed", "run_id", rc.RunID, "stage", stage, "error", err)
		return &common.LedgerWriteError{Op: "record_stage", Err: err}
	}
	if n == 0 {
		return &common.LedgerWriteError{Op: "record_stage", Err: ErrStaleRun}
	}
	return nil
}

// FinishRun writes the terminal state of a run and, for batch members, bumps exactly one
// batch counter in the same transaction. The run update is guarded by finished_at IS NULL,
// so a repeated call changes nothing and does not count the run twice.
func (r *ledgerRepo) FinishRun(ctx context.Context, p FinishParams) (*FinishResult, error) {
	if !p.Status.IsTerminal() {
		return nil, &common.LedgerWriteError{Op: "finish_run", Err: fmt.Errorf("status %s is not terminal", p.Status)}
	}
	tx, err := r.drv.Tx(ctx)
	if err != nil {
		return nil, &common.LedgerWriteError{Op: "finish_run", Err: err}
	}
	res, err := r.finishRunTx(ctx, tx, p)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.log.Error("finish_run rollback failed", "run_id", p.RunID, "error", rbErr)
		}
		r.log.Error("finish_run failed", "run_id", p.RunID, "status", p.Status, "error", err)
		return nil, &common.LedgerWriteError{Op: "finish_run", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &common.LedgerWriteError{Op: "finish_run", Err: err}
	}
	if res.Finalized {
		r.log.Info("chain_execution finished", "run_id", p.RunID, "status", p.Status)
	}
	return res, nil
}

func (r *ledgerRepo) finishRunTx(ctx context.Context, tx dialect.Tx, p FinishParams) (*FinishResult, error) {
	at := p.At.UTC()
	upd := r.sql().Update(tableRuns).
		Set("status", string(p.Status)).
		Set("finished_at", at).
		Set("updated_at", at)
	if len(p.FinalResult) > 0 {
		upd.Set("final_result", string(p.FinalResult))
	}
	if p.Error != nil {
		upd.Set("error_kind", p.Error.Kind).
			Set("error_stage", p.Error.Stage).
			Set("error_message", p.Error.Message)
	}
	if p.FailedStage {
		upd.Add("failed_stages", 1)
	}
	query, args := upd.Where(entsql.And(
		entsql.EQ("run_id", p.RunID),
		entsql.IsNull("finished_at"),
	)).Query()
	n, err := execAffected(ctx, tx, query, args)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return &FinishResult{}, nil
	}
	res := &FinishResult{Finalized: true}
	if p.BatchID == nil {
		return res, nil
	}
	// revoked runs close out as failures so the batch always reaches its total
	counter := "failed_items"
	if p.Status == constants.RunStatusSuccess {
		counter = "completed_items"
	}
	batch, err := incrementBatch(ctx, tx, r.drv.Dialect(), *p.BatchID, counter, at)
	if err != nil {
		return nil, err
	}
	res.Batch = batch
	return res, nil
}

func (r *ledgerRepo) GetRun(ctx context.Context, runID uuid.UUID) (*entity.RunRecord, error) {
	query, args := r.sql().Select(runColumns...).
		From(entsql.Table(tableRuns)).
		Where(entsql.EQ("run_id", runID)).
		Query()
	runs, err := r.queryRuns(ctx, query, args)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, common.ErrNotFound)
	}
	return runs[0], nil
}

func (r *ledgerRepo) ListRuns(ctx context.Context, f entity.RunFilter) ([]*entity.RunRecord, error) {
	sel := r.sql().Select(runColumns...).From(entsql.Table(tableRuns))
	var preds []*entsql.Predicate
	if f.BatchID != nil {
		preds = append(preds, entsql.EQ("batch_id", *f.BatchID))
	}
	if f.Status != nil {
		preds = append(preds, entsql.EQ("status", string(*f.Status)))
	}
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}
	sel.OrderBy(entsql.Desc("created_at"))
	if f.Limit > 0 {
		sel.Limit(f.Limit)
	}
	query, args := sel.Query()
	return r.queryRuns(ctx, query, args)
}

// ListUnfinished returns runs without finished_at, oldest first.
func (r *ledgerRepo) ListUnfinished(ctx context.Context) ([]*entity.RunRecord, error) {
	query, args := r.sql().Select(runColumns...).
		From(entsql.Table(tableRuns)).
		Where(entsql.IsNull("finished_at")).
		OrderBy(entsql.Asc("created_at")).
		Query()
	return r.queryRuns(ctx, query, args)
}

func (r *ledgerRepo) Stats(ctx context.Context) (*entity.RunStats, error) {
	stats := &entity.RunStats{ByStatus: map[constants.RunStatus]int{}}

	query, args := r.sql().Select("status", entsql.Count("*")).
		From(entsql.Table(tableRuns)).
		GroupBy("status").
		Query()
	var rows entsql.Rows
	if err := r.drv.Query(ctx, query, args, &rows); err != nil {
		return nil, fmt.Errorf("stats by status: %w", err)
	}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stats.ByStatus[constants.RunStatus(st)] = n
		stats.Total += n
	}
	if err := closeRows(&rows); err != nil {
		return nil, err
	}

	query, args = r.sql().Select("started_at", "finished_at").
		From(entsql.Table(tableRuns)).
		Where(entsql.And(entsql.NotNull("started_at"), entsql.NotNull("finished_at"))).
		Query()
	if err := r.drv.Query(ctx, query, args, &rows); err != nil {
		return nil, fmt.Errorf("stats durations: %w", err)
	}
	var (
		sum   time.Duration
		count int
	)
	for rows.Next() {
		var started, finished time.Time
		if err := rows.Scan(&started, &finished); err != nil {
			_ = rows.Close()
			return nil, err
		}
		sum += finished.Sub(started)
		count++
	}
	if err := closeRows(&rows); err != nil {
		return nil, err
	}
	if count > 0 {
		stats.MeanDuration = sum / time.Duration(count)
	}

	query, args = r.sql().Select("finished_at").From(entsql.Table(tableBatches)).Query()
	if err := r.drv.Query(ctx, query, args, &rows); err != nil {
		return nil, fmt.Errorf("stats batches: %w", err)
	}
	for rows.Next() {
		var finished sql.NullTime
		if err := rows.Scan(&finished); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if finished.Valid {
			stats.FinishedBatches++
		} else {
			stats.OpenBatches++
		}
	}
	if err := closeRows(&rows); err != nil {
		return nil, err
	}
	return stats, nil
}

func (r *ledgerRepo) queryRuns(ctx context.Context, query string, args []any) ([]*entity.RunRecord, error) {
	var rows entsql.Rows
	if err := r.drv.Query(ctx, query, args, &rows); err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	var out []*entity.RunRecord
	for rows.Next() {
		rec, err := scanRun(&rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, rec)
	}
	if err := closeRows(&rows); err != nil {
		return nil, err
	}
	return out, nil
}

func scanRun(rows *entsql.Rows) (*entity.RunRecord, error) {
	var (
		rec                           entity.RunRecord
		batchID                       uuid.NullUUID
		status                        string
		startedAt, finishedAt         sql.NullTime
		finalResult                   []byte
		errKind, errStage, errMessage sql.NullString
		options, outputs              []byte
	)
	if err := rows.Scan(
		&rec.RunID, &batchID, &rec.TotalStages, &rec.CompletedStages, &rec.FailedStages, &status,
		&startedAt, &finishedAt, &rec.InitiatedBy, &rec.InputSummary, &finalResult,
		&errKind, &errStage, &errMessage, &options, &outputs,
		&rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	rec.Status = constants.RunStatus(status)
	if batchID.Valid {
		id := batchID.UUID
		rec.BatchID = &id
	}
	rec.StartedAt = nullTimePtr(startedAt)
	rec.FinishedAt = nullTimePtr(finishedAt)
	if len(finalResult) > 0 {
		rec.FinalResult = json.RawMessage(finalResult)
	}
	if errMessage.Valid {
		msg := errMessage.String
		rec.ErrorMessage = &msg
		rec.Error = &entity.RunError{Kind: errKind.String, Stage: errStage.String, Message: msg}
	}
	if err := json.Unmarshal(options, &rec.Options); err != nil {
		return nil, fmt.Errorf("decode options of %s: %w", rec.RunID, err)
	}
	if err := json.Unmarshal(outputs, &rec.StageOutputs); err != nil {
		return nil, fmt.Errorf("decode stage_outputs of %s: %w", rec.RunID, err)
	}
	return &rec, nil
}

func execAffected(ctx context.Context, ex dialect.ExecQuerier, query string, args []any) (int64, error) {
	var res entsql.Result
	if err := ex.Exec(ctx, query, args, &res); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func closeRows(rows *entsql.Rows) error {
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	return rows.Close()
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nonNilOutputs(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return map[string]json.RawMessage{}
	}
	return m
}
