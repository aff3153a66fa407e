package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
)

// AttemptRepository is the append-only task_logs table.
type AttemptRepository interface {
	AppendAttempt(ctx context.Context, a *entity.StageAttempt) error
	ListAttempts(ctx context.Context, runID uuid.UUID) ([]*entity.StageAttempt, error)
}

type attemptRepo struct {
	drv *entsql.Driver
	log *slog.Logger
}

func NewAttemptRepository(drv *entsql.Driver, log *slog.Logger) AttemptRepository {
	if log == nil {
		log = slog.Default()
	}
	return &attemptRepo{drv: drv, log: log}
}

var attemptColumns = []string{
	"run_id", "stage", "attempt", "started_at", "finished_at", "outcome",
	"retry_count", "input_bytes", "output_bytes", "error_message",
}

func (r *attemptRepo) AppendAttempt(ctx context.Context, a *entity.StageAttempt) error {
	var errMsg sql.NullString
	if a.ErrorMessage != nil {
		errMsg = sql.NullString{String: *a.ErrorMessage, Valid: true}
	}
	query, args := entsql.Dialect(r.drv.Dialect()).Insert(tableTaskLogs).
		Columns(attemptColumns...).
		Values(a.RunID, a.Stage, a.Attempt, a.StartedAt.UTC(), a.FinishedAt.UTC(), string(a.Outcome),
			a.RetryCount, a.InputBytes, a.OutputBytes, errMsg).
		Query()
	if err := r.drv.Exec(ctx, query, args, nil); err != nil {
		r.log.Error("task_log append failed", "run_id", a.RunID, "stage", a.Stage, "attempt", a.Attempt, "error", err)
		return &common.LedgerWriteError{Op: "append_attempt", Err: err}
	}
	return nil
}

func (r *attemptRepo) ListAttempts(ctx context.Context, runID uuid.UUID) ([]*entity.StageAttempt, error) {
	query, args := entsql.Dialect(r.drv.Dialect()).Select(attemptColumns...).
		From(entsql.Table(tableTaskLogs)).
		Where(entsql.EQ("run_id", runID)).
		OrderBy("started_at", "attempt").
		Query()
	var rows entsql.Rows
	if err := r.drv.Query(ctx, query, args, &rows); err != nil {
		return nil, fmt.Errorf("query task_logs: %w", err)
	}
	var out []*entity.StageAttempt
	for rows.Next() {
		var (
			a       entity.StageAttempt
			outcome string
			errMsg  sql.NullString
		)
		if err := rows.Scan(&a.RunID, &a.Stage, &a.Attempt, &a.StartedAt, &a.FinishedAt, &outcome,
			&a.RetryCount, &a.InputBytes, &a.OutputBytes, &errMsg); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan task_log: %w", err)
		}
		a.Outcome = constants.AttemptOutcome(outcome)
		if errMsg.Valid {
			msg := errMsg.String
			a.ErrorMessage = &msg
		}
		out = append(out, &a)
	}
	if err := closeRows(&rows); err != nil {
		return nil, err
	}
	return out, nil
}
