// Package pipeline is the caller-facing facade over the orchestrator: submit runs and
// batches, poll their status, cancel them and read execution history.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/cache"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/core"
	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/repository"
)

const (
	maxSourceLen    = 4096
	maxInitiatorLen = 128
)

// Runner submits and cancels single runs.
type Runner interface {
	Submit(ctx context.Context, opts entity.RunOptions, batchID *uuid.UUID) (uuid.UUID, error)
	Cancel(ctx context.Context, runID uuid.UUID) bool
}

// BatchSubmitter fans sources out into a batch.
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, sources []string, opts entity.RunOptions) (*core.BatchSubmission, error)
}

// Service handles run submission and status queries.
type Service struct {
	runner   Runner
	batcher  BatchSubmitter
	ledger   repository.LedgerRepository
	batches  repository.BatchRepository
	attempts repository.AttemptRepository
	cache    cache.Store
	logger   *slog.Logger
}

func NewService(
	runner Runner,
	batcher BatchSubmitter,
	ledger repository.LedgerRepository,
	batches repository.BatchRepository,
	attempts repository.AttemptRepository,
	store cache.Store,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runner:   runner,
		batcher:  batcher,
		ledger:   ledger,
		batches:  batches,
		attempts: attempts,
		cache:    store,
		logger:   logger,
	}
}

// RunStatusView is what callers poll for a run.
type RunStatusView struct {
	RunID        uuid.UUID           `json:"run_id"`
	BatchID      *uuid.UUID          `json:"batch_id,omitempty"`
	Status       constants.RunStatus `json:"status"`
	CurrentStage int                 `json:"current_stage"`
	TotalStages  int                 `json:"total_stages"`
	Progress     float64             `json:"progress"`
	Error        *entity.RunError    `json:"error,omitempty"`
	// FromCache is false when the cache entry had expired and the ledger answered.
	FromCache bool `json:"from_cache"`
}

// BatchStatusView is what callers poll for a batch.
type BatchStatusView struct {
	BatchID   uuid.UUID             `json:"batch_id"`
	Completed int                   `json:"completed"`
	Failed    int                   `json:"failed"`
	Total     int                   `json:"total"`
	Status    constants.BatchStatus `json:"status"`
	// Live counts members still in flight according to the cache.
	Live int `json:"live"`
}

// SubmitRun validates opts and starts a run.
func (s *Service) SubmitRun(ctx context.Context, opts entity.RunOptions) (uuid.UUID, error) {
	opts.Source = strings.TrimSpace(opts.Source)
	v := common.NewValidator().Field("source", opts.Source, common.Required, common.MaxLength(maxSourceLen))
	validateOptions(v, opts)
	if err := common.ValidateAndReturnError(v); err != nil {
		s.logger.Error("submit request invalid", "error", v.ErrorMessage())
		return uuid.Nil, err
	}
	runID, err := s.runner.Submit(ctx, opts, nil)
	if err != nil {
		s.logger.Error("submit run failed", "source", opts.Source, "error", err)
		return runID, toStatus(err, "submit run")
	}
	return runID, nil
}

// SubmitBatch starts one run per source under a new batch.
func (s *Service) SubmitBatch(ctx context.Context, sources []string, opts entity.RunOptions) (uuid.UUID, error) {
	v := common.NewValidator()
	cleaned := make([]string, 0, len(sources))
	for i, src := range sources {
		src = strings.TrimSpace(src)
		v.Field(fmt.Sprintf("items[%d]", i), src, common.Required, common.MaxLength(maxSourceLen))
		cleaned = append(cleaned, src)
	}
	validateOptions(v, opts)
	if err := common.ValidateAndReturnError(v); err != nil {
		s.logger.Error("submit batch request invalid", "error", v.ErrorMessage())
		return uuid.Nil, err
	}
	sub, err := s.batcher.SubmitBatch(ctx, cleaned, opts)
	if err != nil {
		s.logger.Error("submit batch failed", "items", len(cleaned), "error", err)
		if sub != nil {
			return sub.BatchID, toStatus(err, "submit batch")
		}
		return uuid.Nil, toStatus(err, "submit batch")
	}
	return sub.BatchID, nil
}

func validateOptions(v *common.Validator, opts entity.RunOptions) {
	v.Field("initiated_by", opts.InitiatedBy, common.MaxLength(maxInitiatorLen))
	if c, ok := opts.Params["currency"]; ok {
		v.Field("params.currency", c, common.CurrencyCode)
	}
}

// GetStatus answers from the cache and falls back to the ledger once the entry expired.
func (s *Service) GetStatus(ctx context.Context, runID string) (RunStatusView, error) {
	id, err := parseID(runID, "run_id")
	if err != nil {
		return RunStatusView{}, err
	}

	rc, err := s.cache.Load(ctx, id)
	switch {
	case err == nil:
		return RunStatusView{
			RunID:        rc.RunID,
			BatchID:      rc.BatchID,
			Status:       rc.Status,
			CurrentStage: rc.CurrentStage,
			TotalStages:  rc.TotalStages,
			Progress:     rc.Progress(),
			Error:        rc.Error,
			FromCache:    true,
		}, nil
	case !errors.Is(err, cache.ErrNotFound):
		s.logger.Warn("cache read failed, falling back to ledger", "run_id", id, "error", err)
	}

	rec, err := s.ledger.GetRun(ctx, id)
	if err != nil {
		return RunStatusView{}, toStatus(err, "get run")
	}
	view := RunStatusView{
		RunID:        rec.RunID,
		BatchID:      rec.BatchID,
		Status:       rec.Status,
		CurrentStage: rec.CompletedStages,
		TotalStages:  rec.TotalStages,
		Error:        rec.Error,
	}
	if rec.TotalStages > 0 {
		view.Progress = float64(rec.CompletedStages) / float64(rec.TotalStages)
	}
	return view, nil
}

// GetBatchStatus reads the batch counters from the ledger.
func (s *Service) GetBatchStatus(ctx context.Context, batchID string) (BatchStatusView, error) {
	id, err := parseID(batchID, "batch_id")
	if err != nil {
		return BatchStatusView{}, err
	}
	b, err := s.batches.GetBatch(ctx, id)
	if err != nil {
		return BatchStatusView{}, toStatus(err, "get batch")
	}
	view := BatchStatusView{
		BatchID:   b.BatchID,
		Completed: b.CompletedItems,
		Failed:    b.FailedItems,
		Total:     b.TotalItems,
		Status:    b.Status,
	}
	members, err := s.cache.LoadAllByBatch(ctx, id)
	if err != nil {
		s.logger.Warn("cache batch read failed", "batch_id", id, "error", err)
		return view, nil
	}
	for _, rc := range members {
		if !rc.Status.IsTerminal() {
			view.Live++
		}
	}
	return view, nil
}

// Cancel asks the orchestrator to revoke a run. It returns false for a run that is
// already finished.
func (s *Service) Cancel(ctx context.Context, runID string) (bool, error) {
	id, err := parseID(runID, "run_id")
	if err != nil {
		return false, err
	}
	if s.runner.Cancel(ctx, id) {
		s.logger.Info("run cancellation accepted", "run_id", id)
		return true, nil
	}
	if _, err := s.ledger.GetRun(ctx, id); err != nil {
		return false, toStatus(err, "cancel run")
	}
	return false, nil
}

// ListRuns returns ledger rows, newest first.
func (s *Service) ListRuns(ctx context.Context, f entity.RunFilter) ([]*entity.RunRecord, error) {
	runs, err := s.ledger.ListRuns(ctx, f)
	if err != nil {
		return nil, toStatus(err, "list runs")
	}
	return runs, nil
}

// ListAttempts returns the attempt log of a run.
func (s *Service) ListAttempts(ctx context.Context, runID string) ([]*entity.StageAttempt, error) {
	id, err := parseID(runID, "run_id")
	if err != nil {
		return nil, err
	}
	rows, err := s.attempts.ListAttempts(ctx, id)
	if err != nil {
		return nil, toStatus(err, "list attempts")
	}
	return rows, nil
}

func (s *Service) Stats(ctx context.Context) (*entity.RunStats, error) {
	st, err := s.ledger.Stats(ctx)
	if err != nil {
		return nil, toStatus(err, "stats")
	}
	return st, nil
}

func parseID(raw, field string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if err := common.ValidateAndReturnError(common.NewValidator().Field(field, raw, common.UUID)); err != nil {
		return uuid.Nil, err
	}
	return uuid.MustParse(raw), nil
}

func toStatus(err error, op string) error {
	var vErr *common.ValidationError
	switch {
	case errors.As(err, &vErr):
		return common.InvalidArgumentErrorf("%s: %v", op, err)
	case errors.Is(err, common.ErrNotFound):
		return common.NotFoundErrorf("%s: %v", op, err)
	case errors.Is(err, context.Canceled):
		return status.Errorf(codes.Canceled, "%s: %v", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Errorf(codes.DeadlineExceeded, "%s: %v", op, err)
	default:
		return common.InternalErrorf("%s: %v", op, err)
	}
}
