// Package core drives runs through their pipeline: it owns the run state machine,
// writes the ledger, mirrors progress into the cache and schedules stage attempts.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/async"
	"github.com/joseph-ayodele/docflow/internal/cache"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/metrics"
	"github.com/joseph-ayodele/docflow/internal/pipeline"
	"github.com/joseph-ayodele/docflow/internal/repository"
)

// bookkeepingTimeout bounds ledger and cache writes made after a stage returns.
const bookkeepingTimeout = 10 * time.Second

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Ledger   repository.LedgerRepository
	Attempts repository.AttemptRepository
	Cache    cache.Store
	Queue    async.Queue
	Policy   RetryPolicy
	Metrics  metrics.Recorder
	// Middleware runs inside the built-in chain, right around the stage.
	Middleware []Middleware
	Clock      func() time.Time
	Logger     *slog.Logger
}

// Orchestrator advances runs one stage attempt at a time. Register Handle with the
// worker pool that backs Deps.Queue.
type Orchestrator struct {
	logger   *slog.Logger
	pipeline *pipeline.Pipeline
	ledger   repository.LedgerRepository
	attempts repository.AttemptRepository
	cache    cache.Store
	queue    async.Queue
	policy   RetryPolicy
	metrics  metrics.Recorder
	now      func() time.Time
	exec     StageFunc

	mu   sync.Mutex
	runs map[uuid.UUID]*runHandle
}

// runHandle is the in-process state of a live run. At most one worker owns it.
type runHandle struct {
	mu    sync.Mutex
	rc    *entity.RunContext
	token *pipeline.Token
	busy  bool
}

func NewOrchestrator(d Deps) (*Orchestrator, error) {
	switch {
	case d.Pipeline == nil:
		return nil, errors.New("orchestrator: pipeline is required")
	case d.Ledger == nil || d.Attempts == nil:
		return nil, errors.New("orchestrator: ledger repositories are required")
	case d.Cache == nil:
		return nil, errors.New("orchestrator: cache store is required")
	case d.Queue == nil:
		return nil, errors.New("orchestrator: queue is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Policy.MaxAttempts <= 0 {
		d.Policy = DefaultRetryPolicy()
	}

	o := &Orchestrator{
		logger:   d.Logger,
		pipeline: d.Pipeline,
		ledger:   d.Ledger,
		attempts: d.Attempts,
		cache:    d.Cache,
		queue:    d.Queue,
		policy:   d.Policy,
		metrics:  d.Metrics,
		now:      d.Clock,
		runs:     make(map[uuid.UUID]*runHandle),
	}
	chain := []Middleware{
		Logging(d.Logger),
		AttemptLog(d.Attempts, d.Policy, d.Clock),
		Metrics(d.Metrics, d.Policy),
		Recover(d.Logger),
		ValidateInput(),
	}
	o.exec = Chain(executeStage, append(chain, d.Middleware...)...)
	return o, nil
}

// Submit creates a PENDING run and queues its first stage. batchID tags batch members.
// Enqueue applies backpressure: Submit blocks while the queue is full, until ctx is done.
func (o *Orchestrator) Submit(ctx context.Context, opts entity.RunOptions, batchID *uuid.UUID) (uuid.UUID, error) {
	if opts.Source == "" {
		return uuid.Nil, common.NewValidationError("run source is required")
	}
	rc := entity.NewRunContext(opts, batchID, o.pipeline.Len(), o.now())
	if err := o.ledger.CreateRun(ctx, rc); err != nil {
		return uuid.Nil, err
	}
	h := o.register(rc)
	o.saveCache(ctx, rc)
	o.metrics.RunSubmitted(batchID != nil)
	o.metrics.RunsInFlight(1)

	item := async.WorkItem{RunID: rc.RunID, Stage: 0, Attempt: 1}
	if err := o.queue.Enqueue(ctx, item); err != nil {
		o.logger.Error("enqueue failed, failing run", "run_id", rc.RunID, "error", err)
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
		defer cancel()
		h.mu.Lock()
		if !h.rc.Status.IsTerminal() {
			o.finish(wctx, h, constants.RunStatusFailure, &entity.RunError{
				Kind:    common.ErrorKind(err),
				Stage:   o.stageName(0),
				Message: fmt.Sprintf("enqueue: %v", err),
			}, false)
		}
		h.mu.Unlock()
		return rc.RunID, fmt.Errorf("enqueue run %s: %w", rc.RunID, err)
	}
	o.logger.Info("run submitted", "run_id", rc.RunID, "batch_id", batchID, "source", opts.Source)
	return rc.RunID, nil
}

// Handle executes one work item. It is the worker pool's handler.
func (o *Orchestrator) Handle(ctx context.Context, item async.WorkItem) {
	h, ok := o.lookup(item.RunID)
	if !ok {
		o.logger.Debug("dropping item for unknown or finished run", "run_id", item.RunID, "stage", item.Stage)
		return
	}

	h.mu.Lock()
	if h.busy || h.rc.Status.IsTerminal() || item.Stage != h.rc.CurrentStage || item.Attempt != h.rc.Attempt {
		o.logger.Debug("dropping stale item",
			"run_id", item.RunID, "stage", item.Stage, "attempt", item.Attempt,
			"current_stage", h.rc.CurrentStage, "current_attempt", h.rc.Attempt)
		h.mu.Unlock()
		return
	}
	if h.token.Cancelled() {
		o.revoke(ctx, h)
		h.mu.Unlock()
		return
	}
	if h.rc.Status == constants.RunStatusPending {
		if err := o.start(ctx, h); err != nil {
			o.finishFailed(ctx, h, err)
			h.mu.Unlock()
			return
		}
	}
	h.busy = true
	stage, _ := o.pipeline.At(h.rc.CurrentStage)
	call := &StageCall{
		Run:     h.rc.Clone(),
		Stage:   stage,
		Index:   h.rc.CurrentStage,
		Attempt: h.rc.Attempt,
		Token:   h.token,
	}
	h.mu.Unlock()

	out, err := o.exec(ctx, call)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.busy = false
	if err != nil {
		o.fail(ctx, h, call, err)
		return
	}
	o.advance(ctx, h, call, out)
}

// start moves a run from PENDING to RUNNING.
func (o *Orchestrator) start(ctx context.Context, h *runHandle) error {
	now := o.now()
	if err := o.ledger.MarkRunning(ctx, h.rc.RunID, now); err != nil {
		return err
	}
	if err := h.rc.Transition(constants.RunStatusRunning, now); err != nil {
		return err
	}
	o.saveCache(ctx, h.rc)
	return nil
}

// advance records a successful attempt and schedules what comes next. The ledger
// write happens before anything else observes the new stage.
func (o *Orchestrator) advance(ctx context.Context, h *runHandle, call *StageCall, out pipeline.Output) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	name := call.Stage.ID().String()
	now := o.now()
	if err := o.ledger.RecordStageCompleted(wctx, h.rc, name, out.Payload, now); err != nil {
		o.finishFailed(wctx, h, err)
		return
	}
	if err := h.rc.CommitStage(name, out.Payload, now); err != nil {
		o.finishFailed(wctx, h, err)
		return
	}
	o.saveCache(wctx, h.rc)

	if h.rc.Done() {
		o.finish(wctx, h, constants.RunStatusSuccess, nil, false)
		return
	}
	if h.token.Cancelled() {
		o.revoke(wctx, h)
		return
	}
	next := async.WorkItem{RunID: h.rc.RunID, Stage: h.rc.CurrentStage, Attempt: 1}
	if err := o.queue.EnqueueAfter(next, 0); err != nil {
		o.logger.Warn("could not queue next stage, run left for recovery",
			"run_id", h.rc.RunID, "stage", h.rc.CurrentStage, "error", err)
	}
}

// fail either schedules another attempt of the same stage or ends the run.
func (o *Orchestrator) fail(ctx context.Context, h *runHandle, call *StageCall, err error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if h.token.Cancelled() || common.Classify(err) == common.ClassCancelled {
		o.revoke(wctx, h)
		return
	}
	if o.policy.ShouldRetry(err, call.Attempt) {
		delay := o.policy.Backoff(call.Attempt)
		h.rc.Attempt = call.Attempt + 1
		h.rc.UpdatedAt = o.now().UTC()
		o.saveCache(wctx, h.rc)
		o.logger.Info("retrying stage",
			"run_id", h.rc.RunID, "stage", call.Stage.ID(), "next_attempt", h.rc.Attempt, "delay", delay, "error", err)
		retry := async.WorkItem{RunID: h.rc.RunID, Stage: call.Index, Attempt: h.rc.Attempt}
		if qerr := o.queue.EnqueueAfter(retry, delay); qerr != nil {
			o.logger.Warn("could not schedule retry, run left for recovery", "run_id", h.rc.RunID, "error", qerr)
		}
		return
	}
	if common.Classify(err) == common.ClassRetryable {
		err = &common.RetryExhaustedError{Stage: call.Stage.ID().String(), Attempts: call.Attempt, Last: err}
	}
	o.finishFailed(wctx, h, err)
}

func (o *Orchestrator) finishFailed(ctx context.Context, h *runHandle, err error) {
	o.finish(ctx, h, constants.RunStatusFailure, &entity.RunError{
		Kind:    common.ErrorKind(err),
		Stage:   o.stageName(h.rc.CurrentStage),
		Message: err.Error(),
	}, true)
}

func (o *Orchestrator) revoke(ctx context.Context, h *runHandle) {
	o.finish(ctx, h, constants.RunStatusRevoked, &entity.RunError{
		Kind:    common.ErrorKind(common.ErrCancelled),
		Stage:   o.stageName(h.rc.CurrentStage),
		Message: common.ErrCancelled.Error(),
	}, false)
}

// finish writes the terminal state. The caller holds h.mu.
func (o *Orchestrator) finish(ctx context.Context, h *runHandle, status constants.RunStatus, runErr *entity.RunError, failedStage bool) {
	rc := h.rc
	now := o.now()
	p := repository.FinishParams{
		RunID:       rc.RunID,
		BatchID:     rc.BatchID,
		Status:      status,
		Error:       runErr,
		FailedStage: failedStage,
		At:          now,
	}
	if status == constants.RunStatusSuccess && rc.TotalStages > 0 {
		p.FinalResult, _ = rc.Output(o.stageName(rc.TotalStages - 1))
	}

	res, err := o.ledger.FinishRun(ctx, p)
	if err != nil {
		// the row stays unfinished and is picked up by Recover
		o.logger.Error("run finalization failed", "run_id", rc.RunID, "status", status, "error", err)
	}
	if terr := rc.Transition(status, now); terr != nil {
		o.logger.Error("invalid terminal transition", "run_id", rc.RunID, "error", terr)
		rc.Status = status
	}
	rc.Error = runErr
	o.saveCache(ctx, rc)
	o.forget(rc.RunID)

	o.metrics.RunsInFlight(-1)
	o.metrics.RunFinished(status.String(), now.Sub(rc.CreatedAt))
	if res != nil && res.Batch != nil && res.Batch.FinishedAt != nil {
		o.metrics.BatchFinished(res.Batch.Status.String())
		o.logger.Info("batch finished",
			"batch_id", res.Batch.BatchID,
			"status", res.Batch.Status,
			"completed", res.Batch.CompletedItems,
			"failed", res.Batch.FailedItems)
	}
	o.logger.Info("run finished", "run_id", rc.RunID, "status", status, "stage", rc.CurrentStage)
}

// Cancel requests cancellation. A run no worker holds is revoked at once; a running
// one stops at its next stage boundary. It returns false for unknown or finished runs.
func (o *Orchestrator) Cancel(ctx context.Context, runID uuid.UUID) bool {
	h, ok := o.lookup(runID)
	if !ok {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rc.Status.IsTerminal() {
		return false
	}
	h.token.Cancel()
	if !h.busy {
		o.revoke(ctx, h)
	} else {
		o.logger.Info("cancellation requested, stopping at next stage boundary", "run_id", runID)
	}
	return true
}

// Snapshot returns a copy of a live run's context.
func (o *Orchestrator) Snapshot(runID uuid.UUID) (*entity.RunContext, bool) {
	h, ok := o.lookup(runID)
	if !ok {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rc.Clone(), true
}

// Recover reloads unfinished runs from the ledger and queues their current stage.
// It returns how many runs were resumed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	recs, err := o.ledger.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished runs: %w", err)
	}
	resumed := 0
	for _, rec := range recs {
		if _, live := o.lookup(rec.RunID); live {
			continue
		}
		rc := runContextFromRecord(rec)
		h := o.register(rc)
		o.metrics.RunsInFlight(1)

		h.mu.Lock()
		queued, err := o.resume(ctx, h)
		h.mu.Unlock()
		if err != nil {
			return resumed, err
		}
		if queued {
			resumed++
		}
	}
	if resumed > 0 {
		o.logger.Info("recovered unfinished runs", "count", resumed)
	}
	return resumed, nil
}

func (o *Orchestrator) resume(ctx context.Context, h *runHandle) (bool, error) {
	rc := h.rc
	if rc.TotalStages != o.pipeline.Len() {
		o.finishFailed(ctx, h, common.NewValidationError(
			"run has %d stages, pipeline has %d", rc.TotalStages, o.pipeline.Len()))
		return false, nil
	}
	if rc.Done() {
		o.finish(ctx, h, constants.RunStatusSuccess, nil, false)
		return false, nil
	}

	rows, err := o.attempts.ListAttempts(ctx, rc.RunID)
	if err != nil {
		return false, fmt.Errorf("list attempts of %s: %w", rc.RunID, err)
	}
	stage := o.stageName(rc.CurrentStage)
	last := 0
	for _, a := range rows {
		if a.Stage == stage && a.Attempt > last {
			last = a.Attempt
		}
	}
	rc.Attempt = last + 1
	if rc.Attempt > o.policy.MaxAttempts {
		o.finishFailed(ctx, h, &common.RetryExhaustedError{
			Stage: stage, Attempts: last, Last: errors.New("interrupted by restart"),
		})
		return false, nil
	}

	o.saveCache(ctx, rc)
	item := async.WorkItem{RunID: rc.RunID, Stage: rc.CurrentStage, Attempt: rc.Attempt}
	if err := o.queue.Enqueue(ctx, item); err != nil {
		o.forget(rc.RunID)
		o.metrics.RunsInFlight(-1)
		return false, fmt.Errorf("requeue %s: %w", rc.RunID, err)
	}
	o.logger.Info("run resumed", "run_id", rc.RunID, "stage", stage, "attempt", rc.Attempt)
	return true, nil
}

// Live is the number of runs this process is tracking.
func (o *Orchestrator) Live() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

// Stages lists the pipeline's stage ids in order.
func (o *Orchestrator) Stages() []pipeline.StageID {
	return o.pipeline.IDs()
}

func (o *Orchestrator) register(rc *entity.RunContext) *runHandle {
	h := &runHandle{rc: rc, token: pipeline.NewToken()}
	o.mu.Lock()
	o.runs[rc.RunID] = h
	o.mu.Unlock()
	return h
}

func (o *Orchestrator) lookup(runID uuid.UUID) (*runHandle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.runs[runID]
	return h, ok
}

func (o *Orchestrator) forget(runID uuid.UUID) {
	o.mu.Lock()
	delete(o.runs, runID)
	o.mu.Unlock()
}

func (o *Orchestrator) saveCache(ctx context.Context, rc *entity.RunContext) {
	if err := o.cache.Save(ctx, rc); err != nil {
		o.logger.Warn("cache save failed", "run_id", rc.RunID, "error", err)
	}
}

func (o *Orchestrator) stageName(i int) string {
	if s, ok := o.pipeline.At(i); ok {
		return s.ID().String()
	}
	return ""
}

func runContextFromRecord(rec *entity.RunRecord) *entity.RunContext {
	rc := &entity.RunContext{
		RunID:        rec.RunID,
		BatchID:      rec.BatchID,
		CurrentStage: rec.CompletedStages,
		TotalStages:  rec.TotalStages,
		Attempt:      1,
		Status:       rec.Status,
		StageOutputs: rec.StageOutputs,
		Options:      rec.Options,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	return rc.Clone()
}
