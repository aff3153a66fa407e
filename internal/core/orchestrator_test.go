package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/async"
	"github.com/joseph-ayodele/docflow/internal/cache"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/pipeline"
	"github.com/joseph-ayodele/docflow/internal/repository"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stageFunc func(ctx context.Context, rc *entity.RunContext, tok pipeline.CancelToken) (pipeline.Output, error)

// fakeStage echoes the run source unless fn overrides it. It needs the previous
// stage's output, like the real document stages.
type fakeStage struct {
	id    pipeline.StageID
	prev  pipeline.StageID
	fn    stageFunc
	calls atomic.Int32
}

func (s *fakeStage) ID() pipeline.StageID { return s.id }

func (s *fakeStage) ValidateInput(rc *entity.RunContext) bool {
	if s.prev == "" {
		return true
	}
	_, ok := rc.Output(s.prev.String())
	return ok
}

func (s *fakeStage) Execute(ctx context.Context, rc *entity.RunContext, tok pipeline.CancelToken) (pipeline.Output, error) {
	s.calls.Add(1)
	if s.fn != nil {
		return s.fn(ctx, rc, tok)
	}
	return echo(s.id, rc)
}

func echo(id pipeline.StageID, rc *entity.RunContext) (pipeline.Output, error) {
	return pipeline.JSONOutput(map[string]any{"stage": id, "source": rc.Options.Source})
}

func fourStages() []*fakeStage {
	return []*fakeStage{
		{id: pipeline.StagePreprocess},
		{id: pipeline.StageOCR, prev: pipeline.StagePreprocess},
		{id: pipeline.StageInference, prev: pipeline.StageOCR},
		{id: pipeline.StagePostprocess, prev: pipeline.StageInference},
	}
}

type harness struct {
	orch     *Orchestrator
	batches  *BatchCoordinator
	ledger   repository.LedgerRepository
	attempts repository.AttemptRepository
	batchDB  repository.BatchRepository
	cache    *cache.MemoryStore
	pool     *async.WorkerPool
}

type harnessConfig struct {
	workers    int
	timeout    time.Duration
	noStart    bool
	middleware []Middleware
}

func newHarness(t *testing.T, stages []*fakeStage, cfg harnessConfig) *harness {
	t.Helper()
	ctx := context.Background()
	log := quietLogger()

	drv, err := repository.OpenSQLite(ctx, repository.MemoryDSN, log)
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(ctx, drv))
	t.Cleanup(func() { _ = drv.Close() })

	ps := make([]pipeline.Stage, len(stages))
	for i, s := range stages {
		ps[i] = s
	}
	pl, err := pipeline.Of(ps...)
	require.NoError(t, err)

	if cfg.workers == 0 {
		cfg.workers = 4
	}
	if cfg.timeout == 0 {
		cfg.timeout = 5 * time.Second
	}
	pool := async.NewWorkerPool(log,
		async.WithWorkers(cfg.workers),
		async.WithQueueSize(512),
		async.WithProcessTimeout(cfg.timeout))

	h := &harness{
		ledger:   repository.NewLedgerRepository(drv, log),
		attempts: repository.NewAttemptRepository(drv, log),
		batchDB:  repository.NewBatchRepository(drv, log),
		cache:    cache.NewMemoryStore(time.Hour),
		pool:     pool,
	}
	h.orch, err = NewOrchestrator(Deps{
		Pipeline:   pl,
		Ledger:     h.ledger,
		Attempts:   h.attempts,
		Cache:      h.cache,
		Queue:      pool,
		Policy:     RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 10 * time.Millisecond},
		Middleware: cfg.middleware,
		Logger:     log,
	})
	require.NoError(t, err)
	h.batches = NewBatchCoordinator(h.orch, h.batchDB, log)

	if !cfg.noStart {
		pool.Start(h.orch.Handle)
	}
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(sctx)
	})
	return h
}

func (h *harness) waitFinished(t *testing.T, runID uuid.UUID) *entity.RunRecord {
	t.Helper()
	var rec *entity.RunRecord
	require.Eventually(t, func() bool {
		r, err := h.ledger.GetRun(context.Background(), runID)
		if err != nil || r.FinishedAt == nil {
			return false
		}
		rec = r
		return true
	}, 10*time.Second, 5*time.Millisecond)
	return rec
}

func (h *harness) waitBatch(t *testing.T, batchID uuid.UUID) *entity.BatchRecord {
	t.Helper()
	var b *entity.BatchRecord
	require.Eventually(t, func() bool {
		r, err := h.batchDB.GetBatch(context.Background(), batchID)
		if err != nil || r.FinishedAt == nil {
			return false
		}
		b = r
		return true
	}, 20*time.Second, 10*time.Millisecond)
	return b
}

func outcomes(t *testing.T, h *harness, runID uuid.UUID) []string {
	t.Helper()
	rows, err := h.attempts.ListAttempts(context.Background(), runID)
	require.NoError(t, err)
	out := make([]string, len(rows))
	for i, a := range rows {
		out[i] = fmt.Sprintf("%s#%d:%s", a.Stage, a.Attempt, a.Outcome)
	}
	return out
}

func TestOrchestrator_SingleRunSucceeds(t *testing.T) {
	stages := fourStages()
	h := newHarness(t, stages, harnessConfig{})
	ctx := context.Background()

	runID, err := h.orch.Submit(ctx, entity.RunOptions{Source: "invoice.pdf", InitiatedBy: "test"}, nil)
	require.NoError(t, err)

	rec := h.waitFinished(t, runID)
	assert.Equal(t, constants.RunStatusSuccess, rec.Status)
	assert.Equal(t, 4, rec.CompletedStages)
	assert.Equal(t, 0, rec.FailedStages)
	assert.NotNil(t, rec.StartedAt)
	assert.Nil(t, rec.ErrorMessage)
	assert.Len(t, rec.StageOutputs, 4)
	assert.JSONEq(t, string(rec.StageOutputs["postprocess"]), string(rec.FinalResult))

	assert.Equal(t, []string{
		"preprocess#1:SUCCESS", "ocr#1:SUCCESS", "inference#1:SUCCESS", "postprocess#1:SUCCESS",
	}, outcomes(t, h, runID))

	cached, err := h.cache.Load(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, constants.RunStatusSuccess, cached.Status)
	assert.Equal(t, 4, cached.CurrentStage)
	assert.InDelta(t, 1.0, cached.Progress(), 1e-9)
	assert.Zero(t, h.orch.Live())
}

func TestOrchestrator_TransientFailuresAreRetried(t *testing.T) {
	stages := fourStages()
	var calls atomic.Int32
	stages[1].fn = func(ctx context.Context, rc *entity.RunContext, tok pipeline.CancelToken) (pipeline.Output, error) {
		if calls.Add(1) <= 2 {
			return pipeline.Output{}, common.Retryable("ocr", errors.New("connection reset by peer"))
		}
		return echo(pipeline.StageOCR, rc)
	}
	h := newHarness(t, stages, harnessConfig{})

	runID, err := h.orch.Submit(context.Background(), entity.RunOptions{Source: "scan.png"}, nil)
	require.NoError(t, err)
	rec := h.waitFinished(t, runID)

	assert.Equal(t, constants.RunStatusSuccess, rec.Status)
	assert.Equal(t, 0, rec.FailedStages)
	assert.Nil(t, rec.Error)
	assert.EqualValues(t, 3, stages[1].calls.Load())
	assert.Equal(t, []string{
		"preprocess#1:SUCCESS",
		"ocr#1:RETRY", "ocr#2:RETRY", "ocr#3:SUCCESS",
		"inference#1:SUCCESS", "postprocess#1:SUCCESS",
	}, outcomes(t, h, runID))

	var ocrRows int
	rows, err := h.attempts.ListAttempts(context.Background(), runID)
	require.NoError(t, err)
	for _, a := range rows {
		if a.Stage == pipeline.StageOCR.String() {
			ocrRows++
			assert.Equal(t, a.Attempt-1, a.RetryCount)
		}
	}
	assert.Equal(t, 3, ocrRows)

	// same outputs as a run that never hit the transient errors
	clean := newHarness(t, fourStages(), harnessConfig{})
	cleanID, err := clean.orch.Submit(context.Background(), entity.RunOptions{Source: "scan.png"}, nil)
	require.NoError(t, err)
	cleanRec := clean.waitFinished(t, cleanID)
	require.Len(t, rec.StageOutputs, len(cleanRec.StageOutputs))
	for k, v := range cleanRec.StageOutputs {
		assert.JSONEq(t, string(v), string(rec.StageOutputs[k]), k)
	}
	assert.JSONEq(t, string(cleanRec.FinalResult), string(rec.FinalResult))
}

func TestOrchestrator_FatalErrorStopsRun(t *testing.T) {
	stages := fourStages()
	stages[2].fn = func(ctx context.Context, rc *entity.RunContext, tok pipeline.CancelToken) (pipeline.Output, error) {
		return pipeline.Output{}, common.NewValidationError("model returned no document_type")
	}
	h := newHarness(t, stages, harnessConfig{})

	runID, err := h.orch.Submit(context.Background(), entity.RunOptions{Source: "receipt.jpg"}, nil)
	require.NoError(t, err)
	rec := h.waitFinished(t, runID)

	assert.Equal(t, constants.RunStatusFailure, rec.Status)
	assert.Equal(t, 2, rec.CompletedStages)
	assert.Equal(t, 1, rec.FailedStages)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "validation", rec.Error.Kind)
	assert.Equal(t, "inference", rec.Error.Stage)
	assert.Contains(t, *rec.ErrorMessage, "no document_type")
	assert.Contains(t, rec.StageOutputs, "preprocess")
	assert.Contains(t, rec.StageOutputs, "ocr")
	assert.EqualValues(t, 1, stages[2].calls.Load(), "fatal errors are not retried")
	assert.Zero(t, stages[3].calls.Load())
}

func TestOrchestrator_RetriesExhausted(t *testing.T) {
	stages := fourStages()
	stages[0].fn = func(ctx context.Context, rc *entity.RunContext, tok pipeline.CancelToken) (pipeline.Output, error) {
		return pipeline.Output{}, common.Retryable("preprocess", errors.New("service unavailable"))
	}
	h := newHarness(t, stages, harnessConfig{})

	runID, err := h.orch.Submit(context.Background(), entity.RunOptions{Source: "a.pdf"}, nil)
	require.NoError(t, err)
	rec := h.waitFinished(t, runID)

	assert.Equal(t, constants.RunStatusFailure, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "retry_exhausted", rec.Error.Kind)
	assert.Contains(t, rec.Error.Message, "service unavailable")
	assert.Equal(t, []string{
		"preprocess#1:RETRY", "preprocess#2:RETRY", "preprocess#3:FAILURE",
	}, outcomes(t, h, runID))
}

func TestOrchestrator_StageTimeoutIsRetryable(t *testing.T) {
	stages := fourStages()
	var calls atomic.Int32
	stages[1].fn = func(ctx context.Context, rc *entity.RunContext, tok pipeline.CancelToken) (pipeline.Output, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return pipeline.Output{}, ctx.Err()
		}
		return echo(pipeline.StageOCR, rc)
	}
	h := newHarness(t, stages, harnessConfig{timeout: 50 * time.Millisecond})

	runID, err := h.orch.Submit(context.Background(), entity.RunOptions{Source: "slow.pdf"}, nil)
	require.NoError(t, err)
	rec := h.waitFinished(t, runID)

	assert.Equal(t, constants.RunStatusSuccess, rec.Status)
	assert.Contains(t, outcomes(t, h, runID), "ocr#1:RETRY")
}

func TestOrchestrator_PanicIsFatal(t *testing.T) {
	stages := fourStages()
	stages[0].fn = func(ctx context.Context, rc *entity.RunContext, tok pipeline.CancelToken) (pipeline.Output, error) {
		panic("nil map")
	}
	h := newHarness(t, stages, harnessConfig{})

	runID, err := h.orch.Submit(context.Background(), entity.RunOptions{Source: "a.pdf"}, nil)
	require.NoError(t, err)
	rec := h.waitFinished(t, runID)
	assert.Equal(t, constants.RunStatusFailure, rec.Status)
	assert.Contains(t, *rec.ErrorMessage, "panicked")
}

func TestOrchestrator_CancelBeforeStart(t *testing.T) {
	stages := fourStages()
	h := newHarness(t, stages, harnessConfig{noStart: true})
	ctx := context.Background()

	runID, err := h.orch.Submit(ctx, entity.RunOptions{Source: "a.pdf"}, nil)
	require.NoError(t, err)

	assert.True(t, h.orch.Cancel(ctx, runID))
	assert.False(t, h.orch.Cancel(ctx, runID), "already revoked")
	assert.False(t, h.orch.Cancel(ctx, uuid.New()), "unknown run")

	rec, err := h.ledger.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, constants.RunStatusRevoked, rec.Status)
	assert.Nil(t, rec.StartedAt)
	assert.NotNil(t, rec.FinishedAt)
	assert.Equal(t, 0, rec.CompletedStages)

	// the queued item is dropped once workers start
	h.pool.Start(h.orch.Handle)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, stages[0].calls.Load())
	assert.Empty(t, outcomes(t, h, runID))
}

func TestOrchestrator_CancelWhileRunningStopsAtBoundary(t *testing.T) {
	stages := fourStages()
	entered := make(chan struct{})
	release := make(chan struct{})
	stages[1].fn = func(ctx context.Context, rc *entity.RunContext, tok pipeline.CancelToken) (pipeline.Output, error) {
		close(entered)
		<-release
		return echo(pipeline.StageOCR, rc)
	}
	h := newHarness(t, stages, harnessConfig{})
	ctx := context.Background()

	runID, err := h.orch.Submit(ctx, entity.RunOptions{Source: "a.pdf"}, nil)
	require.NoError(t, err)
	<-entered

	assert.True(t, h.orch.Cancel(ctx, runID))
	live, ok := h.orch.Snapshot(runID)
	require.True(t, ok, "run stays live until the attempt returns")
	assert.Equal(t, constants.RunStatusRunning, live.Status)
	close(release)

	rec := h.waitFinished(t, runID)
	assert.Equal(t, constants.RunStatusRevoked, rec.Status)
	assert.Equal(t, 2, rec.CompletedStages, "in-flight stage output is kept")
	assert.Contains(t, rec.StageOutputs, "ocr")
	assert.Zero(t, stages[2].calls.Load())
	assert.Zero(t, stages[3].calls.Load())
	assert.Equal(t, 0, rec.FailedStages)
}

func TestOrchestrator_CooperativeCancel(t *testing.T) {
	stages := fourStages()
	entered := make(chan struct{})
	stages[0].fn = func(ctx context.Context, rc *entity.RunContext, tok pipeline.CancelToken) (pipeline.Output, error) {
		close(entered)
		select {
		case <-tok.Done():
			return pipeline.Output{}, common.ErrCancelled
		case <-time.After(5 * time.Second):
			return echo(pipeline.StagePreprocess, rc)
		}
	}
	h := newHarness(t, stages, harnessConfig{})
	ctx := context.Background()

	runID, err := h.orch.Submit(ctx, entity.RunOptions{Source: "a.pdf"}, nil)
	require.NoError(t, err)
	<-entered
	require.True(t, h.orch.Cancel(ctx, runID))

	rec := h.waitFinished(t, runID)
	assert.Equal(t, constants.RunStatusRevoked, rec.Status)
	assert.Equal(t, []string{"preprocess#1:REVOKED"}, outcomes(t, h, runID))
}

func TestOrchestrator_StageIndexIsMonotonic(t *testing.T) {
	var mu sync.Mutex
	seen := map[uuid.UUID][]int{}
	observer := Observe(func(call *StageCall) {
		assert.Equal(t, call.Index, call.Run.CurrentStage)
		mu.Lock()
		seen[call.Run.RunID] = append(seen[call.Run.RunID], call.Run.CurrentStage)
		mu.Unlock()
	})

	stages := fourStages()
	var n atomic.Int32
	stages[2].fn = func(ctx context.Context, rc *entity.RunContext, tok pipeline.CancelToken) (pipeline.Output, error) {
		if n.Add(1)%3 == 0 {
			return pipeline.Output{}, common.Retryable("inference", errors.New("429"))
		}
		return echo(pipeline.StageInference, rc)
	}
	h := newHarness(t, stages, harnessConfig{workers: 6, middleware: []Middleware{observer}})

	ids := make([]uuid.UUID, 20)
	for i := range ids {
		id, err := h.orch.Submit(context.Background(), entity.RunOptions{Source: fmt.Sprintf("doc-%d.pdf", i)}, nil)
		require.NoError(t, err)
		ids[i] = id
	}
	for _, id := range ids {
		h.waitFinished(t, id)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		seq := seen[id]
		require.NotEmpty(t, seq)
		for i := 1; i < len(seq); i++ {
			assert.GreaterOrEqual(t, seq[i], seq[i-1], "run %s went backwards: %v", id, seq)
		}
	}
}

func TestOrchestrator_Recover(t *testing.T) {
	stages := fourStages()
	h := newHarness(t, stages, harnessConfig{noStart: true})
	ctx := context.Background()

	// a run that finished preprocess before the process died
	rc := entity.NewRunContext(entity.RunOptions{Source: "left.pdf"}, nil, 4, time.Now())
	require.NoError(t, h.ledger.CreateRun(ctx, rc))
	require.NoError(t, h.ledger.MarkRunning(ctx, rc.RunID, time.Now()))
	out, err := echo(pipeline.StagePreprocess, rc)
	require.NoError(t, err)
	require.NoError(t, h.ledger.RecordStageCompleted(ctx, rc, "preprocess", out.Payload, time.Now()))
	require.NoError(t, h.attempts.AppendAttempt(ctx, &entity.StageAttempt{
		RunID: rc.RunID, Stage: "ocr", Attempt: 1, StartedAt: time.Now(), FinishedAt: time.Now(),
		Outcome: constants.AttemptOutcomeRetry,
	}))

	n, err := h.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "already live")

	h.pool.Start(h.orch.Handle)
	rec := h.waitFinished(t, rc.RunID)
	assert.Equal(t, constants.RunStatusSuccess, rec.Status)
	assert.Zero(t, stages[0].calls.Load(), "completed stage is not re-run")
	assert.Contains(t, outcomes(t, h, rc.RunID), "ocr#2:SUCCESS")
}

func TestOrchestrator_SubmitValidation(t *testing.T) {
	h := newHarness(t, fourStages(), harnessConfig{})
	id, err := h.orch.Submit(context.Background(), entity.RunOptions{}, nil)
	assert.Equal(t, uuid.Nil, id)
	var vErr *common.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestBatch_HundredItemsWithFatalFailures(t *testing.T) {
	stages := fourStages()
	jitter := func(id pipeline.StageID) stageFunc {
		return func(ctx context.Context, rc *entity.RunContext, tok pipeline.CancelToken) (pipeline.Output, error) {
			time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)
			if id == pipeline.StageInference && strings.HasPrefix(rc.Options.Source, "bad-") {
				return pipeline.Output{}, common.NewValidationError("unreadable document")
			}
			return echo(id, rc)
		}
	}
	for _, s := range stages {
		s.fn = jitter(s.id)
	}
	h := newHarness(t, stages, harnessConfig{workers: 8})

	sources := make([]string, 100)
	for i := range sources {
		sources[i] = fmt.Sprintf("doc-%03d.pdf", i)
		if i%10 == 0 {
			sources[i] = "bad-" + sources[i]
		}
	}
	rand.Shuffle(len(sources), func(i, j int) { sources[i], sources[j] = sources[j], sources[i] })

	sub, err := h.batches.SubmitBatch(context.Background(), sources, entity.RunOptions{InitiatedBy: "test"})
	require.NoError(t, err)
	assert.Len(t, sub.RunIDs, 100)
	assert.Zero(t, sub.Rejected)

	b := h.waitBatch(t, sub.BatchID)
	assert.Equal(t, 100, b.TotalItems)
	assert.Equal(t, 90, b.CompletedItems)
	assert.Equal(t, 10, b.FailedItems)
	assert.Equal(t, constants.BatchStatusPartialFailure, b.Status)

	failed := constants.RunStatusFailure
	runs, err := h.ledger.ListRuns(context.Background(), entity.RunFilter{BatchID: &sub.BatchID, Status: &failed})
	require.NoError(t, err)
	assert.Len(t, runs, 10)
}

func TestBatch_RejectedItemsAreCountedAsFailed(t *testing.T) {
	h := newHarness(t, fourStages(), harnessConfig{})
	sub, err := h.batches.SubmitBatch(context.Background(), []string{"a.pdf", "", "b.pdf"}, entity.RunOptions{})
	require.NoError(t, err)
	assert.Len(t, sub.RunIDs, 2)
	assert.Equal(t, 1, sub.Rejected)

	b := h.waitBatch(t, sub.BatchID)
	assert.Equal(t, 2, b.CompletedItems)
	assert.Equal(t, 1, b.FailedItems)
	assert.Equal(t, constants.BatchStatusPartialFailure, b.Status)
}

func TestBatch_CancelledMemberCountsAsFailed(t *testing.T) {
	h := newHarness(t, fourStages(), harnessConfig{noStart: true})
	ctx := context.Background()
	sub, err := h.batches.SubmitBatch(ctx, []string{"a.pdf", "b.pdf"}, entity.RunOptions{})
	require.NoError(t, err)
	require.True(t, h.orch.Cancel(ctx, sub.RunIDs[0]))
	h.pool.Start(h.orch.Handle)

	b := h.waitBatch(t, sub.BatchID)
	assert.Equal(t, 1, b.CompletedItems)
	assert.Equal(t, 1, b.FailedItems)
}

func TestBatch_Empty(t *testing.T) {
	h := newHarness(t, fourStages(), harnessConfig{})
	sub, err := h.batches.SubmitBatch(context.Background(), nil, entity.RunOptions{})
	require.NoError(t, err)

	b, err := h.batches.Batch(context.Background(), sub.BatchID)
	require.NoError(t, err)
	assert.Equal(t, constants.BatchStatusSuccess, b.Status)
	assert.NotNil(t, b.FinishedAt)
}

func TestChain_Order(t *testing.T) {
	var trace []string
	mw := func(name string) Middleware {
		return func(next StageFunc) StageFunc {
			return func(ctx context.Context, call *StageCall) (pipeline.Output, error) {
				trace = append(trace, name)
				return next(ctx, call)
			}
		}
	}
	final := func(ctx context.Context, call *StageCall) (pipeline.Output, error) {
		trace = append(trace, "stage")
		return pipeline.Output{Payload: json.RawMessage(`{}`)}, nil
	}
	_, err := Chain(final, mw("a"), mw("b"))(context.Background(), &StageCall{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "stage"}, trace)
}
