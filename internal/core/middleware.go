package core

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/metrics"
	"github.com/joseph-ayodele/docflow/internal/pipeline"
	"github.com/joseph-ayodele/docflow/internal/repository"
)

// StageCall is one attempt of one stage, as seen by the middleware chain.
type StageCall struct {
	// Run is a snapshot owned by this attempt. Stages read it; nobody writes it back.
	Run     *entity.RunContext
	Stage   pipeline.Stage
	Index   int
	Attempt int
	Token   pipeline.CancelToken
}

// StageFunc executes a stage call.
type StageFunc func(ctx context.Context, call *StageCall) (pipeline.Output, error)

// Middleware wraps a StageFunc.
type Middleware func(next StageFunc) StageFunc

// Chain wraps final so that mws[0] is the outermost layer.
func Chain(final StageFunc, mws ...Middleware) StageFunc {
	h := final
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func executeStage(ctx context.Context, call *StageCall) (pipeline.Output, error) {
	return call.Stage.Execute(ctx, call.Run, call.Token)
}

// Recover turns a panicking stage into a fatal error.
func Recover(logger *slog.Logger) Middleware {
	return func(next StageFunc) StageFunc {
		return func(ctx context.Context, call *StageCall) (out pipeline.Output, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("stage panicked",
						"run_id", call.Run.RunID,
						"stage", call.Stage.ID(),
						"panic", r,
						"stack", string(debug.Stack()))
					out, err = pipeline.Output{}, fmt.Errorf("stage %s panicked: %v", call.Stage.ID(), r)
				}
			}()
			return next(ctx, call)
		}
	}
}

// Logging logs the start and end of every attempt.
func Logging(logger *slog.Logger) Middleware {
	return func(next StageFunc) StageFunc {
		return func(ctx context.Context, call *StageCall) (pipeline.Output, error) {
			log := logger.With(
				"run_id", call.Run.RunID,
				"stage", call.Stage.ID(),
				"attempt", call.Attempt,
				"worker_id", common.WorkerIDFromContext(ctx),
			)
			log.Debug("stage started")
			start := time.Now()
			out, err := next(ctx, call)
			elapsed := time.Since(start)
			if err != nil {
				log.Warn("stage failed", "class", common.Classify(err).String(), "duration", elapsed, "error", err)
				return out, err
			}
			log.Info("stage completed", "duration", elapsed, "output_bytes", out.Size())
			return out, nil
		}
	}
}

// Metrics records each attempt's outcome and duration.
func Metrics(rec metrics.Recorder, policy RetryPolicy) Middleware {
	return func(next StageFunc) StageFunc {
		return func(ctx context.Context, call *StageCall) (pipeline.Output, error) {
			start := time.Now()
			out, err := next(ctx, call)
			rec.StageAttempt(call.Stage.ID().String(), string(attemptOutcome(policy, err, call.Attempt)), time.Since(start))
			return out, err
		}
	}
}

// AttemptLog appends one task_logs row per attempt. A failed append fails the attempt
// with a LedgerWriteError.
func AttemptLog(repo repository.AttemptRepository, policy RetryPolicy, clock func() time.Time) Middleware {
	return func(next StageFunc) StageFunc {
		return func(ctx context.Context, call *StageCall) (pipeline.Output, error) {
			started := clock()
			out, err := next(ctx, call)

			row := &entity.StageAttempt{
				RunID:       call.Run.RunID,
				Stage:       call.Stage.ID().String(),
				Attempt:     call.Attempt,
				StartedAt:   started,
				FinishedAt:  clock(),
				Outcome:     attemptOutcome(policy, err, call.Attempt),
				RetryCount:  call.Attempt - 1,
				InputBytes:  inputBytes(call.Run),
				OutputBytes: out.Size(),
			}
			if err != nil {
				msg := err.Error()
				row.ErrorMessage = &msg
			}
			// the attempt's own deadline may already be spent
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
			defer cancel()
			if aerr := repo.AppendAttempt(wctx, row); aerr != nil {
				return pipeline.Output{}, &common.LedgerWriteError{Op: "append_attempt", Err: aerr}
			}
			return out, err
		}
	}
}

// ValidateInput rejects a call whose run lacks what the stage needs.
func ValidateInput() Middleware {
	return func(next StageFunc) StageFunc {
		return func(ctx context.Context, call *StageCall) (pipeline.Output, error) {
			if !call.Stage.ValidateInput(call.Run) {
				return pipeline.Output{}, common.NewValidationError("stage %s: input not satisfied", call.Stage.ID())
			}
			return next(ctx, call)
		}
	}
}

// Observe calls fn before every attempt.
func Observe(fn func(call *StageCall)) Middleware {
	return func(next StageFunc) StageFunc {
		return func(ctx context.Context, call *StageCall) (pipeline.Output, error) {
			fn(call)
			return next(ctx, call)
		}
	}
}

func attemptOutcome(policy RetryPolicy, err error, attempt int) constants.AttemptOutcome {
	switch {
	case err == nil:
		return constants.AttemptOutcomeSuccess
	case common.Classify(err) == common.ClassCancelled:
		return constants.AttemptOutcomeRevoked
	case policy.ShouldRetry(err, attempt):
		return constants.AttemptOutcomeRetry
	default:
		return constants.AttemptOutcomeFailure
	}
}

func inputBytes(rc *entity.RunContext) int {
	n := 0
	for _, out := range rc.StageOutputs {
		n += len(out)
	}
	return n
}
