// Package pipeline defines the stages a run moves through and the typed registry that
// orders them. Stages are pure workers: they read the run context and return an output,
// and never touch run status or position.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
)

// StageID names a stage. It is also the key of the stage's output in the run context.
type StageID string

const (
	StagePreprocess  StageID = "preprocess"
	StageOCR         StageID = "ocr"
	StageInference   StageID = "inference"
	StagePostprocess StageID = "postprocess"
)

func (id StageID) String() string { return string(id) }

// DefaultOrder is the document pipeline.
var DefaultOrder = []StageID{StagePreprocess, StageOCR, StageInference, StagePostprocess}

// Output is what a stage produces: a JSON payload stored under the stage's id.
type Output struct {
	Payload json.RawMessage
}

// JSONOutput encodes v as a stage output.
func JSONOutput(v any) (Output, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Output{}, fmt.Errorf("encode stage output: %w", err)
	}
	return Output{Payload: b}, nil
}

// Size is the payload length in bytes.
func (o Output) Size() int { return len(o.Payload) }

// Stage is one step of a pipeline.
type Stage interface {
	ID() StageID
	// ValidateInput reports whether rc carries what Execute needs. It must not block.
	ValidateInput(rc *entity.RunContext) bool
	// Execute performs the stage. Long running stages should watch ctx and tok and
	// return common.ErrCancelled when tok fires.
	Execute(ctx context.Context, rc *entity.RunContext, tok CancelToken) (Output, error)
}

// CancelToken is the cooperative cancellation signal of a run.
type CancelToken interface {
	Cancelled() bool
	Done() <-chan struct{}
}

// Token is the CancelToken handed out by the orchestrator.
type Token struct {
	once sync.Once
	ch   chan struct{}
}

func NewToken() *Token {
	return &Token{ch: make(chan struct{})}
}

// Cancel fires the token. It is safe to call more than once.
func (t *Token) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

func (t *Token) Cancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

func (t *Token) Done() <-chan struct{} { return t.ch }

// decodeOutput reads the output of an earlier stage.
func decodeOutput[T any](rc *entity.RunContext, id StageID) (T, error) {
	var v T
	raw, ok := rc.Output(id.String())
	if !ok {
		return v, common.NewValidationError("missing %s output", id)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, common.NewValidationError("decode %s output: %v", id, err)
	}
	return v, nil
}

func hasOutput(rc *entity.RunContext, id StageID) bool {
	_, ok := rc.Output(id.String())
	return ok
}
