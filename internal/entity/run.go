package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docflow/constants"
)

var (
	// ErrOutputExists is returned when a stage output would be rewritten.
	ErrOutputExists = errors.New("stage output already recorded")
	// ErrInvalidTransition is returned for a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// RunOptions are the caller supplied, immutable options of a run.
type RunOptions struct {
	Source      string            `json:"source"`
	InitiatedBy string            `json:"initiated_by,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
}

// RunError describes why a run ended in FAILURE or REVOKED.
type RunError struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

func (e *RunError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s at %s: %s", e.Kind, e.Stage, e.Message)
}

// RunContext is the live state of a run. It travels between stages and is mirrored
// into the cache store as JSON.
type RunContext struct {
	RunID        uuid.UUID                  `json:"run_id"`
	BatchID      *uuid.UUID                 `json:"batch_id,omitempty"`
	CurrentStage int                        `json:"current_stage"`
	TotalStages  int                        `json:"total_stages"`
	Attempt      int                        `json:"attempt"`
	Status       constants.RunStatus        `json:"status"`
	StageOutputs map[string]json.RawMessage `json:"stage_outputs"`
	Options      RunOptions                 `json:"options"`
	Error        *RunError                  `json:"error,omitempty"`
	CreatedAt    time.Time                  `json:"created_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

// NewRunContext seeds a PENDING run positioned at stage 0.
func NewRunContext(opts RunOptions, batchID *uuid.UUID, totalStages int, now time.Time) *RunContext {
	return &RunContext{
		RunID:        uuid.New(),
		BatchID:      batchID,
		TotalStages:  totalStages,
		Attempt:      1,
		Status:       constants.RunStatusPending,
		StageOutputs: map[string]json.RawMessage{},
		Options:      opts.clone(),
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
}

func (o RunOptions) clone() RunOptions {
	o.Params = maps.Clone(o.Params)
	return o
}

// Param returns an option parameter or "".
func (rc *RunContext) Param(key string) string {
	if rc.Options.Params == nil {
		return ""
	}
	return rc.Options.Params[key]
}

// Output returns the recorded output of a completed stage.
func (rc *RunContext) Output(stage string) (json.RawMessage, bool) {
	out, ok := rc.StageOutputs[stage]
	return out, ok
}

// CommitStage records the output of the current stage and moves to the next one.
// Outputs are append-only: an existing key is never overwritten.
func (rc *RunContext) CommitStage(stage string, out json.RawMessage, now time.Time) error {
	if rc.StageOutputs == nil {
		rc.StageOutputs = map[string]json.RawMessage{}
	}
	if _, exists := rc.StageOutputs[stage]; exists {
		return fmt.Errorf("%w: %s", ErrOutputExists, stage)
	}
	rc.StageOutputs[stage] = append(json.RawMessage(nil), out...)
	rc.CurrentStage++
	rc.Attempt = 1
	rc.UpdatedAt = now.UTC()
	return nil
}

// Transition moves the run to next if the state machine allows it.
func (rc *RunContext) Transition(next constants.RunStatus, now time.Time) error {
	if !rc.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rc.Status, next)
	}
	rc.Status = next
	rc.UpdatedAt = now.UTC()
	return nil
}

// Done reports whether every stage has committed an output.
func (rc *RunContext) Done() bool { return rc.CurrentStage >= rc.TotalStages }

// Progress is completed stages over total stages, in [0,1].
func (rc *RunContext) Progress() float64 {
	if rc.TotalStages <= 0 {
		return 0
	}
	return float64(rc.CurrentStage) / float64(rc.TotalStages)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (rc *RunContext) Clone() *RunContext {
	cp := *rc
	if rc.BatchID != nil {
		id := *rc.BatchID
		cp.BatchID = &id
	}
	cp.StageOutputs = make(map[string]json.RawMessage, len(rc.StageOutputs))
	for k, v := range rc.StageOutputs {
		cp.StageOutputs[k] = append(json.RawMessage(nil), v...)
	}
	cp.Options = rc.Options.clone()
	if rc.Error != nil {
		e := *rc.Error
		cp.Error = &e
	}
	return &cp
}
