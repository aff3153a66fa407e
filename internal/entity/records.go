package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docflow/constants"
)

// RunRecord is a chain_executions row.
type RunRecord struct {
	RunID           uuid.UUID                  `json:"run_id"`
	BatchID         *uuid.UUID                 `json:"batch_id,omitempty"`
	TotalStages     int                        `json:"total_stages"`
	CompletedStages int                        `json:"completed_stages"`
	FailedStages    int                        `json:"failed_stages"`
	Status          constants.RunStatus        `json:"status"`
	StartedAt       *time.Time                 `json:"started_at,omitempty"`
	FinishedAt      *time.Time                 `json:"finished_at,omitempty"`
	InitiatedBy     string                     `json:"initiated_by,omitempty"`
	InputSummary    string                     `json:"input_summary,omitempty"`
	FinalResult     json.RawMessage            `json:"final_result,omitempty"`
	ErrorMessage    *string                    `json:"error_message,omitempty"`
	Error           *RunError                  `json:"error,omitempty"`
	Options         RunOptions                 `json:"options"`
	StageOutputs    map[string]json.RawMessage `json:"stage_outputs,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// Duration is the wall time between start and finish, zero while unfinished.
func (r *RunRecord) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// BatchRecord is a batch_executions row.
type BatchRecord struct {
	BatchID        uuid.UUID             `json:"batch_id"`
	TotalItems     int                   `json:"total_items"`
	CompletedItems int                   `json:"completed_items"`
	FailedItems    int                   `json:"failed_items"`
	Status         constants.BatchStatus `json:"status"`
	InitiatedBy    string                `json:"initiated_by,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	FinishedAt     *time.Time            `json:"finished_at,omitempty"`
}

// Closed reports whether every item has been accounted for.
func (b *BatchRecord) Closed() bool {
	return b.CompletedItems+b.FailedItems >= b.TotalItems
}

// StageAttempt is a task_logs row: one attempt of one stage of one run.
type StageAttempt struct {
	RunID        uuid.UUID                `json:"run_id"`
	Stage        string                   `json:"stage"`
	Attempt      int                      `json:"attempt"`
	StartedAt    time.Time                `json:"started_at"`
	FinishedAt   time.Time                `json:"finished_at"`
	Outcome      constants.AttemptOutcome `json:"outcome"`
	RetryCount   int                      `json:"retry_count"`
	InputBytes   int                      `json:"input_bytes"`
	OutputBytes  int                      `json:"output_bytes"`
	ErrorMessage *string                  `json:"error_message,omitempty"`
}

// RunStats summarises the ledger.
type RunStats struct {
	Total           int                         `json:"total"`
	ByStatus        map[constants.RunStatus]int `json:"by_status"`
	MeanDuration    time.Duration               `json:"mean_duration"`
	OpenBatches     int                         `json:"open_batches"`
	FinishedBatches int                         `json:"finished_batches"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	BatchID *uuid.UUID
	Status  *constants.RunStatus
	Limit   int
}
