package constants

// RunStatus is the canonical status for a run, stored as-is in chain_executions.
type RunStatus string

// Stable values (store these exact strings in DB).
const (
	RunStatusPending RunStatus = "PENDING" // submitted, no stage picked up yet
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusFailure RunStatus = "FAILURE"
	RunStatusRevoked RunStatus = "REVOKED"
)

func (s RunStatus) String() string { return string(s) }

// IsTerminal reports whether no further transition is possible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailure, RunStatusRevoked:
		return true
	default:
		return false
	}
}

// CanTransitionTo encodes PENDING -> RUNNING -> {SUCCESS, FAILURE, REVOKED}.
// A pending run may also be revoked before its first stage starts.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusRunning || next == RunStatusRevoked
	case RunStatusRunning:
		return next == RunStatusSuccess || next == RunStatusFailure || next == RunStatusRevoked
	default:
		return false
	}
}

// BatchStatus is the status of a batch_executions row.
type BatchStatus string

const (
	BatchStatusRunning        BatchStatus = "RUNNING"
	BatchStatusSuccess        BatchStatus = "SUCCESS"
	BatchStatusFailure        BatchStatus = "FAILURE"
	BatchStatusPartialFailure BatchStatus = "PARTIAL_FAILURE"
)

func (s BatchStatus) String() string { return string(s) }

// DeriveBatchStatus computes the batch status from its counters.
// It returns RUNNING until completed+failed reaches total.
func DeriveBatchStatus(total, completed, failed int) BatchStatus {
	if completed+failed < total {
		return BatchStatusRunning
	}
	switch {
	case failed == 0:
		return BatchStatusSuccess
	case completed == 0:
		return BatchStatusFailure
	default:
		return BatchStatusPartialFailure
	}
}

// AttemptOutcome is the outcome column of task_logs.
type AttemptOutcome string

const (
	AttemptOutcomeSuccess AttemptOutcome = "SUCCESS"
	AttemptOutcomeRetry   AttemptOutcome = "RETRY"
	AttemptOutcomeFailure AttemptOutcome = "FAILURE"
	AttemptOutcomeRevoked AttemptOutcome = "REVOKED"
)
