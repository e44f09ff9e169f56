// Package executor implements the top-level workflow delivery loop: lock,
// replay, phase execution, trigger fan-out, and terminal transitions.
package executor

import "github.com/google/uuid"

// Status is the result of one delivery attempt, distinct from
// store.Status: it additionally reports transient, non-persisted outcomes
// (locked, retryable) that the scheduler maps to re-entry decisions.
type Status string

const (
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusSleeping         Status = "sleeping"
	StatusWaitingForSignal Status = "waiting_for_signal"
	StatusCancelled        Status = "cancelled"
	StatusLocked           Status = "locked"
	StatusRetryable        Status = "retryable"
)

// TriggerOutcome reports what happened firing one trigger on completion.
type TriggerOutcome struct {
	WorkflowID        string
	Status            string // triggered | skipped | failed
	ChildExecutionIDs []uuid.UUID
}

// Result is the outcome of one Deliver call. The scheduler inspects Status
// and the suspension-specific fields to decide on re-entry (§4.8).
type Result struct {
	Status Status
	Output any
	Error  string

	// Sleeping
	WakeAtEpochMs int64

	// WaitingForSignal
	SignalName       string
	TimeoutAtEpochMs *int64

	// Retryable / Locked
	RetryCount int
	Retryable  bool

	Triggers []TriggerOutcome
}
