package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NotFoundError is returned for an unknown execution or workflow.
type NotFoundError struct {
	Kind string // "execution" | "workflow"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// LockedError means the execution's row lock could not be acquired.
// Retryable with a backoff of at least 30s.
type LockedError struct {
	ExecutionID uuid.UUID
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("execution %s is locked", e.ExecutionID)
}

// ContentionError means the caller lost a step's create-result race and the
// winner is still running. Retryable with backoff.
type ContentionError struct {
	ExecutionID uuid.UUID
	StepName    string
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("step %s/%s is already in progress", e.ExecutionID, e.StepName)
}

// CancelledError is observed when an execution's status reads `cancelled`
// mid-delivery. Terminal for that delivery.
type CancelledError struct {
	ExecutionID uuid.UUID
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("execution %s was cancelled", e.ExecutionID)
}

// RetryableError wraps a transport/database failure (network, timeout, 5xx,
// 429, connection loss) that should be retried with exponential backoff.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// FatalStepError marks a step (and thus the execution) as failed for a
// non-retryable reason: validation, authorization, client error.
type FatalStepError struct {
	StepName string
	Err      error
}

func (e *FatalStepError) Error() string {
	return fmt.Sprintf("step %q failed fatally: %v", e.StepName, e.Err)
}

func (e *FatalStepError) Unwrap() error { return e.Err }

// TimeoutError means the execution's deadline was exceeded. Fatal for the
// execution.
type TimeoutError struct {
	ExecutionID uuid.UUID
	DeadlineAt  time.Time
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution %s exceeded its deadline at %s", e.ExecutionID, e.DeadlineAt)
}
