package store

import (
	"context"

	"github.com/google/uuid"
)

// ExecutionListFilter filters ListExecutions.
type ExecutionListFilter struct {
	WorkflowID string
	Status     Status
	HasStatus  bool
	Limit      int
	Offset     int
}

// ExecutionStore exposes atomic operations over executions, step results,
// signals, and stream chunks. All mutating operations are wrapped by the
// implementation with the database retry decorator (internal/db.WithRetry).
type ExecutionStore interface {
	GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error)
	CreateExecution(ctx context.Context, params CreateExecutionParams) (*Execution, error)
	UpdateExecution(ctx context.Context, id uuid.UUID, patch ExecutionPatch) (*Execution, error)
	CancelExecution(ctx context.Context, id uuid.UUID) (*Status, error)
	ResumeExecution(ctx context.Context, id uuid.UUID) (*Status, error)
	ListExecutions(ctx context.Context, filter ExecutionListFilter) ([]*Execution, error)
	ProcessEnqueued(ctx context.Context) ([]uuid.UUID, error)

	GetWorkflowDefinition(ctx context.Context, id string) (*WorkflowDefinition, error)

	CreateStepResult(ctx context.Context, executionID uuid.UUID, stepName string) (*StepResult, bool, error)
	UpdateStepResult(ctx context.Context, executionID uuid.UUID, stepName string, patch StepResultPatch) (*StepResult, error)
	GetStepResult(ctx context.Context, executionID uuid.UUID, stepName string) (*StepResult, error)
	GetStepResults(ctx context.Context, executionID uuid.UUID) ([]*StepResult, error)

	WriteStreamChunk(ctx context.Context, chunk StreamChunk) error
	GetStreamChunks(ctx context.Context, executionID uuid.UUID, lastSeenByStep map[string]int) ([]*StreamChunk, error)
	DeleteStreamChunks(ctx context.Context, executionID uuid.UUID) error

	SendSignal(ctx context.Context, executionID uuid.UUID, name string, payload any) (*Signal, error)
	ConsumeSignal(ctx context.Context, executionID uuid.UUID, name string) (*Signal, error)
}
