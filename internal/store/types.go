// Package store owns the workflow/execution data model and the Postgres
// implementation of the execution store described by the executor.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionKind tags the variant of a Step's action.
type ActionKind string

const (
	ActionTool          ActionKind = "tool"
	ActionCode          ActionKind = "code"
	ActionSleep         ActionKind = "sleep"
	ActionWaitForSignal ActionKind = "waitForSignal"
)

// Action is the tagged union Tool{connectionId,toolName} | Code{source} |
// Sleep{untilRef|durationMs} | WaitForSignal{signalName,timeoutMs?}.
type Action struct {
	Kind ActionKind

	// Tool
	ConnectionID string
	ToolName     string

	// Code
	Source string

	// Sleep: exactly one of SleepMs or SleepUntil is set. SleepUntil may
	// itself be a `@...` reference template resolving to an ISO timestamp.
	SleepMs    *int64
	SleepUntil any

	// WaitForSignal
	SignalName string
	TimeoutMs  *int64
}

type rawAction struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId,omitempty"`
	ToolName     string `json:"toolName,omitempty"`
	Source       string `json:"source,omitempty"`
	SleepMs      *int64 `json:"sleepMs,omitempty"`
	SleepUntil   any    `json:"sleepUntil,omitempty"`
	SignalName   string `json:"signalName,omitempty"`
	TimeoutMs    *int64 `json:"timeoutMs,omitempty"`
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var raw rawAction
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch ActionKind(raw.Type) {
	case ActionTool:
		a.Kind = ActionTool
		a.ConnectionID = raw.ConnectionID
		a.ToolName = raw.ToolName
	case ActionCode:
		a.Kind = ActionCode
		a.Source = raw.Source
	case ActionSleep:
		a.Kind = ActionSleep
		a.SleepMs = raw.SleepMs
		a.SleepUntil = raw.SleepUntil
	case ActionWaitForSignal:
		a.Kind = ActionWaitForSignal
		a.SignalName = raw.SignalName
		a.TimeoutMs = raw.TimeoutMs
	default:
		return fmt.Errorf("store: unknown action type %q", raw.Type)
	}
	return nil
}

func (a Action) MarshalJSON() ([]byte, error) {
	raw := rawAction{
		Type:         string(a.Kind),
		ConnectionID: a.ConnectionID,
		ToolName:     a.ToolName,
		Source:       a.Source,
		SleepMs:      a.SleepMs,
		SleepUntil:   a.SleepUntil,
		SignalName:   a.SignalName,
		TimeoutMs:    a.TimeoutMs,
	}
	return json.Marshal(raw)
}

// ForEachMode names an iteration strategy shared by step-level forEach and
// trigger-level forEach.
type ForEachMode string

const (
	ForEachSequential ForEachMode = "sequential"
	ForEachParallel   ForEachMode = "parallel"
	ForEachRace       ForEachMode = "race"
	ForEachAllSettled ForEachMode = "allSettled"
)

// ForEachConfig describes a fan-out over an items reference.
type ForEachConfig struct {
	Items          any         `json:"items"`
	Mode           ForEachMode `json:"mode"`
	MaxConcurrency int         `json:"maxConcurrency,omitempty"`
}

// ParallelMode names a join strategy for a named parallel group.
type ParallelMode string

const (
	ParallelAll        ParallelMode = "all"
	ParallelRace       ParallelMode = "race"
	ParallelAllSettled ParallelMode = "allSettled"
)

// ParallelConfig assigns a step to a named parallel group with a join mode.
type ParallelConfig struct {
	Group string       `json:"group"`
	Mode  ParallelMode `json:"mode"`
}

// StepConfig holds the optional forEach/parallel modifiers for a step.
type StepConfig struct {
	ForEach  *ForEachConfig  `json:"forEach,omitempty"`
	Parallel *ParallelConfig `json:"parallel,omitempty"`
}

// DefaultMaxIterations bounds forEach fan-out absent an explicit override.
const DefaultMaxIterations = 100

// TriggerForEachHardCap is the absolute ceiling on trigger-level forEach fan
// out, applied regardless of any per-trigger override, to prevent fan-out
// denial-of-service.
const TriggerForEachHardCap = 100

// Step is one named unit of work within a WorkflowDefinition.
type Step struct {
	Name                      string      `json:"name"`
	Action                    Action      `json:"action"`
	Input                     any         `json:"input,omitempty"`
	Config                    *StepConfig `json:"config,omitempty"`
	MaxIterations             int         `json:"maxIterations,omitempty"`
	ExcludeFromWorkflowOutput bool        `json:"excludeFromWorkflowOutput,omitempty"`
}

// EffectiveMaxIterations applies the spec default of 100 when unset.
func (s Step) EffectiveMaxIterations() int {
	if s.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return s.MaxIterations
}

// Trigger declares a child workflow invocation fired on parent completion.
type Trigger struct {
	WorkflowID string         `json:"workflowId"`
	Input      any            `json:"input"`
	ForEach    *ForEachConfig `json:"forEach,omitempty"`
}

// WorkflowDefinition is the declarative graph of steps and triggers.
type WorkflowDefinition struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Steps       []Step    `json:"steps"`
	Triggers    []Trigger `json:"triggers,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// legacyShape is the historical `{phases:[[Step,...], ...]}` container that
// must be flattened into an ordered flat step sequence on read. Newly
// authored workflows use the flat `steps` shape directly; both are accepted.
type legacyShape struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Phases      [][]Step    `json:"phases"`
	Steps       []Step      `json:"steps"`
	Triggers    []Trigger   `json:"triggers,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// UnmarshalJSON accepts either the flat `steps:[...]` shape or the legacy
// `phases:[[...]]` shape, flattening the latter in phase-then-step order.
func (w *WorkflowDefinition) UnmarshalJSON(data []byte) error {
	var raw legacyShape
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	w.ID = raw.ID
	w.Title = raw.Title
	w.Description = raw.Description
	w.Triggers = raw.Triggers
	w.CreatedAt = raw.CreatedAt
	w.UpdatedAt = raw.UpdatedAt

	if len(raw.Steps) > 0 {
		w.Steps = raw.Steps
		return nil
	}
	flat := make([]Step, 0, len(raw.Phases))
	for _, phase := range raw.Phases {
		flat = append(flat, phase...)
	}
	w.Steps = flat
	return nil
}

// MarshalJSON always writes the flat shape; legacy phases are a read-time
// accommodation only.
func (w WorkflowDefinition) MarshalJSON() ([]byte, error) {
	type flat struct {
		ID          string    `json:"id"`
		Title       string    `json:"title"`
		Description string    `json:"description,omitempty"`
		Steps       []Step    `json:"steps"`
		Triggers    []Trigger `json:"triggers,omitempty"`
		CreatedAt   time.Time `json:"createdAt"`
		UpdatedAt   time.Time `json:"updatedAt"`
	}
	return json.Marshal(flat{
		ID:          w.ID,
		Title:       w.Title,
		Description: w.Description,
		Steps:       w.Steps,
		Triggers:    w.Triggers,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	})
}

// StepByName looks up a step by name, returning ok=false if absent.
func (w WorkflowDefinition) StepByName(name string) (Step, bool) {
	for _, s := range w.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// Status is the execution lifecycle state.
type Status string

const (
	StatusEnqueued  Status = "enqueued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Execution is one run of a WorkflowDefinition.
type Execution struct {
	ID                 uuid.UUID
	WorkflowID         string
	Status             Status
	Input              any
	Output             any
	Error              *string
	ParentExecutionID  *uuid.UUID
	CreatedAt          time.Time
	UpdatedAt          time.Time
	StartedAtEpochMs   *int64
	CompletedAtEpochMs *int64
	StartAtEpochMs     int64
	DeadlineAtEpochMs  *int64
	LockedAt           *time.Time
	LockedUntil        *time.Time
	LockID             *uuid.UUID
	RetryCount         int
	MaxRetries         int
	RuntimeContext     any
	CreatedBy          *string
	// TriggeredExecutionIDs records the child executions created by this
	// execution's trigger fan-out, for audit/inspection.
	TriggeredExecutionIDs []uuid.UUID
}

// IsTerminal reports whether status is one of the sticky terminal states.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CreateExecutionParams are the caller-supplied fields for a new execution.
type CreateExecutionParams struct {
	WorkflowID        string
	Input             any
	TimeoutMs         *int64
	StartAtEpochMs    *int64
	ParentExecutionID *uuid.UUID
	RuntimeContext    any
	CreatedBy         *string
}

// ExecutionPatch is a partial update applied to an execution row.
type ExecutionPatch struct {
	Status             *Status
	Output             any
	SetOutput          bool
	Error              *string
	StartedAtEpochMs   *int64
	CompletedAtEpochMs *int64
	RetryCount         *int
	TriggeredExecutionIDs []uuid.UUID
	SetTriggeredExecutionIDs bool
}

// StepResult is the per-step checkpoint row. Key (ExecutionID, StepName) is
// unique; once CompletedAtEpochMs is set the row is immutable.
type StepResult struct {
	ExecutionID        uuid.UUID
	StepName           string
	StartedAtEpochMs   int64
	CompletedAtEpochMs *int64
	Output             any
	Error              *string
}

// IsCompleted reports whether the step reached a terminal outcome.
func (r StepResult) IsCompleted() bool {
	return r.CompletedAtEpochMs != nil
}

// IsFailed reports whether the step completed with an error.
func (r StepResult) IsFailed() bool {
	return r.IsCompleted() && r.Error != nil
}

// StepResultPatch updates a step result row; guarded at the store layer by
// `completed_at_epoch_ms IS NULL`.
type StepResultPatch struct {
	CompletedAtEpochMs *int64
	Output             any
	SetOutput          bool
	Error              *string
}

// Signal is a named external event delivered to an execution and consumed
// at most once.
type Signal struct {
	ID          uuid.UUID
	ExecutionID uuid.UUID
	Name        string
	Payload     any
	CreatedAt   time.Time
	ConsumedAt  *time.Time
}

// StreamChunk is one ordered increment of a step's live output.
type StreamChunk struct {
	ID          string
	ExecutionID uuid.UUID
	StepName    string
	ChunkIndex  int
	ChunkData   any
	CreatedAt   time.Time
}

// StreamChunkID formats the semantic {exec}/{step}/{idx} chunk id.
func StreamChunkID(executionID uuid.UUID, stepName string, index int) string {
	return fmt.Sprintf("%s/%s/%d", executionID, stepName, index)
}
