package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cedricziel/durableflow/internal/flow"
	"github.com/cedricziel/durableflow/internal/lock"
	"github.com/cedricziel/durableflow/internal/ref"
	"github.com/cedricziel/durableflow/internal/stepexec"
	"github.com/cedricziel/durableflow/internal/store"
)

// LockManager is the subset of lock.Manager the executor depends on. Kept
// as an interface, not the concrete type, so the executor stays agnostic
// to the lock's storage backend (per the design note that collaborators
// like the scheduler should be interfaces, not concretely bound).
type LockManager interface {
	Acquire(ctx context.Context, executionID uuid.UUID, duration time.Duration) (*uuid.UUID, error)
	Release(ctx context.Context, executionID, lockID uuid.UUID) error
}

// Executor drives one delivery of one execution through its remaining
// phases. It holds no per-execution state between calls; all progress is
// recorded in the store so that any delivery (any process, any goroutine)
// can pick up where the last one left off.
type Executor struct {
	Store        store.ExecutionStore
	Lock         LockManager
	Deps         stepexec.Deps
	LockDuration time.Duration
}

// New wires an Executor from its collaborators.
func New(st store.ExecutionStore, lockMgr LockManager, deps stepexec.Deps) *Executor {
	return &Executor{Store: st, Lock: lockMgr, Deps: deps, LockDuration: lock.DefaultDuration}
}

func (e *Executor) lockDuration() time.Duration {
	if e.LockDuration <= 0 {
		return lock.DefaultDuration
	}
	return e.LockDuration
}

// Deliver runs the top-level algorithm once: early-exit on terminal status,
// acquire the lock, run remaining phases, and either complete (firing
// triggers), suspend durably, or surface a retryable/locked outcome.
func (e *Executor) Deliver(ctx context.Context, executionID uuid.UUID) (Result, error) {
	exec, err := e.Store.GetExecution(ctx, executionID)
	if err != nil {
		return Result{}, err
	}
	if exec == nil {
		return Result{}, &store.NotFoundError{Kind: "execution", ID: executionID.String()}
	}
	if exec.Status == store.StatusCancelled {
		cancelErr := &store.CancelledError{ExecutionID: executionID}
		return Result{Status: StatusCancelled, Error: cancelErr.Error()}, nil
	}
	if exec.Status.IsTerminal() {
		return replayTerminal(exec), nil
	}

	lockID, err := e.Lock.Acquire(ctx, executionID, e.lockDuration())
	if err != nil {
		return Result{}, err
	}
	if lockID == nil {
		return Result{Status: StatusLocked, Retryable: true}, nil
	}
	defer func() {
		_ = e.Lock.Release(ctx, executionID, *lockID)
	}()

	return e.runLocked(ctx, executionID)
}

func (e *Executor) runLocked(ctx context.Context, executionID uuid.UUID) (Result, error) {
	exec, err := e.Store.GetExecution(ctx, executionID)
	if err != nil {
		return Result{}, err
	}
	if exec == nil {
		return Result{}, &store.NotFoundError{Kind: "execution", ID: executionID.String()}
	}
	if exec.Status == store.StatusCancelled {
		cancelErr := &store.CancelledError{ExecutionID: executionID}
		return Result{Status: StatusCancelled, Error: cancelErr.Error()}, nil
	}

	wf, err := e.Store.GetWorkflowDefinition(ctx, exec.WorkflowID)
	if err != nil {
		return Result{}, err
	}
	if wf == nil {
		msg := fmt.Sprintf("unknown workflow %q", exec.WorkflowID)
		_ = e.failExecution(ctx, executionID, msg)
		return Result{Status: StatusFailed, Error: msg}, nil
	}

	stepOutputs, err := e.loadStepOutputs(ctx, executionID)
	if err != nil {
		return Result{}, err
	}

	if exec.StartedAtEpochMs == nil {
		now := time.Now().UnixMilli()
		running := store.StatusRunning
		if exec, err = e.Store.UpdateExecution(ctx, executionID, store.ExecutionPatch{Status: &running, StartedAtEpochMs: &now}); err != nil {
			return Result{}, err
		}
	} else if exec.Status == store.StatusEnqueued {
		running := store.StatusRunning
		if exec, err = e.Store.UpdateExecution(ctx, executionID, store.ExecutionPatch{Status: &running}); err != nil {
			return Result{}, err
		}
	}

	phases := flow.ComputePhases(wf.Steps)
	refCtx := &ref.Context{StepOutputs: stepOutputs, Input: exec.Input}

	var lastOutput any
	var hasLastOutput bool
	completedSteps := make([]string, 0, len(stepOutputs))
	for name := range stepOutputs {
		completedSteps = append(completedSteps, name)
	}

	for _, phase := range phases {
		fresh, err := e.Store.GetExecution(ctx, executionID)
		if err != nil {
			return Result{}, err
		}
		if fresh.Status == store.StatusCancelled {
			cancelErr := &store.CancelledError{ExecutionID: executionID}
			return Result{Status: StatusCancelled, Error: cancelErr.Error()}, nil
		}
		if exec.DeadlineAtEpochMs != nil && time.Now().UnixMilli() > *exec.DeadlineAtEpochMs {
			timeoutErr := &store.TimeoutError{ExecutionID: executionID, DeadlineAt: time.UnixMilli(*exec.DeadlineAtEpochMs)}
			_ = e.failExecution(ctx, executionID, timeoutErr.Error())
			return Result{Status: StatusFailed, Error: timeoutErr.Error()}, nil
		}

		out := e.runPhase(ctx, executionID, phase, refCtx)

		if out.suspend != nil {
			return e.handleSuspension(*out.suspend), nil
		}
		if out.fatalErr != nil {
			_ = e.failExecution(ctx, executionID, out.fatalErr.Error())
			return Result{Status: StatusFailed, Error: out.fatalErr.Error()}, nil
		}
		if out.retryableErr != nil {
			return Result{Status: StatusRetryable, Retryable: true, Error: out.retryableErr.Error(), RetryCount: exec.RetryCount}, nil
		}

		for name, val := range out.outputs {
			stepOutputs[name] = val
			completedSteps = append(completedSteps, name)
		}
		if out.hasLastOutput {
			lastOutput = out.lastOutput
			hasLastOutput = true
		}
	}

	finalOutput := lastOutput
	if !hasLastOutput {
		finalOutput = map[string]any{
			"_summary":       true,
			"completedSteps": completedSteps,
			"lastStep":       lastStepName(wf.Steps),
			"message":        "all step outputs were excluded from the workflow output",
		}
	}

	triggerResults := e.fireTriggers(ctx, executionID, wf, stepOutputs, exec.Input, finalOutput)
	var childIDs []uuid.UUID
	for _, tr := range triggerResults {
		childIDs = append(childIDs, tr.ChildExecutionIDs...)
	}

	zero := 0
	completed := store.StatusCompleted
	if _, err := e.Store.UpdateExecution(ctx, executionID, store.ExecutionPatch{
		Status: &completed, Output: finalOutput, SetOutput: true,
		RetryCount:               &zero,
		TriggeredExecutionIDs:    childIDs,
		SetTriggeredExecutionIDs: true,
	}); err != nil {
		return Result{}, err
	}

	return Result{Status: StatusCompleted, Output: finalOutput, Triggers: triggerResults}, nil
}

func (e *Executor) handleSuspension(outcome stepexec.Outcome) Result {
	switch outcome.Kind {
	case stepexec.OutcomeWaitingForSignal:
		return Result{Status: StatusWaitingForSignal, SignalName: outcome.SignalName, TimeoutAtEpochMs: outcome.TimeoutAtEpochMs}
	case stepexec.OutcomeSleeping:
		return Result{Status: StatusSleeping, WakeAtEpochMs: outcome.WakeAtEpochMs}
	default:
		return Result{Status: StatusFailed, Error: fmt.Sprintf("unexpected suspension kind %q", outcome.Kind)}
	}
}

func (e *Executor) failExecution(ctx context.Context, executionID uuid.UUID, msg string) error {
	failed := store.StatusFailed
	_, err := e.Store.UpdateExecution(ctx, executionID, store.ExecutionPatch{Status: &failed, Error: &msg})
	return err
}

func (e *Executor) loadStepOutputs(ctx context.Context, executionID uuid.UUID) (map[string]any, error) {
	results, err := e.Store.GetStepResults(ctx, executionID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(results))
	for _, r := range results {
		if r.IsCompleted() && !r.IsFailed() {
			out[r.StepName] = r.Output
		}
	}
	return out, nil
}

func replayTerminal(exec *store.Execution) Result {
	switch exec.Status {
	case store.StatusCompleted:
		return Result{Status: StatusCompleted, Output: exec.Output}
	case store.StatusFailed:
		return Result{Status: StatusFailed, Error: derefStr(exec.Error)}
	case store.StatusCancelled:
		return Result{Status: StatusCancelled}
	default:
		return Result{Status: StatusFailed, Error: fmt.Sprintf("unexpected terminal status %q", exec.Status)}
	}
}

func lastStepName(steps []store.Step) string {
	if len(steps) == 0 {
		return ""
	}
	return steps[len(steps)-1].Name
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
