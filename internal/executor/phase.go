package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cedricziel/durableflow/internal/flow"
	"github.com/cedricziel/durableflow/internal/ref"
	"github.com/cedricziel/durableflow/internal/stepexec"
	"github.com/cedricziel/durableflow/internal/store"
)

// phaseResult aggregates one phase's step outcomes.
type phaseResult struct {
	outputs       map[string]any
	lastOutput    any
	hasLastOutput bool
	suspend       *stepexec.Outcome
	fatalErr      error
	retryableErr  error
}

// unitResult is the outcome of one execution unit within a phase: either a
// single (ungrouped) step, or a named parallel.group joined by its mode.
type unitResult struct {
	outputs      map[string]any
	groupKey     string
	groupValue   any
	suspend      *stepexec.Outcome
	fatalErr     error
	retryableErr error
}

// runPhase partitions the phase's steps into ungrouped singles and named
// parallel groups, runs every unit concurrently, and merges the results.
// Steps within a phase have no relative ordering guarantee (§4.5); distinct
// units race independently and do not block one another.
func (e *Executor) runPhase(ctx context.Context, executionID uuid.UUID, phase flow.Phase, refCtx *ref.Context) phaseResult {
	groups := map[string][]store.Step{}
	var order []string
	for _, s := range phase.Steps {
		key := "@solo:" + s.Name
		if s.Config != nil && s.Config.Parallel != nil && s.Config.Parallel.Group != "" {
			key = "@group:" + s.Config.Parallel.Group
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], s)
	}

	phaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]unitResult, len(order))
	var wg sync.WaitGroup
	for i, key := range order {
		i, key, steps := i, key, groups[key]
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.runUnit(phaseCtx, cancel, executionID, key, steps, refCtx)
		}()
	}
	wg.Wait()

	out := phaseResult{outputs: map[string]any{}}
	for _, r := range results {
		if r.suspend != nil && out.suspend == nil {
			out.suspend = r.suspend
		}
		if r.fatalErr != nil && out.fatalErr == nil {
			out.fatalErr = r.fatalErr
		}
		if r.retryableErr != nil && out.retryableErr == nil {
			out.retryableErr = r.retryableErr
		}
		for name, val := range r.outputs {
			out.outputs[name] = val
			if !stepExcluded(phase, name) {
				out.lastOutput = val
				out.hasLastOutput = true
			}
		}
		if r.groupKey != "" {
			out.outputs[r.groupKey] = r.groupValue
		}
	}
	return out
}

func stepExcluded(phase flow.Phase, stepName string) bool {
	for _, s := range phase.Steps {
		if s.Name == stepName {
			return s.ExcludeFromWorkflowOutput
		}
	}
	return false
}

func (e *Executor) runUnit(ctx context.Context, cancel context.CancelFunc, executionID uuid.UUID, key string, steps []store.Step, refCtx *ref.Context) unitResult {
	if strings.HasPrefix(key, "@solo:") {
		s := steps[0]
		out := e.runStepChecked(ctx, executionID, s, refCtx)
		if out.suspend != nil || out.fatalErr != nil {
			cancel()
		}
		outputs := map[string]any{}
		if out.completed {
			outputs[s.Name] = out.output
		}
		return unitResult{outputs: outputs, suspend: out.suspend, fatalErr: out.fatalErr, retryableErr: out.retryableErr}
	}

	groupName := steps[0].Config.Parallel.Group
	switch steps[0].Config.Parallel.Mode {
	case store.ParallelRace:
		return e.runGroupRace(ctx, cancel, executionID, groupName, steps, refCtx)
	case store.ParallelAllSettled:
		return e.runGroupAllSettled(ctx, executionID, groupName, steps, refCtx)
	default:
		return e.runGroupAll(ctx, cancel, executionID, groupName, steps, refCtx)
	}
}

func (e *Executor) runGroupAll(ctx context.Context, cancel context.CancelFunc, executionID uuid.UUID, groupName string, steps []store.Step, refCtx *ref.Context) unitResult {
	type named struct {
		name string
		out  stepRunOutcome
	}
	ch := make(chan named, len(steps))
	var wg sync.WaitGroup
	for _, s := range steps {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch <- named{name: s.Name, out: e.runStepChecked(ctx, executionID, s, refCtx)}
		}()
	}
	wg.Wait()
	close(ch)

	outputs := map[string]any{}
	groupValue := map[string]any{}
	var suspend *stepexec.Outcome
	var fatalErr, retryableErr error
	for n := range ch {
		switch {
		case n.out.suspend != nil:
			if suspend == nil {
				suspend = n.out.suspend
			}
			cancel()
		case n.out.fatalErr != nil:
			if fatalErr == nil {
				fatalErr = n.out.fatalErr
			}
			cancel()
		case n.out.retryableErr != nil:
			if retryableErr == nil {
				retryableErr = n.out.retryableErr
			}
		default:
			outputs[n.name] = n.out.output
			groupValue[n.name] = n.out.output
		}
	}
	return unitResult{groupKey: "@group:" + groupName, groupValue: groupValue, outputs: outputs, suspend: suspend, fatalErr: fatalErr, retryableErr: retryableErr}
}

func (e *Executor) runGroupRace(ctx context.Context, cancel context.CancelFunc, executionID uuid.UUID, groupName string, steps []store.Step, refCtx *ref.Context) unitResult {
	type named struct {
		name string
		out  stepRunOutcome
	}
	winCh := make(chan named, 1)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var lastBad *named
	for _, s := range steps {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := e.runStepChecked(ctx, executionID, s, refCtx)
			if out.completed {
				select {
				case winCh <- named{name: s.Name, out: out}:
					cancel()
				default:
				}
				return
			}
			mu.Lock()
			if lastBad == nil {
				n := named{name: s.Name, out: out}
				lastBad = &n
			}
			mu.Unlock()
		}()
	}
	go func() {
		wg.Wait()
		close(winCh)
	}()

	w, ok := <-winCh
	if !ok {
		if lastBad != nil {
			return unitResult{suspend: lastBad.out.suspend, fatalErr: lastBad.out.fatalErr, retryableErr: lastBad.out.retryableErr}
		}
		return unitResult{fatalErr: fmt.Errorf("parallel group %q: no step completed", groupName)}
	}
	return unitResult{
		groupKey:   "@group:" + groupName,
		groupValue: map[string]any{"step": w.name, "value": w.out.output},
		outputs:    map[string]any{w.name: w.out.output},
	}
}

func (e *Executor) runGroupAllSettled(ctx context.Context, executionID uuid.UUID, groupName string, steps []store.Step, refCtx *ref.Context) unitResult {
	type named struct {
		name string
		out  stepRunOutcome
	}
	results := make([]named, len(steps))
	var wg sync.WaitGroup
	for i, s := range steps {
		i, s := i, s
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = named{name: s.Name, out: e.runStepChecked(ctx, executionID, s, refCtx)}
		}()
	}
	wg.Wait()

	outputs := map[string]any{}
	groupValue := map[string]any{}
	for _, r := range results {
		if r.out.completed {
			outputs[r.name] = r.out.output
			groupValue[r.name] = map[string]any{"status": "fulfilled", "value": r.out.output}
			continue
		}
		reason := ""
		switch {
		case r.out.fatalErr != nil:
			reason = r.out.fatalErr.Error()
		case r.out.retryableErr != nil:
			reason = r.out.retryableErr.Error()
		case r.out.suspend != nil:
			reason = string(r.out.suspend.Kind)
		}
		groupValue[r.name] = map[string]any{"status": "rejected", "reason": reason}
	}
	return unitResult{groupKey: "@group:" + groupName, groupValue: groupValue, outputs: outputs}
}

// stepRunOutcome is the result of checkpointing and (maybe) executing one
// step, whether standalone, in a parallel group, or as one forEach
// iteration.
type stepRunOutcome struct {
	output       any
	completed    bool
	suspend      *stepexec.Outcome
	fatalErr     error
	retryableErr error
}

// runStepChecked dispatches to the forEach path when the step carries a
// forEach modifier, otherwise runs it as a single checkpointed step.
func (e *Executor) runStepChecked(ctx context.Context, executionID uuid.UUID, step store.Step, refCtx *ref.Context) stepRunOutcome {
	if step.Config != nil && step.Config.ForEach != nil {
		return e.runForEachStep(ctx, executionID, step, refCtx)
	}
	return e.runSingleStep(ctx, executionID, step.Name, step, refCtx)
}

// runSingleStep implements the checkpoint race described in §4.6 step 7:
// replay a completed row, win the race and execute, or lose it and either
// adopt the peer's outcome or raise Contention — except Sleep/WaitForSignal
// steps, whose entire resumption protocol depends on revisiting their own
// not-yet-completed row across separate deliveries, so they tolerate
// "losing" to themselves instead of treating it as contention.
func (e *Executor) runSingleStep(ctx context.Context, executionID uuid.UUID, checkpointName string, step store.Step, refCtx *ref.Context) stepRunOutcome {
	existing, err := e.Store.GetStepResult(ctx, executionID, checkpointName)
	if err != nil {
		return stepRunOutcome{retryableErr: err}
	}
	if existing != nil && existing.IsCompleted() {
		if existing.IsFailed() {
			return stepRunOutcome{fatalErr: fmt.Errorf("step %s: %s", checkpointName, derefStr(existing.Error))}
		}
		return stepRunOutcome{output: existing.Output, completed: true}
	}

	tolerant := step.Action.Kind == store.ActionSleep || step.Action.Kind == store.ActionWaitForSignal
	won := false
	if existing == nil {
		created, createdFlag, err := e.Store.CreateStepResult(ctx, executionID, checkpointName)
		if err != nil {
			return stepRunOutcome{retryableErr: err}
		}
		won = createdFlag
		existing = created
	}
	if !won && !tolerant {
		return stepRunOutcome{retryableErr: &store.ContentionError{ExecutionID: executionID, StepName: checkpointName}}
	}

	resolvedInput := ref.Template(step.Input, refCtx).Resolved

	execStep := step
	if step.Action.Kind == store.ActionSleep && step.Action.SleepUntil != nil {
		execStep.Action.SleepUntil = ref.Template(step.Action.SleepUntil, refCtx).Resolved
	}

	outcome := stepexec.Execute(ctx, e.Deps, executionID, execStep, resolvedInput)
	switch outcome.Kind {
	case stepexec.OutcomeCompleted:
		now := time.Now().UnixMilli()
		if _, err := e.Store.UpdateStepResult(ctx, executionID, checkpointName, store.StepResultPatch{CompletedAtEpochMs: &now, Output: outcome.Output, SetOutput: true}); err != nil {
			return stepRunOutcome{retryableErr: err}
		}
		return stepRunOutcome{output: outcome.Output, completed: true}
	case stepexec.OutcomeFailed:
		now := time.Now().UnixMilli()
		msg := outcome.Err.Error()
		_, _ = e.Store.UpdateStepResult(ctx, executionID, checkpointName, store.StepResultPatch{CompletedAtEpochMs: &now, Error: &msg})
		return stepRunOutcome{fatalErr: &store.FatalStepError{StepName: checkpointName, Err: outcome.Err}}
	case stepexec.OutcomeRetryable:
		return stepRunOutcome{retryableErr: &store.RetryableError{Err: outcome.Err}}
	case stepexec.OutcomeSleeping, stepexec.OutcomeWaitingForSignal:
		o := outcome
		return stepRunOutcome{suspend: &o}
	default:
		return stepRunOutcome{fatalErr: fmt.Errorf("step %s: unknown outcome kind %q", checkpointName, outcome.Kind)}
	}
}
