package stepexec

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cedricziel/durableflow/internal/store"
)

// InProcessSleepThreshold bounds how small a remaining sleep duration may be
// before the executor just blocks in-process rather than suspending
// durably. Order of seconds, per the spec's guidance.
const InProcessSleepThreshold = 5 * time.Second

// Deps are the collaborators a step dispatch needs.
type Deps struct {
	ToolInvoker ToolInvoker
	CodeRunner  CodeRunner
	Store       store.ExecutionStore
}

// Execute dispatches one step by action kind against its already-resolved
// input template.
func Execute(ctx context.Context, deps Deps, executionID uuid.UUID, step store.Step, resolvedInput any) Outcome {
	switch step.Action.Kind {
	case store.ActionTool:
		return runTool(ctx, deps.ToolInvoker, step.Action.ConnectionID, step.Action.ToolName, resolvedInput)
	case store.ActionCode:
		return runCode(ctx, deps.CodeRunner, step.Action.Source, resolvedInput)
	case store.ActionSleep:
		// step.Action.SleepUntil is expected to already be resolved (native
		// value, not a "@..." literal) by the caller, which alone holds the
		// RefContext needed to do that resolution.
		return runSleep(step.Action, step.Action.SleepUntil)
	case store.ActionWaitForSignal:
		return runWaitForSignal(ctx, deps.Store, executionID, step.Action)
	default:
		return Failed(fmt.Errorf("unknown action kind %q", step.Action.Kind))
	}
}

func runCode(ctx context.Context, runner CodeRunner, source string, input any) Outcome {
	if runner == nil {
		return Failed(fmt.Errorf("no CodeRunner configured"))
	}
	out, err := runner.Run(ctx, source, input)
	if err != nil {
		return Failed(err)
	}
	return Completed(out)
}

// runSleep computes the remaining duration at call time. resolvedSleepUntil
// carries the resolved `sleepUntil` value when the action used a reference;
// a raw SleepMs duration takes precedence when present.
func runSleep(action store.Action, resolvedSleepUntil any) Outcome {
	var wakeAt time.Time
	switch {
	case action.SleepMs != nil:
		wakeAt = time.Now().Add(time.Duration(*action.SleepMs) * time.Millisecond)
	case resolvedSleepUntil != nil:
		t, err := parseWakeTime(resolvedSleepUntil)
		if err != nil {
			return Failed(fmt.Errorf("sleep step: %w", err))
		}
		wakeAt = t
	default:
		return Failed(fmt.Errorf("sleep step: neither sleepMs nor sleepUntil resolved to a value"))
	}

	remaining := time.Until(wakeAt)
	if remaining <= InProcessSleepThreshold {
		if remaining > 0 {
			time.Sleep(remaining)
		}
		return Completed(map[string]any{"slept": true})
	}
	return Sleeping(wakeAt.UnixMilli())
}

func parseWakeTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case string:
		t, err := time.Parse(time.RFC3339, val)
		if err != nil {
			return time.Time{}, fmt.Errorf("sleepUntil %q is not an RFC3339 timestamp: %w", val, err)
		}
		return t, nil
	case float64:
		return time.UnixMilli(int64(val)), nil
	default:
		return time.Time{}, fmt.Errorf("sleepUntil resolved to unsupported type %T", v)
	}
}

// runWaitForSignal checks for an unconsumed signal, consuming it atomically
// if present. Otherwise it returns a WaitingForSignal suspension outcome.
func runWaitForSignal(ctx context.Context, st store.ExecutionStore, executionID uuid.UUID, action store.Action) Outcome {
	sig, err := st.ConsumeSignal(ctx, executionID, action.SignalName)
	if err != nil {
		return Retryable(err)
	}
	if sig != nil {
		return Completed(sig.Payload)
	}

	var timeoutAt *int64
	if action.TimeoutMs != nil {
		t := time.Now().Add(time.Duration(*action.TimeoutMs) * time.Millisecond).UnixMilli()
		timeoutAt = &t
	}
	return WaitingForSignal(action.SignalName, time.Now().UnixMilli(), timeoutAt)
}
