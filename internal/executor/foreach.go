package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cedricziel/durableflow/internal/flow"
	"github.com/cedricziel/durableflow/internal/ref"
	"github.com/cedricziel/durableflow/internal/stepexec"
	"github.com/cedricziel/durableflow/internal/store"
)

// runForEachStep replays the whole forEach step from its own (non-indexed)
// checkpoint row if already completed; otherwise it fans out over the
// resolved items via flow.RunForEach, checkpointing each iteration under
// the synthetic name "<step>[index]" so a crash mid-fan-out does not
// re-execute iterations that already finished, then persists the
// aggregated result under the step's own name.
func (e *Executor) runForEachStep(ctx context.Context, executionID uuid.UUID, step store.Step, refCtx *ref.Context) stepRunOutcome {
	existing, err := e.Store.GetStepResult(ctx, executionID, step.Name)
	if err != nil {
		return stepRunOutcome{retryableErr: err}
	}
	if existing != nil && existing.IsCompleted() {
		if existing.IsFailed() {
			return stepRunOutcome{fatalErr: fmt.Errorf("step %s: %s", step.Name, derefStr(existing.Error))}
		}
		return stepRunOutcome{output: existing.Output, completed: true}
	}
	if existing == nil {
		if _, _, err := e.Store.CreateStepResult(ctx, executionID, step.Name); err != nil {
			return stepRunOutcome{retryableErr: err}
		}
	}

	itemsResolved := ref.Template(step.Config.ForEach.Items, refCtx).Resolved
	items, err := extractForEachItems(itemsResolved)
	if err != nil {
		return stepRunOutcome{fatalErr: fmt.Errorf("step %s: %w", step.Name, err)}
	}

	iterFn := func(iterCtx context.Context, item any, index int) stepexec.Outcome {
		childCtx := &ref.Context{
			StepOutputs: refCtx.StepOutputs, Input: refCtx.Input,
			HasItem: true, Item: item, HasIndex: true, Index: index,
		}
		checkpointName := fmt.Sprintf("%s[%d]", step.Name, index)
		res := e.runSingleStep(iterCtx, executionID, checkpointName, step, childCtx)
		switch {
		case res.suspend != nil:
			return *res.suspend
		case res.fatalErr != nil:
			return stepexec.Failed(res.fatalErr)
		case res.retryableErr != nil:
			return stepexec.Retryable(res.retryableErr)
		default:
			return stepexec.Completed(res.output)
		}
	}

	outcome := flow.RunForEach(ctx, *step.Config.ForEach, items, step.EffectiveMaxIterations(), iterFn)
	switch outcome.Kind {
	case stepexec.OutcomeCompleted:
		now := time.Now().UnixMilli()
		if _, err := e.Store.UpdateStepResult(ctx, executionID, step.Name, store.StepResultPatch{CompletedAtEpochMs: &now, Output: outcome.Output, SetOutput: true}); err != nil {
			return stepRunOutcome{retryableErr: err}
		}
		return stepRunOutcome{output: outcome.Output, completed: true}
	case stepexec.OutcomeFailed:
		now := time.Now().UnixMilli()
		msg := outcome.Err.Error()
		_, _ = e.Store.UpdateStepResult(ctx, executionID, step.Name, store.StepResultPatch{CompletedAtEpochMs: &now, Error: &msg})
		return stepRunOutcome{fatalErr: fmt.Errorf("step %s: %w", step.Name, outcome.Err)}
	case stepexec.OutcomeRetryable:
		return stepRunOutcome{retryableErr: outcome.Err}
	default:
		o := outcome
		return stepRunOutcome{suspend: &o}
	}
}

// extractForEachItems accepts a bare array or a wrapped LLM-style payload
// ({content:[{text: "<json array>"}]}) carrying a JSON-encoded array.
func extractForEachItems(v any) ([]any, error) {
	switch val := v.(type) {
	case []any:
		return val, nil
	case nil:
		return nil, fmt.Errorf("forEach items resolved to null")
	case map[string]any:
		content, ok := val["content"].([]any)
		if ok && len(content) > 0 {
			if first, ok := content[0].(map[string]any); ok {
				if text, ok := first["text"].(string); ok {
					var arr []any
					if err := json.Unmarshal([]byte(text), &arr); err != nil {
						return nil, fmt.Errorf("forEach items content[0].text is not a JSON array: %w", err)
					}
					return arr, nil
				}
			}
		}
		return nil, fmt.Errorf("forEach items resolved to unsupported object shape")
	default:
		return nil, fmt.Errorf("forEach items resolved to unsupported type %T", v)
	}
}
