package executor

import (
	"context"

	"github.com/google/uuid"

	"github.com/cedricziel/durableflow/internal/ref"
	"github.com/cedricziel/durableflow/internal/store"
)

// fireTriggers runs every trigger declared on the workflow after a
// successful completion (§4.7). Trigger failures never un-complete the
// parent; they are only reported back in the result.
func (e *Executor) fireTriggers(ctx context.Context, executionID uuid.UUID, wf *store.WorkflowDefinition, stepOutputs map[string]any, input any, finalOutput any) []TriggerOutcome {
	if len(wf.Triggers) == 0 {
		return nil
	}
	results := make([]TriggerOutcome, 0, len(wf.Triggers))
	for _, tr := range wf.Triggers {
		results = append(results, e.fireTrigger(ctx, executionID, tr, stepOutputs, input, finalOutput))
	}
	return results
}

func (e *Executor) fireTrigger(ctx context.Context, parentID uuid.UUID, tr store.Trigger, stepOutputs map[string]any, input any, finalOutput any) TriggerOutcome {
	// @output is populated only from the parent's final (last non-excluded)
	// output, per the spec's confirmed reading of an otherwise ambiguous
	// source behavior. @input carries the parent execution's own input, per
	// §4.1.
	baseCtx := &ref.Context{StepOutputs: stepOutputs, Input: input, HasOutput: true, Output: finalOutput}

	if tr.ForEach == nil {
		res := ref.Template(tr.Input, baseCtx)
		if len(res.Errors) > 0 {
			return TriggerOutcome{WorkflowID: tr.WorkflowID, Status: "skipped"}
		}
		childID, err := e.createChild(ctx, parentID, tr.WorkflowID, res.Resolved)
		if err != nil {
			return TriggerOutcome{WorkflowID: tr.WorkflowID, Status: "failed"}
		}
		return TriggerOutcome{WorkflowID: tr.WorkflowID, Status: "triggered", ChildExecutionIDs: []uuid.UUID{childID}}
	}

	itemsResolved := ref.Template(tr.ForEach.Items, baseCtx).Resolved
	items, err := extractForEachItems(itemsResolved)
	if err != nil {
		return TriggerOutcome{WorkflowID: tr.WorkflowID, Status: "failed"}
	}
	if len(items) == 0 {
		return TriggerOutcome{WorkflowID: tr.WorkflowID, Status: "triggered"}
	}
	if len(items) > store.TriggerForEachHardCap {
		return TriggerOutcome{WorkflowID: tr.WorkflowID, Status: "failed"}
	}

	var childIDs []uuid.UUID
	for i, item := range items {
		itemCtx := &ref.Context{
			StepOutputs: stepOutputs, Input: input, HasOutput: true, Output: finalOutput,
			HasItem: true, Item: item, HasIndex: true, Index: i,
		}
		res := ref.Template(tr.Input, itemCtx)
		if len(res.Errors) > 0 {
			continue
		}
		childID, err := e.createChild(ctx, parentID, tr.WorkflowID, res.Resolved)
		if err != nil {
			continue
		}
		childIDs = append(childIDs, childID)
	}
	return TriggerOutcome{WorkflowID: tr.WorkflowID, Status: "triggered", ChildExecutionIDs: childIDs}
}

func (e *Executor) createChild(ctx context.Context, parentID uuid.UUID, workflowID string, input any) (uuid.UUID, error) {
	pid := parentID
	child, err := e.Store.CreateExecution(ctx, store.CreateExecutionParams{WorkflowID: workflowID, Input: input, ParentExecutionID: &pid})
	if err != nil {
		return uuid.UUID{}, err
	}
	return child.ID, nil
}
