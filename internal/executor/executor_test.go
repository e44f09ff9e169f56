package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cedricziel/durableflow/internal/stepexec"
	"github.com/cedricziel/durableflow/internal/store"
)

// mapStore is an in-memory ExecutionStore fake used to exercise the
// executor's orchestration logic without a real database, mirroring the
// race/guard semantics postgres.go implements with SQL.
type mapStore struct {
	mu          sync.Mutex
	executions  map[uuid.UUID]*store.Execution
	workflows   map[string]*store.WorkflowDefinition
	stepResults map[string]*store.StepResult
	signals     map[uuid.UUID][]*store.Signal
}

func newMapStore() *mapStore {
	return &mapStore{
		executions:  map[uuid.UUID]*store.Execution{},
		workflows:   map[string]*store.WorkflowDefinition{},
		stepResults: map[string]*store.StepResult{},
		signals:     map[uuid.UUID][]*store.Signal{},
	}
}

func stepKey(executionID uuid.UUID, stepName string) string {
	return executionID.String() + "/" + stepName
}

func (m *mapStore) putWorkflow(wf store.WorkflowDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = &wf
}

func (m *mapStore) GetExecution(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *mapStore) CreateExecution(ctx context.Context, params store.CreateExecutionParams) (*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deadline *int64
	if params.TimeoutMs != nil {
		d := time.Now().UnixMilli() + *params.TimeoutMs
		deadline = &d
	}
	startAt := time.Now().UnixMilli()
	if params.StartAtEpochMs != nil {
		startAt = *params.StartAtEpochMs
	}
	ex := &store.Execution{
		ID: uuid.New(), WorkflowID: params.WorkflowID, Status: store.StatusEnqueued,
		Input: params.Input, ParentExecutionID: params.ParentExecutionID,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
		StartAtEpochMs: startAt, DeadlineAtEpochMs: deadline,
		MaxRetries: 5, RuntimeContext: params.RuntimeContext, CreatedBy: params.CreatedBy,
	}
	m.executions[ex.ID] = ex
	cp := *ex
	return &cp, nil
}

func (m *mapStore) UpdateExecution(ctx context.Context, id uuid.UUID, patch store.ExecutionPatch) (*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[id]
	if !ok {
		return nil, &store.NotFoundError{Kind: "execution", ID: id.String()}
	}
	if patch.Status != nil {
		ex.Status = *patch.Status
	}
	if patch.SetOutput {
		ex.Output = patch.Output
	}
	if patch.Error != nil {
		ex.Error = patch.Error
	}
	if patch.StartedAtEpochMs != nil {
		ex.StartedAtEpochMs = patch.StartedAtEpochMs
	}
	if patch.CompletedAtEpochMs != nil {
		ex.CompletedAtEpochMs = patch.CompletedAtEpochMs
	}
	if patch.RetryCount != nil {
		ex.RetryCount = *patch.RetryCount
	}
	if patch.SetTriggeredExecutionIDs {
		ex.TriggeredExecutionIDs = patch.TriggeredExecutionIDs
	}
	ex.UpdatedAt = time.Now()
	cp := *ex
	return &cp, nil
}

func (m *mapStore) CancelExecution(ctx context.Context, id uuid.UUID) (*store.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[id]
	if !ok || (ex.Status != store.StatusEnqueued && ex.Status != store.StatusRunning) {
		return nil, nil
	}
	ex.Status = store.StatusCancelled
	s := ex.Status
	return &s, nil
}

func (m *mapStore) ResumeExecution(ctx context.Context, id uuid.UUID) (*store.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[id]
	if !ok || ex.Status != store.StatusCancelled {
		return nil, nil
	}
	ex.Status = store.StatusEnqueued
	ex.CompletedAtEpochMs = nil
	s := ex.Status
	return &s, nil
}

func (m *mapStore) ListExecutions(ctx context.Context, filter store.ExecutionListFilter) ([]*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Execution
	for _, ex := range m.executions {
		if filter.WorkflowID != "" && ex.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.HasStatus && ex.Status != filter.Status {
			continue
		}
		cp := *ex
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mapStore) ProcessEnqueued(ctx context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	now := time.Now().UnixMilli()
	for id, ex := range m.executions {
		if ex.Status == store.StatusEnqueued && ex.StartAtEpochMs <= now {
			ex.Status = store.StatusRunning
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *mapStore) GetWorkflowDefinition(ctx context.Context, id string) (*store.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, nil
	}
	cp := *wf
	return &cp, nil
}

func (m *mapStore) CreateStepResult(ctx context.Context, executionID uuid.UUID, stepName string) (*store.StepResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stepKey(executionID, stepName)
	if existing, ok := m.stepResults[key]; ok {
		cp := *existing
		return &cp, false, nil
	}
	row := &store.StepResult{ExecutionID: executionID, StepName: stepName, StartedAtEpochMs: time.Now().UnixMilli()}
	m.stepResults[key] = row
	cp := *row
	return &cp, true, nil
}

func (m *mapStore) UpdateStepResult(ctx context.Context, executionID uuid.UUID, stepName string, patch store.StepResultPatch) (*store.StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stepKey(executionID, stepName)
	row, ok := m.stepResults[key]
	if !ok {
		return nil, &store.NotFoundError{Kind: "stepResult", ID: key}
	}
	if row.CompletedAtEpochMs != nil {
		cp := *row
		return &cp, nil
	}
	if patch.CompletedAtEpochMs != nil {
		row.CompletedAtEpochMs = patch.CompletedAtEpochMs
	}
	if patch.SetOutput {
		row.Output = patch.Output
	}
	if patch.Error != nil {
		row.Error = patch.Error
	}
	cp := *row
	return &cp, nil
}

func (m *mapStore) GetStepResult(ctx context.Context, executionID uuid.UUID, stepName string) (*store.StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.stepResults[stepKey(executionID, stepName)]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (m *mapStore) GetStepResults(ctx context.Context, executionID uuid.UUID) ([]*store.StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.StepResult
	for _, row := range m.stepResults {
		if row.ExecutionID == executionID {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mapStore) WriteStreamChunk(ctx context.Context, chunk store.StreamChunk) error {
	return nil
}

func (m *mapStore) GetStreamChunks(ctx context.Context, executionID uuid.UUID, lastSeenByStep map[string]int) ([]*store.StreamChunk, error) {
	return nil, nil
}

func (m *mapStore) DeleteStreamChunks(ctx context.Context, executionID uuid.UUID) error {
	return nil
}

func (m *mapStore) SendSignal(ctx context.Context, executionID uuid.UUID, name string, payload any) (*store.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig := &store.Signal{ID: uuid.New(), ExecutionID: executionID, Name: name, Payload: payload, CreatedAt: time.Now()}
	m.signals[executionID] = append(m.signals[executionID], sig)
	cp := *sig
	return &cp, nil
}

func (m *mapStore) ConsumeSignal(ctx context.Context, executionID uuid.UUID, name string) (*store.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.signals[executionID] {
		if s.Name == name && s.ConsumedAt == nil {
			now := time.Now()
			s.ConsumedAt = &now
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

var _ store.ExecutionStore = (*mapStore)(nil)

// fakeLock mirrors lock.Manager's acquire/release semantics without a
// database: a single in-memory holder per execution.
type fakeLock struct {
	mu          sync.Mutex
	held        map[uuid.UUID]uuid.UUID
	lockedUntil map[uuid.UUID]time.Time
}

func newFakeLock() *fakeLock {
	return &fakeLock{held: map[uuid.UUID]uuid.UUID{}, lockedUntil: map[uuid.UUID]time.Time{}}
}

func (f *fakeLock) Acquire(ctx context.Context, executionID uuid.UUID, duration time.Duration) (*uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if until, ok := f.lockedUntil[executionID]; ok && time.Now().Before(until) {
		return nil, nil
	}
	id := uuid.New()
	f.held[executionID] = id
	f.lockedUntil[executionID] = time.Now().Add(duration)
	return &id, nil
}

func (f *fakeLock) Release(ctx context.Context, executionID, lockID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[executionID] == lockID {
		delete(f.held, executionID)
		delete(f.lockedUntil, executionID)
	}
	return nil
}

var _ LockManager = (*fakeLock)(nil)

// fakeCodeRunner dispatches by source text to a registered closure, standing
// in for the goja-backed JSRuntime (already exercised directly in the
// stepexec package) so these tests can assert on plain Go values.
type fakeCodeRunner struct {
	mu   sync.Mutex
	fns  map[string]func(any) (any, error)
	hits map[string]int
}

func newFakeCodeRunner(fns map[string]func(any) (any, error)) *fakeCodeRunner {
	return &fakeCodeRunner{fns: fns, hits: map[string]int{}}
}

func (r *fakeCodeRunner) Run(ctx context.Context, source string, input any) (any, error) {
	r.mu.Lock()
	r.hits[source]++
	r.mu.Unlock()
	fn, ok := r.fns[source]
	if !ok {
		return nil, fmt.Errorf("fakeCodeRunner: no fn registered for %q", source)
	}
	return fn(input)
}

func (r *fakeCodeRunner) hitCount(source string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits[source]
}

func codeStep(name string, input any) store.Step {
	return store.Step{Name: name, Action: store.Action{Kind: store.ActionCode, Source: name}, Input: input}
}

func newExecutor(st store.ExecutionStore, runner stepexec.CodeRunner) *Executor {
	return New(st, newFakeLock(), stepexec.Deps{CodeRunner: runner, Store: st})
}

func TestLinearTwoStepWorkflow(t *testing.T) {
	st := newMapStore()
	st.putWorkflow(store.WorkflowDefinition{ID: "wf1", Steps: []store.Step{
		codeStep("A", map[string]any{"x": "@input.x"}),
		codeStep("B", map[string]any{"n": "@A.n"}),
	}})
	runner := newFakeCodeRunner(map[string]func(any) (any, error){
		"A": func(in any) (any, error) {
			m := in.(map[string]any)
			return map[string]any{"n": m["x"].(float64) + 1}, nil
		},
		"B": func(in any) (any, error) {
			m := in.(map[string]any)
			return map[string]any{"m": m["n"].(float64) * 2}, nil
		},
	})
	ex := newExecutor(st, runner)

	execRow, err := st.CreateExecution(context.Background(), store.CreateExecutionParams{WorkflowID: "wf1", Input: map[string]any{"x": float64(3)}})
	require.NoError(t, err)

	res, err := ex.Deliver(context.Background(), execRow.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, map[string]any{"m": float64(8)}, res.Output)

	stored, err := st.GetExecution(context.Background(), execRow.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, stored.Status)
}

func TestParallelPhaseRunsIndependentStepsTogether(t *testing.T) {
	st := newMapStore()
	st.putWorkflow(store.WorkflowDefinition{ID: "wf2", Steps: []store.Step{
		codeStep("A", map[string]any{"x": "@input.x"}),
		codeStep("B", map[string]any{"x": "@input.x"}),
		codeStep("C", map[string]any{"a": "@A.n", "b": "@B.n"}),
	}})
	runner := newFakeCodeRunner(map[string]func(any) (any, error){
		"A": func(in any) (any, error) { return map[string]any{"n": float64(1)}, nil },
		"B": func(in any) (any, error) { return map[string]any{"n": float64(2)}, nil },
		"C": func(in any) (any, error) {
			m := in.(map[string]any)
			return map[string]any{"sum": m["a"].(float64) + m["b"].(float64)}, nil
		},
	})
	ex := newExecutor(st, runner)
	execRow, err := st.CreateExecution(context.Background(), store.CreateExecutionParams{WorkflowID: "wf2", Input: map[string]any{"x": float64(0)}})
	require.NoError(t, err)

	res, err := ex.Deliver(context.Background(), execRow.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, map[string]any{"sum": float64(3)}, res.Output)
}

func TestForEachStepParallelWithCap(t *testing.T) {
	st := newMapStore()
	st.putWorkflow(store.WorkflowDefinition{ID: "wf3", Steps: []store.Step{
		{
			Name:   "F",
			Action: store.Action{Kind: store.ActionCode, Source: "F"},
			Input:  "@item",
			Config: &store.StepConfig{ForEach: &store.ForEachConfig{Items: "@input.xs", Mode: store.ForEachParallel, MaxConcurrency: 2}},
		},
	}})
	runner := newFakeCodeRunner(map[string]func(any) (any, error){
		"F": func(in any) (any, error) { return in.(float64) * 10, nil },
	})
	ex := newExecutor(st, runner)
	execRow, err := st.CreateExecution(context.Background(), store.CreateExecutionParams{
		WorkflowID: "wf3",
		Input:      map[string]any{"xs": []any{float64(1), float64(2), float64(3), float64(4), float64(5)}},
	})
	require.NoError(t, err)

	res, err := ex.Deliver(context.Background(), execRow.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, []any{float64(10), float64(20), float64(30), float64(40), float64(50)}, res.Output)

	results, err := st.GetStepResults(context.Background(), execRow.ID)
	require.NoError(t, err)
	require.Len(t, results, 6) // F plus F[0..4]
}

func TestDurableSleepAcrossRestart(t *testing.T) {
	st := newMapStore()
	ms := int64(10 * time.Minute / time.Millisecond)
	st.putWorkflow(store.WorkflowDefinition{ID: "wf4", Steps: []store.Step{
		{Name: "S", Action: store.Action{Kind: store.ActionSleep, SleepMs: &ms}},
		codeStep("T", map[string]any{"after": "@S.slept"}),
	}})
	runner := newFakeCodeRunner(map[string]func(any) (any, error){
		"T": func(in any) (any, error) { return map[string]any{"done": true}, nil },
	})
	ex := newExecutor(st, runner)
	execRow, err := st.CreateExecution(context.Background(), store.CreateExecutionParams{WorkflowID: "wf4", Input: nil})
	require.NoError(t, err)

	res, err := ex.Deliver(context.Background(), execRow.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSleeping, res.Status)
	require.Greater(t, res.WakeAtEpochMs, time.Now().UnixMilli())

	// No row for T should exist until after wake-up.
	tRow, err := st.GetStepResult(context.Background(), execRow.ID, "T")
	require.NoError(t, err)
	require.Nil(t, tRow)

	// Simulate the scheduler re-entering past the wake time: rewrite S's
	// sleepMs so the recomputed remaining duration is already elapsed.
	st.mu.Lock()
	st.stepResults[stepKey(execRow.ID, "S")].CompletedAtEpochMs = nil
	st.mu.Unlock()
	wf := st.workflows["wf4"]
	elapsedMs := int64(-1)
	wf.Steps[0].Action.SleepMs = &elapsedMs

	res2, err := ex.Deliver(context.Background(), execRow.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res2.Status)
	require.Equal(t, map[string]any{"done": true}, res2.Output)
	require.Equal(t, 1, runner.hitCount("T"))
}

func TestWaitForSignalWithPayload(t *testing.T) {
	st := newMapStore()
	st.putWorkflow(store.WorkflowDefinition{ID: "wf5", Steps: []store.Step{
		{Name: "W", Action: store.Action{Kind: store.ActionWaitForSignal, SignalName: "approve"}},
		codeStep("P", map[string]any{"by": "@W.by"}),
	}})
	runner := newFakeCodeRunner(map[string]func(any) (any, error){
		"P": func(in any) (any, error) { return in, nil },
	})
	ex := newExecutor(st, runner)
	execRow, err := st.CreateExecution(context.Background(), store.CreateExecutionParams{WorkflowID: "wf5", Input: nil})
	require.NoError(t, err)

	res, err := ex.Deliver(context.Background(), execRow.ID)
	require.NoError(t, err)
	require.Equal(t, StatusWaitingForSignal, res.Status)
	require.Equal(t, "approve", res.SignalName)

	_, err = st.SendSignal(context.Background(), execRow.ID, "approve", map[string]any{"by": "u1"})
	require.NoError(t, err)

	res2, err := ex.Deliver(context.Background(), execRow.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res2.Status)
	require.Equal(t, map[string]any{"by": "u1"}, res2.Output)
}

func TestRedeliverCompletedExecutionDoesNotRerunSteps(t *testing.T) {
	st := newMapStore()
	st.putWorkflow(store.WorkflowDefinition{ID: "wf6", Steps: []store.Step{
		codeStep("A", nil),
		codeStep("B", nil),
		codeStep("C", nil),
	}})
	runner := newFakeCodeRunner(map[string]func(any) (any, error){
		"A": func(in any) (any, error) { return map[string]any{"a": true}, nil },
		"B": func(in any) (any, error) { return map[string]any{"b": true}, nil },
		"C": func(in any) (any, error) { return map[string]any{"c": true}, nil },
	})

	ex := newExecutor(st, runner)
	execRow, err := st.CreateExecution(context.Background(), store.CreateExecutionParams{WorkflowID: "wf6", Input: nil})
	require.NoError(t, err)

	// The first delivery runs A, B and C to completion.
	res, err := ex.Deliver(context.Background(), execRow.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, 1, runner.hitCount("A"))

	status, err := st.CancelExecution(context.Background(), execRow.ID)
	require.NoError(t, err)
	require.Nil(t, status) // already completed: cancel is a no-op

	aRow, err := st.GetStepResult(context.Background(), execRow.ID, "A")
	require.NoError(t, err)
	require.True(t, aRow.IsCompleted())

	// Redelivering a completed execution must replay its recorded output
	// without re-running any step.
	res2, err := ex.Deliver(context.Background(), execRow.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res2.Status)
	require.Equal(t, 1, runner.hitCount("A")) // idempotent replay: A did not re-execute
}
