package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cedricziel/durableflow/internal/backoff"
	"github.com/cedricziel/durableflow/internal/executor"
	"github.com/cedricziel/durableflow/internal/store"
)

// mapStore is a minimal in-memory ExecutionStore fake, just enough of the
// interface for the HTTP handlers to exercise.
type mapStore struct {
	mu         sync.Mutex
	executions map[uuid.UUID]*store.Execution
	signals    map[uuid.UUID][]*store.Signal
}

func newMapStore() *mapStore {
	return &mapStore{executions: map[uuid.UUID]*store.Execution{}, signals: map[uuid.UUID][]*store.Signal{}}
}

func (m *mapStore) GetExecution(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[id]
	if !ok {
		return nil, &store.NotFoundError{Kind: "execution", ID: id.String()}
	}
	cp := *ex
	return &cp, nil
}

func (m *mapStore) CreateExecution(ctx context.Context, params store.CreateExecutionParams) (*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex := &store.Execution{
		ID: uuid.New(), WorkflowID: params.WorkflowID, Status: store.StatusEnqueued,
		Input: params.Input, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	m.executions[ex.ID] = ex
	cp := *ex
	return &cp, nil
}

func (m *mapStore) UpdateExecution(ctx context.Context, id uuid.UUID, patch store.ExecutionPatch) (*store.Execution, error) {
	return nil, nil
}

func (m *mapStore) CancelExecution(ctx context.Context, id uuid.UUID) (*store.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[id]
	if !ok {
		return nil, &store.NotFoundError{Kind: "execution", ID: id.String()}
	}
	ex.Status = store.StatusCancelled
	s := ex.Status
	return &s, nil
}

func (m *mapStore) ResumeExecution(ctx context.Context, id uuid.UUID) (*store.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[id]
	if !ok {
		return nil, &store.NotFoundError{Kind: "execution", ID: id.String()}
	}
	ex.Status = store.StatusEnqueued
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
		cp := *ex
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mapStore) ProcessEnqueued(ctx context.Context) ([]uuid.UUID, error) { return nil, nil }

func (m *mapStore) GetWorkflowDefinition(ctx context.Context, id string) (*store.WorkflowDefinition, error) {
	return nil, nil
}

func (m *mapStore) CreateStepResult(ctx context.Context, executionID uuid.UUID, stepName string) (*store.StepResult, bool, error) {
	return nil, false, nil
}

func (m *mapStore) UpdateStepResult(ctx context.Context, executionID uuid.UUID, stepName string, patch store.StepResultPatch) (*store.StepResult, error) {
	return nil, nil
}

func (m *mapStore) GetStepResult(ctx context.Context, executionID uuid.UUID, stepName string) (*store.StepResult, error) {
	return nil, nil
}

func (m *mapStore) GetStepResults(ctx context.Context, executionID uuid.UUID) ([]*store.StepResult, error) {
	return nil, nil
}

func (m *mapStore) WriteStreamChunk(ctx context.Context, chunk store.StreamChunk) error { return nil }

func (m *mapStore) GetStreamChunks(ctx context.Context, executionID uuid.UUID, lastSeenByStep map[string]int) ([]*store.StreamChunk, error) {
	return nil, nil
}

func (m *mapStore) DeleteStreamChunks(ctx context.Context, executionID uuid.UUID) error { return nil }

func (m *mapStore) SendSignal(ctx context.Context, executionID uuid.UUID, name string, payload any) (*store.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig := &store.Signal{ID: uuid.New(), ExecutionID: executionID, Name: name, Payload: payload, CreatedAt: time.Now()}
	m.signals[executionID] = append(m.signals[executionID], sig)
	cp := *sig
	return &cp, nil
}

func (m *mapStore) ConsumeSignal(ctx context.Context, executionID uuid.UUID, name string) (*store.Signal, error) {
	return nil, nil
}

var _ store.ExecutionStore = (*mapStore)(nil)

// fakeDeliverer counts how many times Deliver was invoked and always
// reports completion, so tests can assert the API triggers a synchronous
// delivery without needing a full executor.
type fakeDeliverer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeDeliverer) Deliver(ctx context.Context, executionID uuid.UUID) (executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return executor.Result{Status: executor.StatusCompleted, Output: map[string]any{"ok": true}}, nil
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestServer() (*Server, *mapStore, *fakeDeliverer) {
	st := newMapStore()
	deliver := &fakeDeliverer{}
	return NewServer(st, deliver, backoff.DefaultPolicy(), nil), st, deliver
}

func newRouter(s *Server) http.Handler {
	r := chi.NewRouter()
	s.Routes(r)
	return r
}

func TestStartWorkflowCreatesExecutionAndDeliversImmediately(t *testing.T) {
	s, st, deliver := newTestServer()
	r := newRouter(s)

	body := strings.NewReader(`{"input":{"x":1}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/workflows/wf1/start", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp startResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEqual(t, uuid.Nil, resp.ExecutionID)

	_, ok := st.executions[resp.ExecutionID]
	require.True(t, ok)
	require.Equal(t, 1, deliver.count())
}

func TestGetExecutionReturns404ForUnknownID(t *testing.T) {
	s, _, _ := newTestServer()
	r := newRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/api/executions/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelThenResumeRoundTrip(t *testing.T) {
	s, st, _ := newTestServer()
	r := newRouter(s)

	ex, err := st.CreateExecution(context.Background(), store.CreateExecutionParams{WorkflowID: "wf1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/executions/"+ex.ID.String()+"/cancel", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var cancelResp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelResp))
	require.Equal(t, store.StatusCancelled, cancelResp.Status)

	req = httptest.NewRequest(http.MethodPost, "/api/executions/"+ex.ID.String()+"/resume?requeue=false", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSendSignalRecordsSignalAndDelivers(t *testing.T) {
	s, st, deliver := newTestServer()
	r := newRouter(s)

	ex, err := st.CreateExecution(context.Background(), store.CreateExecutionParams{WorkflowID: "wf1"})
	require.NoError(t, err)

	body := strings.NewReader(`{"payload":{"by":"u1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/executions/"+ex.ID.String()+"/signals/approve", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, st.signals[ex.ID], 1)
	require.Equal(t, "approve", st.signals[ex.ID][0].Name)
	require.Equal(t, 1, deliver.count())
}
