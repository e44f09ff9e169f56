// Package httpapi exposes the invocation surface (§6) over HTTP: starting
// workflows, cancelling/resuming/signalling executions, and reading them
// back. It is a thin JSON translation layer over internal/store and
// internal/executor; streamGet is served separately by internal/wshub.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cedricziel/durableflow/internal/backoff"
	"github.com/cedricziel/durableflow/internal/executor"
	"github.com/cedricziel/durableflow/internal/scheduler"
	"github.com/cedricziel/durableflow/internal/store"
)

// Deliverer is the subset of *executor.Executor the API uses to get an
// execution moving immediately after a state-changing call, instead of
// waiting for the next scheduler sweep.
type Deliverer interface {
	Deliver(ctx context.Context, executionID uuid.UUID) (executor.Result, error)
}

// Server wires the HTTP handlers to their collaborators.
type Server struct {
	Store    store.ExecutionStore
	Executor Deliverer
	Policy   backoff.Policy
	reentry  scheduler.Scheduler
}

// NewServer wires a Server. reentry (optional) is the scheduler used to arm
// further re-entry after a synchronous delivery kicked off by this API; if
// nil, only the background sweep will pick the execution back up.
func NewServer(st store.ExecutionStore, ex Deliverer, policy backoff.Policy, reentry scheduler.Scheduler) *Server {
	return &Server{Store: st, Executor: ex, Policy: policy, reentry: reentry}
}

// Routes mounts the invocation surface under a chi router.
func (s *Server) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/workflows/{workflowId}/start", s.handleStart)
		r.Get("/executions", s.handleList)
		r.Get("/executions/{executionId}", s.handleGet)
		r.Post("/executions/{executionId}/cancel", s.handleCancel)
		r.Post("/executions/{executionId}/resume", s.handleResume)
		r.Post("/executions/{executionId}/signals/{signalName}", s.handleSendSignal)
	})
}

type startRequest struct {
	Input          any    `json:"input"`
	TimeoutMs      *int64 `json:"timeoutMs,omitempty"`
	StartAtEpochMs *int64 `json:"startAtEpochMs,omitempty"`
}

type startResponse struct {
	ExecutionID uuid.UUID `json:"executionId"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowId")

	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	exec, err := s.Store.CreateExecution(r.Context(), store.CreateExecutionParams{
		WorkflowID:     workflowID,
		Input:          req.Input,
		TimeoutMs:      req.TimeoutMs,
		StartAtEpochMs: req.StartAtEpochMs,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.deliverAndReenter(r.Context(), exec.ID)

	writeJSON(w, http.StatusAccepted, startResponse{ExecutionID: exec.ID})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseExecutionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	exec, err := s.Store.GetExecution(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if exec == nil {
		writeError(w, http.StatusNotFound, &store.NotFoundError{Kind: "execution", ID: id.String()})
		return
	}
	writeJSON(w, http.StatusOK, toExecutionView(exec))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := store.ExecutionListFilter{
		WorkflowID: r.URL.Query().Get("workflowId"),
		Limit:      50,
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = store.Status(status)
		filter.HasStatus = true
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && offset > 0 {
		filter.Offset = offset
	}

	execs, err := s.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	views := make([]executionView, 0, len(execs))
	for _, e := range execs {
		views = append(views, toExecutionView(e))
	}
	writeJSON(w, http.StatusOK, views)
}

type statusResponse struct {
	Status store.Status `json:"status"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := parseExecutionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	status, err := s.Store.CancelExecution(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	resp := statusResponse{}
	if status != nil {
		resp.Status = *status
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id, err := parseExecutionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	status, err := s.Store.ResumeExecution(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	requeue := true
	if v := r.URL.Query().Get("requeue"); v != "" {
		requeue, _ = strconv.ParseBool(v)
	}
	if requeue {
		s.deliverAndReenter(r.Context(), id)
	}

	resp := statusResponse{}
	if status != nil {
		resp.Status = *status
	}
	writeJSON(w, http.StatusOK, resp)
}

type sendSignalRequest struct {
	Payload any `json:"payload"`
}

type sendSignalResponse struct {
	SignalID uuid.UUID `json:"signalId"`
}

func (s *Server) handleSendSignal(w http.ResponseWriter, r *http.Request) {
	id, err := parseExecutionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	signalName := chi.URLParam(r, "signalName")

	var req sendSignalRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	sig, err := s.Store.SendSignal(r.Context(), id, signalName, req.Payload)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.deliverAndReenter(r.Context(), id)

	writeJSON(w, http.StatusAccepted, sendSignalResponse{SignalID: sig.ID})
}

// deliverAndReenter drives one delivery inline so a caller doesn't have to
// wait for the next scheduler sweep, and arms any further re-entry the
// result calls for. Delivery errors are swallowed here: an execution still
// in enqueued status is picked up by the background sweep, while one that
// is already running is not re-entered after such an error.
func (s *Server) deliverAndReenter(ctx context.Context, executionID uuid.UUID) {
	res, err := s.Executor.Deliver(ctx, executionID)
	if err != nil || s.reentry == nil {
		return
	}
	scheduler.Apply(ctx, s.reentry, s.Policy, executionID, res)
}

func parseExecutionID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "executionId"))
}

type executionView struct {
	ID         uuid.UUID    `json:"id"`
	WorkflowID string       `json:"workflowId"`
	Status     store.Status `json:"status"`
	Input      any          `json:"input,omitempty"`
	Output     any          `json:"output,omitempty"`
	Error      *string      `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
	RetryCount int          `json:"retryCount"`
}

func toExecutionView(e *store.Execution) executionView {
	return executionView{
		ID:         e.ID,
		WorkflowID: e.WorkflowID,
		Status:     e.Status,
		Input:      e.Input,
		Output:     e.Output,
		Error:      e.Error,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
		RetryCount: e.RetryCount,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeStoreError(w http.ResponseWriter, err error) {
	var notFound *store.NotFoundError
	var locked *store.LockedError
	var contention *store.ContentionError
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err)
	case errors.As(err, &locked), errors.As(err, &contention):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
