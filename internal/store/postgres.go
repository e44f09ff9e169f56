package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/cedricziel/durableflow/internal/db"
)

// PostgresStore is the lib/pq-backed ExecutionStore. Every mutating method
// runs through db.WithRetry so transient connection/timeout/lock-busy
// failures are retried with exponential backoff and jitter before surfacing
// to the caller.
type PostgresStore struct {
	conn       *sql.DB
	retryCfg   db.RetryConfig
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(conn *sql.DB) *PostgresStore {
	return &PostgresStore{conn: conn, retryCfg: db.DefaultRetryConfig()}
}

var _ ExecutionStore = (*PostgresStore)(nil)

func toJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func fromJSON(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func (s *PostgresStore) GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error) {
	return scanExecution(s.conn.QueryRowContext(ctx, executionSelectSQL+` WHERE id = $1`, id))
}

const executionSelectSQL = `
SELECT id, workflow_id, status, input, output, error, retry_count, max_retries,
       created_at, updated_at, started_at_epoch_ms, completed_at_epoch_ms,
       start_at_epoch_ms, deadline_at_epoch_ms, locked_at, locked_until,
       lock_id, parent_execution_id, runtime_context, created_by, triggered_execution_ids
FROM workflow_executions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		e                                    Execution
		inputRaw, outputRaw, runtimeCtxRaw    []byte
		errStr, createdBy                     sql.NullString
		startedMs, completedMs, deadlineMs    sql.NullInt64
		lockedAt, lockedUntil                 sql.NullTime
		lockID, parentID                      uuid.NullUUID
		triggeredIDs                          []uuid.UUID
	)
	err := row.Scan(
		&e.ID, &e.WorkflowID, &e.Status, &inputRaw, &outputRaw, &errStr,
		&e.RetryCount, &e.MaxRetries, &e.CreatedAt, &e.UpdatedAt,
		&startedMs, &completedMs, &e.StartAtEpochMs, &deadlineMs,
		&lockedAt, &lockedUntil, &lockID, &parentID, &runtimeCtxRaw, &createdBy,
		pq.Array(&triggeredIDs),
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if e.Input, err = fromJSON(inputRaw); err != nil {
		return nil, err
	}
	if e.Output, err = fromJSON(outputRaw); err != nil {
		return nil, err
	}
	if e.RuntimeContext, err = fromJSON(runtimeCtxRaw); err != nil {
		return nil, err
	}
	if errStr.Valid {
		e.Error = &errStr.String
	}
	if createdBy.Valid {
		e.CreatedBy = &createdBy.String
	}
	if startedMs.Valid {
		e.StartedAtEpochMs = &startedMs.Int64
	}
	if completedMs.Valid {
		e.CompletedAtEpochMs = &completedMs.Int64
	}
	if deadlineMs.Valid {
		e.DeadlineAtEpochMs = &deadlineMs.Int64
	}
	if lockedAt.Valid {
		e.LockedAt = &lockedAt.Time
	}
	if lockedUntil.Valid {
		e.LockedUntil = &lockedUntil.Time
	}
	if lockID.Valid {
		e.LockID = &lockID.UUID
	}
	if parentID.Valid {
		e.ParentExecutionID = &parentID.UUID
	}
	e.TriggeredExecutionIDs = triggeredIDs
	return &e, nil
}

func (s *PostgresStore) CreateExecution(ctx context.Context, params CreateExecutionParams) (*Execution, error) {
	id := uuid.New()
	startAt := time.Now().UnixMilli()
	if params.StartAtEpochMs != nil {
		startAt = *params.StartAtEpochMs
	}
	var deadline *int64
	if params.TimeoutMs != nil {
		d := startAt + *params.TimeoutMs
		deadline = &d
	}
	inputRaw, err := toJSON(params.Input)
	if err != nil {
		return nil, err
	}
	runtimeRaw, err := toJSON(params.RuntimeContext)
	if err != nil {
		return nil, err
	}

	var exec *Execution
	err = db.WithRetry(ctx, s.retryCfg, func() error {
		row := s.conn.QueryRowContext(ctx, `
			INSERT INTO workflow_executions
				(id, workflow_id, status, input, retry_count, max_retries,
				 start_at_epoch_ms, deadline_at_epoch_ms, parent_execution_id,
				 runtime_context, created_by)
			VALUES ($1, $2, $3, $4, 0, 5, $5, $6, $7, $8, $9)
			RETURNING id, workflow_id, status, input, output, error, retry_count,
				max_retries, created_at, updated_at, started_at_epoch_ms,
				completed_at_epoch_ms, start_at_epoch_ms, deadline_at_epoch_ms,
				locked_at, locked_until, lock_id, parent_execution_id,
				runtime_context, created_by, triggered_execution_ids`,
			id, params.WorkflowID, StatusEnqueued, inputRaw, startAt, deadline,
			params.ParentExecutionID, runtimeRaw, params.CreatedBy)
		e, scanErr := scanExecution(row)
		if scanErr != nil {
			return scanErr
		}
		exec = e
		return nil
	})
	return exec, err
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, id uuid.UUID, patch ExecutionPatch) (*Execution, error) {
	sets := []string{"updated_at = now()"}
	args := []any{}
	argn := 1

	if patch.Status != nil {
		sets = append(sets, fmt.Sprintf("status = $%d", argn))
		args = append(args, *patch.Status)
		argn++
	}
	if patch.SetOutput {
		raw, err := toJSON(patch.Output)
		if err != nil {
			return nil, err
		}
		sets = append(sets, fmt.Sprintf("output = $%d", argn))
		args = append(args, raw)
		argn++
	}
	if patch.Error != nil {
		sets = append(sets, fmt.Sprintf("error = $%d", argn))
		args = append(args, *patch.Error)
		argn++
	}
	if patch.StartedAtEpochMs != nil {
		sets = append(sets, fmt.Sprintf("started_at_epoch_ms = $%d", argn))
		args = append(args, *patch.StartedAtEpochMs)
		argn++
	}
	if patch.CompletedAtEpochMs != nil {
		sets = append(sets, fmt.Sprintf("completed_at_epoch_ms = $%d", argn))
		args = append(args, *patch.CompletedAtEpochMs)
		argn++
	}
	if patch.RetryCount != nil {
		sets = append(sets, fmt.Sprintf("retry_count = $%d", argn))
		args = append(args, *patch.RetryCount)
		argn++
	}
	if patch.SetTriggeredExecutionIDs {
		sets = append(sets, fmt.Sprintf("triggered_execution_ids = $%d", argn))
		args = append(args, pq.Array(patch.TriggeredExecutionIDs))
		argn++
	}

	query := fmt.Sprintf(`UPDATE workflow_executions SET %s WHERE id = $%d RETURNING
		id, workflow_id, status, input, output, error, retry_count, max_retries,
		created_at, updated_at, started_at_epoch_ms, completed_at_epoch_ms,
		start_at_epoch_ms, deadline_at_epoch_ms, locked_at, locked_until,
		lock_id, parent_execution_id, runtime_context, created_by, triggered_execution_ids`,
		joinSets(sets), argn)
	args = append(args, id)

	var exec *Execution
	err := db.WithRetry(ctx, s.retryCfg, func() error {
		row := s.conn.QueryRowContext(ctx, query, args...)
		e, scanErr := scanExecution(row)
		if scanErr != nil {
			return scanErr
		}
		exec = e
		return nil
	})
	return exec, err
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}

func (s *PostgresStore) CancelExecution(ctx context.Context, id uuid.UUID) (*Status, error) {
	var status *Status
	err := db.WithRetry(ctx, s.retryCfg, func() error {
		var st Status
		err := s.conn.QueryRowContext(ctx, `
			UPDATE workflow_executions SET status = $1, updated_at = now()
			WHERE id = $2 AND status IN ($3, $4)
			RETURNING status`,
			StatusCancelled, id, StatusEnqueued, StatusRunning).Scan(&st)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		status = &st
		return nil
	})
	return status, err
}

func (s *PostgresStore) ResumeExecution(ctx context.Context, id uuid.UUID) (*Status, error) {
	var status *Status
	err := db.WithRetry(ctx, s.retryCfg, func() error {
		var st Status
		err := s.conn.QueryRowContext(ctx, `
			UPDATE workflow_executions
			SET status = $1, completed_at_epoch_ms = NULL, updated_at = now()
			WHERE id = $2 AND status = $3
			RETURNING status`,
			StatusEnqueued, id, StatusCancelled).Scan(&st)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		status = &st
		return nil
	})
	return status, err
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionListFilter) ([]*Execution, error) {
	query := executionSelectSQL + ` WHERE 1=1`
	var args []any
	argn := 1
	if filter.WorkflowID != "" {
		query += fmt.Sprintf(" AND workflow_id = $%d", argn)
		args = append(args, filter.WorkflowID)
		argn++
	}
	if filter.HasStatus {
		query += fmt.Sprintf(" AND status = $%d", argn)
		args = append(args, filter.Status)
		argn++
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argn, argn+1)
	args = append(args, limit, filter.Offset)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ProcessEnqueued atomically flips every enqueued row whose start time has
// passed to running and returns their ids. Intended for a periodic sweep.
func (s *PostgresStore) ProcessEnqueued(ctx context.Context) ([]uuid.UUID, error) {
	now := time.Now().UnixMilli()
	var ids []uuid.UUID
	err := db.WithRetry(ctx, s.retryCfg, func() error {
		ids = nil
		rows, err := s.conn.QueryContext(ctx, `
			UPDATE workflow_executions
			SET status = $1, updated_at = now()
			WHERE status = $2 AND start_at_epoch_ms <= $3
			RETURNING id`,
			StatusRunning, StatusEnqueued, now)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

func (s *PostgresStore) GetWorkflowDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	var stepsRaw, triggersRaw []byte
	var w WorkflowDefinition
	err := s.conn.QueryRowContext(ctx, `
		SELECT id, title, description, steps, triggers, created_at, updated_at
		FROM workflows WHERE id = $1`, id).Scan(
		&w.ID, &w.Title, &w.Description, &stepsRaw, &triggersRaw, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	wrapped, err := json.Marshal(map[string]json.RawMessage{
		"id":          mustJSON(w.ID),
		"title":       mustJSON(w.Title),
		"description": mustJSON(w.Description),
		"steps":       stepsRaw,
		"triggers":    triggersRaw,
		"createdAt":   mustJSON(w.CreatedAt),
		"updatedAt":   mustJSON(w.UpdatedAt),
	})
	if err != nil {
		return nil, err
	}
	var flattened WorkflowDefinition
	if err := json.Unmarshal(wrapped, &flattened); err != nil {
		return nil, err
	}
	return &flattened, nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

func (s *PostgresStore) CreateStepResult(ctx context.Context, executionID uuid.UUID, stepName string) (*StepResult, bool, error) {
	var result *StepResult
	var created bool
	err := db.WithRetry(ctx, s.retryCfg, func() error {
		now := time.Now().UnixMilli()
		row := s.conn.QueryRowContext(ctx, `
			INSERT INTO execution_step_results (execution_id, step_id, started_at_epoch_ms)
			VALUES ($1, $2, $3)
			ON CONFLICT (execution_id, step_id) DO NOTHING
			RETURNING execution_id, step_id, started_at_epoch_ms, completed_at_epoch_ms, output, error`,
			executionID, stepName, now)
		r, scanErr := scanStepResult(row)
		if scanErr != nil {
			return scanErr
		}
		if r != nil {
			result = r
			created = true
			return nil
		}
		// Lost the race: re-read the existing row.
		existing, readErr := s.getStepResultLocked(ctx, executionID, stepName)
		if readErr != nil {
			return readErr
		}
		result = existing
		created = false
		return nil
	})
	return result, created, err
}

func scanStepResult(row rowScanner) (*StepResult, error) {
	var (
		r                  StepResult
		outputRaw          []byte
		errStr             sql.NullString
		completedMs        sql.NullInt64
	)
	err := row.Scan(&r.ExecutionID, &r.StepName, &r.StartedAtEpochMs, &completedMs, &outputRaw, &errStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out, err := fromJSON(outputRaw)
	if err != nil {
		return nil, err
	}
	r.Output = out
	if completedMs.Valid {
		r.CompletedAtEpochMs = &completedMs.Int64
	}
	if errStr.Valid {
		r.Error = &errStr.String
	}
	return &r, nil
}

func (s *PostgresStore) getStepResultLocked(ctx context.Context, executionID uuid.UUID, stepName string) (*StepResult, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT execution_id, step_id, started_at_epoch_ms, completed_at_epoch_ms, output, error
		FROM execution_step_results WHERE execution_id = $1 AND step_id = $2`,
		executionID, stepName)
	return scanStepResult(row)
}

func (s *PostgresStore) UpdateStepResult(ctx context.Context, executionID uuid.UUID, stepName string, patch StepResultPatch) (*StepResult, error) {
	var result *StepResult
	err := db.WithRetry(ctx, s.retryCfg, func() error {
		var outputRaw []byte
		if patch.SetOutput {
			raw, err := toJSON(patch.Output)
			if err != nil {
				return err
			}
			outputRaw = raw
		}
		row := s.conn.QueryRowContext(ctx, `
			UPDATE execution_step_results
			SET completed_at_epoch_ms = COALESCE($3, completed_at_epoch_ms),
			    output = CASE WHEN $4 THEN $5 ELSE output END,
			    error = COALESCE($6, error)
			WHERE execution_id = $1 AND step_id = $2 AND completed_at_epoch_ms IS NULL
			RETURNING execution_id, step_id, started_at_epoch_ms, completed_at_epoch_ms, output, error`,
			executionID, stepName, patch.CompletedAtEpochMs, patch.SetOutput, outputRaw, patch.Error)
		r, scanErr := scanStepResult(row)
		if scanErr != nil {
			return scanErr
		}
		if r != nil {
			result = r
			return nil
		}
		existing, readErr := s.getStepResultLocked(ctx, executionID, stepName)
		if readErr != nil {
			return readErr
		}
		result = existing
		return nil
	})
	return result, err
}

func (s *PostgresStore) GetStepResult(ctx context.Context, executionID uuid.UUID, stepName string) (*StepResult, error) {
	return s.getStepResultLocked(ctx, executionID, stepName)
}

func (s *PostgresStore) GetStepResults(ctx context.Context, executionID uuid.UUID) ([]*StepResult, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT execution_id, step_id, started_at_epoch_ms, completed_at_epoch_ms, output, error
		FROM execution_step_results WHERE execution_id = $1`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*StepResult
	for rows.Next() {
		r, err := scanStepResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) WriteStreamChunk(ctx context.Context, chunk StreamChunk) error {
	return db.WithRetry(ctx, s.retryCfg, func() error {
		raw, err := toJSON(chunk.ChunkData)
		if err != nil {
			return err
		}
		_, err = s.conn.ExecContext(ctx, `
			INSERT INTO step_stream_chunks (id, execution_id, step_id, chunk_index, chunk_data)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (execution_id, step_id, chunk_index) DO NOTHING`,
			chunk.ID, chunk.ExecutionID, chunk.StepName, chunk.ChunkIndex, raw)
		return err
	})
}

func (s *PostgresStore) GetStreamChunks(ctx context.Context, executionID uuid.UUID, lastSeenByStep map[string]int) ([]*StreamChunk, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, execution_id, step_id, chunk_index, chunk_data, created_at
		FROM step_stream_chunks WHERE execution_id = $1
		ORDER BY created_at, chunk_index`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*StreamChunk
	for rows.Next() {
		var c StreamChunk
		var raw []byte
		if err := rows.Scan(&c.ID, &c.ExecutionID, &c.StepName, &c.ChunkIndex, &raw, &c.CreatedAt); err != nil {
			return nil, err
		}
		if last, ok := lastSeenByStep[c.StepName]; ok && c.ChunkIndex <= last {
			continue
		}
		data, err := fromJSON(raw)
		if err != nil {
			return nil, err
		}
		c.ChunkData = data
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteStreamChunks(ctx context.Context, executionID uuid.UUID) error {
	return db.WithRetry(ctx, s.retryCfg, func() error {
		_, err := s.conn.ExecContext(ctx, `DELETE FROM step_stream_chunks WHERE execution_id = $1`, executionID)
		return err
	})
}

func (s *PostgresStore) SendSignal(ctx context.Context, executionID uuid.UUID, name string, payload any) (*Signal, error) {
	var sig *Signal
	err := db.WithRetry(ctx, s.retryCfg, func() error {
		raw, err := toJSON(payload)
		if err != nil {
			return err
		}
		id := uuid.New()
		row := s.conn.QueryRowContext(ctx, `
			INSERT INTO workflow_signals (id, execution_id, name, payload)
			VALUES ($1, $2, $3, $4)
			RETURNING id, execution_id, name, payload, created_at, consumed_at`,
			id, executionID, name, raw)
		sig, err = scanSignal(row)
		return err
	})
	return sig, err
}

func scanSignal(row rowScanner) (*Signal, error) {
	var (
		sig        Signal
		raw        []byte
		consumedAt sql.NullTime
	)
	if err := row.Scan(&sig.ID, &sig.ExecutionID, &sig.Name, &raw, &sig.CreatedAt, &consumedAt); err != nil {
		return nil, err
	}
	payload, err := fromJSON(raw)
	if err != nil {
		return nil, err
	}
	sig.Payload = payload
	if consumedAt.Valid {
		sig.ConsumedAt = &consumedAt.Time
	}
	return &sig, nil
}

// ConsumeSignal atomically claims the oldest unconsumed signal of name for
// executionID via a compare-and-set on consumed_at, returning nil if none is
// pending.
func (s *PostgresStore) ConsumeSignal(ctx context.Context, executionID uuid.UUID, name string) (*Signal, error) {
	var sig *Signal
	err := db.WithRetry(ctx, s.retryCfg, func() error {
		row := s.conn.QueryRowContext(ctx, `
			UPDATE workflow_signals
			SET consumed_at = now()
			WHERE id = (
				SELECT id FROM workflow_signals
				WHERE execution_id = $1 AND name = $2 AND consumed_at IS NULL
				ORDER BY created_at
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, execution_id, name, payload, created_at, consumed_at`,
			executionID, name)
		r, scanErr := scanSignal(row)
		if scanErr == sql.ErrNoRows {
			sig = nil
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		sig = r
		return nil
	})
	return sig, err
}
