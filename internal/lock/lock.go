// Package lock implements the optimistic, time-bounded row lock on the
// workflow_executions table that serializes concurrent delivery attempts
// for one execution.
package lock

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/cedricziel/durableflow/internal/store"
)

// DefaultDuration is the default lock lease length.
const DefaultDuration = 5 * time.Minute

// Manager acquires/extends/releases the execution row lock.
type Manager struct {
	conn *sql.DB
}

// New wraps a database handle.
func New(conn *sql.DB) *Manager {
	return &Manager{conn: conn}
}

// Acquire attempts to take the lock on executionID for duration, returning
// the opaque lockId on success. A nil lockId (no error) means the lock is
// currently held by someone else or the execution is not in a lockable
// status.
func (m *Manager) Acquire(ctx context.Context, executionID uuid.UUID, duration time.Duration) (*uuid.UUID, error) {
	if duration <= 0 {
		duration = DefaultDuration
	}
	lockID := uuid.New()
	var returned uuid.UUID
	err := m.conn.QueryRowContext(ctx, `
		UPDATE workflow_executions
		SET locked_at = now(), locked_until = now() + $1::interval, lock_id = $2
		WHERE id = $3
		  AND (locked_until IS NULL OR locked_until < now())
		  AND status IN ($4, $5)
		RETURNING id`,
		duration.String(), lockID, executionID, store.StatusEnqueued, store.StatusRunning).Scan(&returned)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lockID, nil
}

// Release drops the lock if held by lockID; it is a no-op (not an error) if
// lockID does not match the current holder.
func (m *Manager) Release(ctx context.Context, executionID, lockID uuid.UUID) error {
	_, err := m.conn.ExecContext(ctx, `
		UPDATE workflow_executions
		SET locked_at = NULL, locked_until = NULL, lock_id = NULL
		WHERE id = $1 AND lock_id = $2`,
		executionID, lockID)
	return err
}

// Extend renews the lock's lease if held by lockID.
func (m *Manager) Extend(ctx context.Context, executionID, lockID uuid.UUID, duration time.Duration) error {
	if duration <= 0 {
		duration = DefaultDuration
	}
	_, err := m.conn.ExecContext(ctx, `
		UPDATE workflow_executions
		SET locked_until = now() + $1::interval
		WHERE id = $2 AND lock_id = $3`,
		duration.String(), executionID, lockID)
	return err
}

// WithLock acquires the lock, runs fn, and releases it on every exit path
// (including panics). Returns a LockedError if the lock could not be
// acquired.
func (m *Manager) WithLock(ctx context.Context, executionID uuid.UUID, duration time.Duration, fn func(ctx context.Context) error) error {
	lockID, err := m.Acquire(ctx, executionID, duration)
	if err != nil {
		return err
	}
	if lockID == nil {
		return &store.LockedError{ExecutionID: executionID}
	}
	defer func() {
		_ = m.Release(ctx, executionID, *lockID)
	}()
	return fn(ctx)
}
