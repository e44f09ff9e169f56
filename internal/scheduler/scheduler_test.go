package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cedricziel/durableflow/internal/backoff"
	"github.com/cedricziel/durableflow/internal/executor"
)

type spyScheduler struct {
	afterCalls []time.Duration
	atCalls    []time.Time
}

func (s *spyScheduler) ScheduleAfter(ctx context.Context, executionID uuid.UUID, delay time.Duration) {
	s.afterCalls = append(s.afterCalls, delay)
}

func (s *spyScheduler) ScheduleAt(ctx context.Context, executionID uuid.UUID, at time.Time) {
	s.atCalls = append(s.atCalls, at)
}

func TestApplySleepingSchedulesAtWakeTime(t *testing.T) {
	s := &spyScheduler{}
	wake := time.Now().Add(10 * time.Minute).UnixMilli()
	Apply(context.Background(), s, backoff.DefaultPolicy(), uuid.New(), executor.Result{Status: executor.StatusSleeping, WakeAtEpochMs: wake})
	require.Len(t, s.atCalls, 1)
	require.Equal(t, wake, s.atCalls[0].UnixMilli())
	require.Empty(t, s.afterCalls)
}

func TestApplyWaitingForSignalOnlySchedulesOnExplicitTimeout(t *testing.T) {
	s := &spyScheduler{}
	Apply(context.Background(), s, backoff.DefaultPolicy(), uuid.New(), executor.Result{Status: executor.StatusWaitingForSignal})
	require.Empty(t, s.atCalls)
	require.Empty(t, s.afterCalls)

	timeout := time.Now().Add(time.Hour).UnixMilli()
	Apply(context.Background(), s, backoff.DefaultPolicy(), uuid.New(), executor.Result{Status: executor.StatusWaitingForSignal, TimeoutAtEpochMs: &timeout})
	require.Len(t, s.atCalls, 1)
}

func TestApplyRetryableSchedulesBackoffUntilExhausted(t *testing.T) {
	s := &spyScheduler{}
	policy := backoff.DefaultPolicy()
	Apply(context.Background(), s, policy, uuid.New(), executor.Result{Status: executor.StatusRetryable, RetryCount: 0})
	require.Len(t, s.afterCalls, 1)

	Apply(context.Background(), s, policy, uuid.New(), executor.Result{Status: executor.StatusRetryable, RetryCount: policy.MaxAttempts})
	require.Len(t, s.afterCalls, 1) // no new call: budget exhausted
}

func TestApplyTerminalStatusesScheduleNothing(t *testing.T) {
	s := &spyScheduler{}
	for _, status := range []executor.Status{executor.StatusCompleted, executor.StatusCancelled, executor.StatusFailed} {
		Apply(context.Background(), s, backoff.DefaultPolicy(), uuid.New(), executor.Result{Status: status})
	}
	require.Empty(t, s.afterCalls)
	require.Empty(t, s.atCalls)
}
