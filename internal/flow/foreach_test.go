package flow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cedricziel/durableflow/internal/stepexec"
	"github.com/cedricziel/durableflow/internal/store"
)

func TestRunForEachSequentialPreservesOrder(t *testing.T) {
	items := []any{float64(1), float64(2), float64(3)}
	out := RunForEach(context.Background(), store.ForEachConfig{Mode: store.ForEachSequential}, items, 100,
		func(ctx context.Context, item any, index int) stepexec.Outcome {
			return stepexec.Completed(item.(float64) * 10)
		})
	require.Equal(t, stepexec.OutcomeCompleted, out.Kind)
	require.Equal(t, []any{float64(10), float64(20), float64(30)}, out.Output)
}

func TestRunForEachParallelRespectsMaxConcurrency(t *testing.T) {
	items := []any{float64(1), float64(2), float64(3), float64(4), float64(5)}
	var current, max int32
	var mu sync.Mutex
	out := RunForEach(context.Background(), store.ForEachConfig{Mode: store.ForEachParallel, MaxConcurrency: 2}, items, 100,
		func(ctx context.Context, item any, index int) stepexec.Outcome {
			n := atomic.AddInt32(&current, 1)
			mu.Lock()
			if int(n) > int(max) {
				max = n
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return stepexec.Completed(item.(float64) * 10)
		})
	require.Equal(t, stepexec.OutcomeCompleted, out.Kind)
	require.Equal(t, []any{float64(10), float64(20), float64(30), float64(40), float64(50)}, out.Output)
	require.LessOrEqual(t, int(max), 2)
}

func TestRunForEachRaceReturnsFirstSuccess(t *testing.T) {
	items := []any{float64(1), float64(2)}
	out := RunForEach(context.Background(), store.ForEachConfig{Mode: store.ForEachRace}, items, 100,
		func(ctx context.Context, item any, index int) stepexec.Outcome {
			if index == 0 {
				time.Sleep(20 * time.Millisecond)
			}
			return stepexec.Completed(item)
		})
	require.Equal(t, stepexec.OutcomeCompleted, out.Kind)
	m := out.Output.(map[string]any)
	require.Equal(t, 1, m["index"])
}

func TestRunForEachAllSettledReportsPerIndex(t *testing.T) {
	items := []any{float64(1), float64(2)}
	out := RunForEach(context.Background(), store.ForEachConfig{Mode: store.ForEachAllSettled}, items, 100,
		func(ctx context.Context, item any, index int) stepexec.Outcome {
			if index == 1 {
				return stepexec.Failed(fmt.Errorf("boom"))
			}
			return stepexec.Completed(item)
		})
	require.Equal(t, stepexec.OutcomeCompleted, out.Kind)
	results := out.Output.([]any)
	require.Len(t, results, 2)
	require.Equal(t, "fulfilled", results[0].(map[string]any)["status"])
	require.Equal(t, "rejected", results[1].(map[string]any)["status"])
}

func TestRunForEachExceedsMaxIterations(t *testing.T) {
	items := []any{float64(1), float64(2), float64(3)}
	out := RunForEach(context.Background(), store.ForEachConfig{Mode: store.ForEachSequential}, items, 2,
		func(ctx context.Context, item any, index int) stepexec.Outcome {
			return stepexec.Completed(item)
		})
	require.Equal(t, stepexec.OutcomeFailed, out.Kind)
}
