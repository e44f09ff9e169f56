package flow

import (
	"context"
	"fmt"
	"sync"

	"github.com/cedricziel/durableflow/internal/stepexec"
	"github.com/cedricziel/durableflow/internal/store"
)

// IterationFn runs one forEach/parallel-group iteration and returns its
// outcome. Callers are responsible for establishing the fresh RefContext
// (item/index bound) and writing the iteration's own checkpoint row before
// returning.
type IterationFn func(ctx context.Context, item any, index int) stepexec.Outcome

// RunForEach fans out over items according to cfg.Mode, honoring
// maxIterations as a hard cap.
func RunForEach(ctx context.Context, cfg store.ForEachConfig, items []any, maxIterations int, run IterationFn) stepexec.Outcome {
	if len(items) > maxIterations {
		return stepexec.Failed(fmt.Errorf("forEach: %d items exceeds maxIterations %d", len(items), maxIterations))
	}
	switch cfg.Mode {
	case store.ForEachSequential:
		return runSequential(ctx, items, run)
	case store.ForEachParallel:
		return runParallelWindowed(ctx, items, cfg.MaxConcurrency, run)
	case store.ForEachRace:
		return runRace(ctx, items, run)
	case store.ForEachAllSettled:
		return runAllSettled(ctx, items, run)
	default:
		return stepexec.Failed(fmt.Errorf("unknown forEach mode %q", cfg.Mode))
	}
}

func runSequential(ctx context.Context, items []any, run IterationFn) stepexec.Outcome {
	results := make([]any, len(items))
	for i, item := range items {
		out := run(ctx, item, i)
		switch out.Kind {
		case stepexec.OutcomeCompleted:
			results[i] = out.Output
		default:
			return out
		}
	}
	return stepexec.Completed(results)
}

// runParallelWindowed processes items in windows of maxConcurrency (0 means
// unbounded), preserving input order in the result array. The first
// non-completed outcome encountered cancels the remaining, not-yet-started
// iterations cooperatively and is propagated as the overall outcome.
func runParallelWindowed(parent context.Context, items []any, maxConcurrency int, run IterationFn) stepexec.Outcome {
	if maxConcurrency <= 0 || maxConcurrency > len(items) {
		maxConcurrency = len(items)
	}
	if maxConcurrency == 0 {
		return stepexec.Completed([]any{})
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	results := make([]any, len(items))
	var (
		mu        sync.Mutex
		firstBad  *stepexec.Outcome
		wg        sync.WaitGroup
		nextIndex int
		idxMu     sync.Mutex
	)

	worker := func() {
		defer wg.Done()
		for {
			idxMu.Lock()
			if nextIndex >= len(items) {
				idxMu.Unlock()
				return
			}
			i := nextIndex
			nextIndex++
			idxMu.Unlock()

			select {
			case <-ctx.Done():
				return
			default:
			}

			out := run(ctx, items[i], i)
			if out.Kind == stepexec.OutcomeCompleted {
				mu.Lock()
				results[i] = out.Output
				mu.Unlock()
				continue
			}
			mu.Lock()
			if firstBad == nil {
				o := out
				firstBad = &o
			}
			mu.Unlock()
			cancel()
			return
		}
	}

	for w := 0; w < maxConcurrency; w++ {
		wg.Add(1)
		go worker()
	}
	wg.Wait()

	if firstBad != nil {
		return *firstBad
	}
	return stepexec.Completed(results)
}

// runRace starts every iteration concurrently; the first successful one
// wins and its index/item/value become the output. Losers are cancelled
// cooperatively.
func runRace(parent context.Context, items []any, run IterationFn) stepexec.Outcome {
	if len(items) == 0 {
		return stepexec.Completed(nil)
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	type winner struct {
		index int
		item  any
		value any
	}
	winCh := make(chan winner, 1)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var lastErrOutcome *stepexec.Outcome

	for i, item := range items {
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			out := run(ctx, item, i)
			if out.Kind == stepexec.OutcomeCompleted {
				select {
				case winCh <- winner{index: i, item: item, value: out.Output}:
					cancel()
				default:
				}
				return
			}
			mu.Lock()
			if lastErrOutcome == nil {
				o := out
				lastErrOutcome = &o
			}
			mu.Unlock()
		}(i, item)
	}

	go func() {
		wg.Wait()
		close(winCh)
	}()

	w, ok := <-winCh
	if !ok {
		if lastErrOutcome != nil {
			return *lastErrOutcome
		}
		return stepexec.Failed(fmt.Errorf("forEach race: no iteration completed"))
	}
	return stepexec.Completed(map[string]any{
		"index": w.index,
		"item":  w.item,
		"value": w.value,
	})
}

// runAllSettled runs every iteration to completion in parallel; the output
// enumerates a fulfilled/rejected record per index, in input order.
func runAllSettled(parent context.Context, items []any, run IterationFn) stepexec.Outcome {
	type settled struct {
		Status string `json:"status"`
		Value  any    `json:"value,omitempty"`
		Reason string `json:"reason,omitempty"`
	}
	results := make([]settled, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			out := run(parent, item, i)
			switch out.Kind {
			case stepexec.OutcomeCompleted:
				results[i] = settled{Status: "fulfilled", Value: out.Output}
			default:
				reason := ""
				if out.Err != nil {
					reason = out.Err.Error()
				} else {
					reason = string(out.Kind)
				}
				results[i] = settled{Status: "rejected", Reason: reason}
			}
		}(i, item)
	}
	wg.Wait()

	out := make([]any, len(results))
	for i, r := range results {
		m := map[string]any{"status": r.Status}
		if r.Status == "fulfilled" {
			m["value"] = r.Value
		} else {
			m["reason"] = r.Reason
		}
		out[i] = m
	}
	return stepexec.Completed(out)
}
