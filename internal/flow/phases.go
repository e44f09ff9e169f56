// Package flow computes parallel execution phases from step reference
// dependencies and implements the forEach/parallel-group fan-out
// combinators used while running one phase.
package flow

import (
	"log"
	"sort"

	"github.com/cedricziel/durableflow/internal/ref"
	"github.com/cedricziel/durableflow/internal/store"
)

// Phase is a set of steps with no mutual reference dependencies, eligible
// for parallel execution.
type Phase struct {
	Steps []store.Step
}

// ComputePhases builds the step-dependency graph (S depends on T if any
// `@T...` reference appears in S's template) and topologically sorts it
// into levels: level 0 has no step-dependencies, level N+1 depends only on
// levels <= N. Phases execute strictly in sequence; steps within a phase
// run in parallel by default.
func ComputePhases(steps []store.Step) []Phase {
	byName := make(map[string]store.Step, len(steps))
	for _, s := range steps {
		byName[s.Name] = s
	}

	deps := make(map[string]map[string]struct{}, len(steps))
	for _, s := range steps {
		found := stepDependencies(s)
		filtered := make(map[string]struct{})
		for name := range found {
			if name == s.Name {
				continue
			}
			if _, known := byName[name]; known {
				filtered[name] = struct{}{}
			}
		}
		deps[s.Name] = filtered
	}

	var phases []Phase
	placed := make(map[string]struct{}, len(steps))
	remaining := make([]store.Step, len(steps))
	copy(remaining, steps)

	for len(remaining) > 0 {
		var level []store.Step
		var rest []store.Step
		for _, s := range remaining {
			ready := true
			for dep := range deps[s.Name] {
				if _, ok := placed[dep]; !ok {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, s)
			} else {
				rest = append(rest, s)
			}
		}
		if len(level) == 0 {
			// Cycle (should not happen if upstream validation ran); fall back
			// to sequential execution of the remainder, one step per phase,
			// in their originally declared order.
			log.Printf("flow: cyclic or unresolvable step dependencies among %d steps; falling back to sequential order", len(rest))
			sort.Slice(rest, func(i, j int) bool {
				return stepIndex(steps, rest[i].Name) < stepIndex(steps, rest[j].Name)
			})
			for _, s := range rest {
				phases = append(phases, Phase{Steps: []store.Step{s}})
				placed[s.Name] = struct{}{}
			}
			break
		}
		// Stable order within a level, matching declaration order.
		sort.Slice(level, func(i, j int) bool {
			return stepIndex(steps, level[i].Name) < stepIndex(steps, level[j].Name)
		})
		for _, s := range level {
			placed[s.Name] = struct{}{}
		}
		phases = append(phases, Phase{Steps: level})
		remaining = rest
	}
	return phases
}

func stepIndex(steps []store.Step, name string) int {
	for i, s := range steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func stepDependencies(s store.Step) map[string]struct{} {
	deps := map[string]struct{}{}
	merge := func(v any) {
		for name := range ref.ExtractStepDependencies(v) {
			deps[name] = struct{}{}
		}
	}
	merge(s.Input)
	if s.Config != nil {
		if s.Config.ForEach != nil {
			merge(s.Config.ForEach.Items)
		}
	}
	if s.Action.Kind == store.ActionSleep && s.Action.SleepUntil != nil {
		merge(s.Action.SleepUntil)
	}
	return deps
}
