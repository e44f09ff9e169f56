// Package scheduler drives re-entry of suspended executions: delayed
// delivery after a sleep or retryable failure, and webhook-verified ingress
// for externally hosted delay queues.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cedricziel/durableflow/internal/backoff"
	"github.com/cedricziel/durableflow/internal/executor"
	"github.com/cedricziel/durableflow/internal/store"
)

// Scheduler abstracts delayed re-invocation of an execution so the executor
// never depends on a concrete delivery mechanism.
type Scheduler interface {
	ScheduleAfter(ctx context.Context, executionID uuid.UUID, delay time.Duration)
	ScheduleAt(ctx context.Context, executionID uuid.UUID, at time.Time)
}

// Deliverer is the subset of *executor.Executor the scheduler drives.
type Deliverer interface {
	Deliver(ctx context.Context, executionID uuid.UUID) (executor.Result, error)
}

// LockedMinBackoff is the shortest re-entry delay after a locked delivery.
const LockedMinBackoff = 30 * time.Second

// Apply maps a delivery Result onto the scheduler per §4.8: sleeping
// re-enters at the wake time, a retryable/locked failure re-enters after a
// backoff (at least LockedMinBackoff when locked; giving up once the policy
// is exhausted), waiting-for-signal only
// re-enters on an explicit timeout, and completed/cancelled/fatal need no
// further action from the scheduler.
func Apply(ctx context.Context, s Scheduler, policy backoff.Policy, executionID uuid.UUID, res executor.Result) {
	switch res.Status {
	case executor.StatusSleeping:
		s.ScheduleAt(ctx, executionID, time.UnixMilli(res.WakeAtEpochMs))
	case executor.StatusWaitingForSignal:
		if res.TimeoutAtEpochMs != nil {
			s.ScheduleAt(ctx, executionID, time.UnixMilli(*res.TimeoutAtEpochMs))
		}
	case executor.StatusRetryable, executor.StatusLocked:
		if policy.Exhausted(res.RetryCount) {
			log.Printf("scheduler: execution %s exhausted retry budget after %d attempts", executionID, res.RetryCount)
			return
		}
		delay := policy.Delay(res.RetryCount)
		if res.Status == executor.StatusLocked && delay < LockedMinBackoff {
			delay = LockedMinBackoff
		}
		s.ScheduleAfter(ctx, executionID, delay)
	case executor.StatusCompleted, executor.StatusCancelled, executor.StatusFailed:
		// No further re-entry: completed/cancelled are terminal, and a fatal
		// failure is already recorded on the execution row.
	}
}

// PollingScheduler is the in-process delay-queue implementation: an
// in-memory timer per scheduled re-entry, plus a periodic sweep over
// store.ProcessEnqueued that delivers executions still in enqueued status
// once their start time has arrived. An execution that is already running
// (sleeping or backing off) is not picked up by the sweep; its re-entry
// depends on its in-memory timer.
//
// It is the single-process analogue of the distributed "queue + delay"
// option described for the scheduler; a multi-process deployment would
// instead point Deliverer at a shared queue consumer.
type PollingScheduler struct {
	store    store.ExecutionStore
	deliver  Deliverer
	policy   backoff.Policy
	interval time.Duration

	mu      sync.Mutex
	timers  map[uuid.UUID]*time.Timer
	running bool
}

// NewPollingScheduler wires a PollingScheduler from its collaborators.
func NewPollingScheduler(st store.ExecutionStore, deliver Deliverer, policy backoff.Policy, sweepInterval time.Duration) *PollingScheduler {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &PollingScheduler{
		store:    st,
		deliver:  deliver,
		policy:   policy,
		interval: sweepInterval,
		timers:   map[uuid.UUID]*time.Timer{},
	}
}

// Start begins the periodic sweep, matching the ticker-driven watch loop
// pattern used for trigger scheduling: poll, act, sleep, repeat until ctx is
// cancelled.
func (p *PollingScheduler) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep claims enqueued executions whose start time has arrived and
// delivers them inline.
func (p *PollingScheduler) sweep(ctx context.Context) {
	ids, err := p.store.ProcessEnqueued(ctx)
	if err != nil {
		log.Printf("scheduler: sweep error: %v", err)
		return
	}
	for _, id := range ids {
		p.deliverNow(ctx, id)
	}
}

func (p *PollingScheduler) deliverNow(ctx context.Context, executionID uuid.UUID) {
	res, err := p.deliver.Deliver(ctx, executionID)
	if err != nil {
		log.Printf("scheduler: delivery error for %s: %v", executionID, err)
		return
	}
	Apply(ctx, p, p.policy, executionID, res)
}

// ScheduleAfter arms an in-memory timer, which is lost on process restart.
// The periodic sweep only claims enqueued executions, so a dropped re-entry
// for a running (sleeping or retrying) execution is not recovered by it.
// Whenever a sleep step is delivered again, it recomputes its remaining
// duration against the wall clock.
func (p *PollingScheduler) ScheduleAfter(ctx context.Context, executionID uuid.UUID, delay time.Duration) {
	p.scheduleTimer(ctx, executionID, delay)
}

// ScheduleAt arms a timer firing at the given wall-clock time.
func (p *PollingScheduler) ScheduleAt(ctx context.Context, executionID uuid.UUID, at time.Time) {
	p.scheduleTimer(ctx, executionID, time.Until(at))
}

func (p *PollingScheduler) scheduleTimer(ctx context.Context, executionID uuid.UUID, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	p.mu.Lock()
	if existing, ok := p.timers[executionID]; ok {
		existing.Stop()
	}
	p.timers[executionID] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, executionID)
		p.mu.Unlock()
		p.deliverNow(ctx, executionID)
	})
	p.mu.Unlock()
}
