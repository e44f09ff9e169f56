// Package backoff computes exponential-with-jitter retry delays and an
// attempt budget, shared by the execution-level re-delivery bookkeeping in
// internal/scheduler and internal/httpapi.
package backoff

import (
	"math/rand"
	"time"
)

// Policy bounds an exponential backoff sequence.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
}

// DefaultPolicy matches the execution-level retry bookkeeping described for
// the scheduler: start at 1s, double each attempt, cap at 60s, give up after
// 5 attempts.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
	}
}

// Delay returns the backoff duration for the given zero-based attempt number,
// with full jitter applied (a random duration in (0, computedDelay]).
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if d > float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

// Exhausted reports whether attempt has used up the policy's budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
