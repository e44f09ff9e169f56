package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayBoundedByMax(t *testing.T) {
	p := DefaultPolicy()
	for attempt := 0; attempt < 10; attempt++ {
		d := p.Delay(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, p.MaxDelay)
	}
}

func TestDelayGrowsWithAttempt(t *testing.T) {
	p := Policy{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2.0, MaxAttempts: 5}
	// Jitter means individual samples can't be compared directly; check the
	// ceiling (pre-jitter) value grows instead.
	raw := func(attempt int) time.Duration {
		d := float64(p.InitialDelay)
		for i := 0; i < attempt; i++ {
			d *= p.Multiplier
		}
		if d > float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
		}
		return time.Duration(d)
	}
	require.Less(t, raw(0), raw(1))
	require.Less(t, raw(1), raw(2))
}

func TestExhausted(t *testing.T) {
	p := DefaultPolicy()
	require.False(t, p.Exhausted(0))
	require.False(t, p.Exhausted(4))
	require.True(t, p.Exhausted(5))
	require.True(t, p.Exhausted(6))
}
