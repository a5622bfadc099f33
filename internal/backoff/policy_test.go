package backoff

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptTimeoutEscalates(t *testing.T) {
	p := Policy{BaseTimeout: 10 * time.Second, TimeoutStep: 5 * time.Second}

	assert.Equal(t, 10*time.Second, p.AttemptTimeout(1))
	assert.Equal(t, 15*time.Second, p.AttemptTimeout(2))
	assert.Equal(t, 20*time.Second, p.AttemptTimeout(3))
	assert.Equal(t, 10*time.Second, p.AttemptTimeout(0))
}

func TestNextDelayRamps(t *testing.T) {
	p := Policy{BaseWait: time.Second, AbortWait: 2 * time.Second}

	assert.Equal(t, time.Second, p.NextDelay(1, Failure))
	assert.Equal(t, 3*time.Second, p.NextDelay(3, Failure))
	assert.Equal(t, 2*time.Second, p.NextDelay(1, Timeout))
	assert.Equal(t, 6*time.Second, p.NextDelay(3, Timeout))
}

func TestNextDelayIsPureAndMonotonic(t *testing.T) {
	policies := []Policy{
		Default(),
		{},
		{BaseWait: 250 * time.Millisecond, AbortWait: 0},
	}
	for _, p := range policies {
		for _, kind := range []OutcomeKind{Failure, Timeout} {
			prev := time.Duration(0)
			for attempt := 1; attempt <= 10; attempt++ {
				first := p.NextDelay(attempt, kind)
				second := p.NextDelay(attempt, kind)
				require.Equal(t, first, second, "delay must be deterministic")
				require.Positive(t, first, "attempt %d kind %s", attempt, kind)
				require.GreaterOrEqual(t, first, prev)
				prev = first
			}
			for _, attempt := range []int{1 << 20, 1 << 32, 1 << 40, 1 << 62, math.MaxInt} {
				d := p.NextDelay(attempt, kind)
				require.Positive(t, d, "attempt %d kind %s", attempt, kind)
				require.GreaterOrEqual(t, d, prev, "attempt %d kind %s", attempt, kind)
				prev = d
			}
		}
	}
}

func TestRampsSaturateInsteadOfOverflowing(t *testing.T) {
	p := Default()
	assert.Equal(t, time.Duration(math.MaxInt64), p.NextDelay(1<<62, Timeout))
	assert.Equal(t, time.Duration(math.MaxInt64), p.NextDelay(math.MaxInt, Failure))

	prev := time.Duration(0)
	for _, n := range []int{1, 2, 1 << 20, 1 << 32, 1 << 40, 1 << 62, math.MaxInt} {
		timeout := p.AttemptTimeout(n)
		require.Positive(t, timeout, "attempt %d", n)
		require.GreaterOrEqual(t, timeout, prev, "attempt %d", n)
		prev = timeout
	}
	assert.Equal(t, time.Duration(math.MaxInt64), p.AttemptTimeout(math.MaxInt))
}

func TestAttemptsFloor(t *testing.T) {
	assert.Equal(t, 1, Policy{}.Attempts())
	assert.Equal(t, 3, Default().Attempts())
}
