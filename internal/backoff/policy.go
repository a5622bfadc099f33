// Package backoff computes per-attempt timeouts and inter-attempt waits for
// generation jobs.
package backoff

import (
	"math"
	"time"
)

// OutcomeKind classifies how the previous attempt ended.
type OutcomeKind int

const (
	// Failure is an ordinary provider or transport failure.
	Failure OutcomeKind = iota
	// Timeout means the attempt was aborted by its own timeout.
	Timeout
)

func (k OutcomeKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	default:
		return "failure"
	}
}

const (
	// minDelay keeps waits strictly positive when multipliers are configured as zero.
	minDelay = time.Millisecond
	// maxDelay caps ramps that would overflow.
	maxDelay = time.Duration(math.MaxInt64)
)

// Policy holds the retry ramps. The zero value is usable but degenerate; use
// Default or build one from config.
type Policy struct {
	BaseTimeout time.Duration
	TimeoutStep time.Duration
	BaseWait    time.Duration
	AbortWait   time.Duration
	MaxAttempts int
}

// Default mirrors the daemon's built-in configuration.
func Default() Policy {
	return Policy{
		BaseTimeout: 20 * time.Second,
		TimeoutStep: 10 * time.Second,
		BaseWait:    time.Second,
		AbortWait:   3 * time.Second,
		MaxAttempts: 3,
	}
}

// AttemptTimeout returns the timeout for attempt n (1-indexed).
func (p Policy) AttemptTimeout(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base := max(p.BaseTimeout, 0)
	step := max(p.TimeoutStep, 0)
	if step > 0 && int64(n-1) > int64(maxDelay-base)/int64(step) {
		return maxDelay
	}
	timeout := base + time.Duration(n-1)*step
	if timeout < minDelay {
		return minDelay
	}
	return timeout
}

// NextDelay returns the wait before attempt+1 given how attempt ended.
func (p Policy) NextDelay(attempt int, kind OutcomeKind) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseWait
	if kind == Timeout {
		base = p.AbortWait
	}
	if base < minDelay {
		base = minDelay
	}
	if int64(attempt) > int64(maxDelay)/int64(base) {
		return maxDelay
	}
	return base * time.Duration(attempt)
}

// Attempts returns the configured attempt budget, never less than one.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}
