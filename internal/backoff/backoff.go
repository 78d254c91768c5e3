// Package backoff provides exponential backoff with jitter for retry
// loops, with context-aware waits.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the exponential backoff parameters.
type Policy struct {
	// BaseMs is the delay before the second attempt, in milliseconds.
	BaseMs float64
	// MaxMs caps the delay.
	MaxMs float64
	// JitterMs is the +/- randomization applied to each delay.
	JitterMs float64
}

// DefaultPolicy matches the runtime's retry defaults.
func DefaultPolicy() Policy {
	return Policy{BaseMs: 250, MaxMs: 8000, JitterMs: 100}
}

// Delay computes the wait for attempt i (0-based): min(base*2^i, max)
// plus jitter.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter needs no crypto randomness
}

func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	base := math.Min(p.MaxMs, p.BaseMs*math.Pow(2, float64(attempt)))
	jitter := (random*2 - 1) * p.JitterMs
	total := math.Max(0, base+jitter)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// Wait sleeps for d or until ctx is done, returning the context error on
// cancellation so the whole attempt aborts.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
