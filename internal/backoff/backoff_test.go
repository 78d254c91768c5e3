package backoff

import (
	"context"
	"testing"
	"time"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{BaseMs: 100, MaxMs: 400, JitterMs: 0}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 400 * time.Millisecond}, // capped
		{10, 400 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{BaseMs: 100, MaxMs: 1000, JitterMs: 50}
	if got := p.delayWithRand(0, 0); got != 50*time.Millisecond {
		t.Errorf("min jitter = %v", got)
	}
	if got := p.delayWithRand(0, 1); got != 150*time.Millisecond {
		t.Errorf("max jitter = %v", got)
	}
	// Jitter never drives the delay negative.
	p = Policy{BaseMs: 10, MaxMs: 1000, JitterMs: 100}
	if got := p.delayWithRand(0, 0); got < 0 {
		t.Errorf("delay = %v, want >= 0", got)
	}
}

func TestWaitReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Wait(ctx, time.Minute); err != context.Canceled {
		t.Errorf("err = %v", err)
	}
}

func TestWaitZeroIsImmediate(t *testing.T) {
	if err := Wait(context.Background(), 0); err != nil {
		t.Errorf("err = %v", err)
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.BaseMs != 250 || p.MaxMs != 8000 || p.JitterMs != 100 {
		t.Errorf("defaults = %+v", p)
	}
}
