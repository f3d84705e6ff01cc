// Package ratelimit implements the strategy loop's shared rate-limit
// governor: a hand-rolled backoff/decay state machine driven directly by
// exchange response outcomes, rather than by retry-attempt count.
package ratelimit

import (
	"sync"
	"time"

	"github.com/coachpo/spotmm/internal/clock"
)

// Governor tracks a single escalating/decaying backoff shared across every
// exchange call the strategy loop makes in one iteration.
type Governor struct {
	mu sync.Mutex

	clock   clock.Clock
	initial time.Duration
	max     time.Duration

	backoff          time.Duration
	rateLimitedUntil time.Time
}

// New constructs a governor. initial is the first backoff applied on a
// rate-limit hit; max bounds how large backoff can grow.
func New(c clock.Clock, initial, max time.Duration) *Governor {
	if c == nil {
		c = clock.System{}
	}
	return &Governor{clock: c, initial: initial, max: max}
}

// OnRateLimited escalates the backoff and extends rate_limited_until,
// called whenever an exchange response maps to "too many requests".
func (g *Governor) OnRateLimited() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.backoff == 0 {
		g.backoff = g.initial
	} else {
		g.backoff = time.Duration(float64(g.backoff) * 1.5)
		if g.backoff > g.max {
			g.backoff = g.max
		}
	}

	deadline := g.clock.Now().Add(g.backoff)
	if deadline.After(g.rateLimitedUntil) {
		g.rateLimitedUntil = deadline
	}
}

// OnSuccess decays the backoff after a loop iteration that completed
// without itself hitting the limit. Once the backoff drops below half the
// initial value it is cleared entirely, along with the deadline.
func (g *Governor) OnSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.backoff == 0 {
		return
	}

	decayed := time.Duration(float64(g.backoff)*0.5 - float64(g.initial)*0.25)
	if decayed < 0 {
		decayed = 0
	}
	g.backoff = decayed

	if g.backoff < g.initial/2 {
		g.backoff = 0
		g.rateLimitedUntil = time.Time{}
	}
}

// RateLimitedUntil reports the instant the loop must sleep until before its
// next exchange call, or the zero Time if no backoff is in effect.
func (g *Governor) RateLimitedUntil() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rateLimitedUntil
}

// Backoff reports the current backoff duration (0 if none is active).
func (g *Governor) Backoff() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.backoff
}

// Wait blocks, via the provided sleep func, until rate_limited_until has
// passed. Callers pass time.Sleep in production and a no-op/instrumented
// func in tests.
func (g *Governor) Wait(sleep func(time.Duration)) {
	until := g.RateLimitedUntil()
	if until.IsZero() {
		return
	}
	now := g.clock.Now()
	if until.After(now) {
		sleep(until.Sub(now))
	}
}
