package ratelimit

import (
	"testing"
	"time"

	"github.com/coachpo/spotmm/internal/clock"
)

func TestBackoffEscalatesThenClampsAtMax(t *testing.T) {
	frozen := clock.Frozen{At: time.Unix(0, 0)}
	g := New(frozen, 100*time.Millisecond, time.Second)

	if g.Backoff() != 0 {
		t.Fatalf("expected zero initial backoff")
	}

	g.OnRateLimited()
	if g.Backoff() != 100*time.Millisecond {
		t.Fatalf("first hit should set backoff to initial, got %v", g.Backoff())
	}

	g.OnRateLimited()
	if g.Backoff() != 150*time.Millisecond {
		t.Fatalf("second hit should be 1.5x initial, got %v", g.Backoff())
	}

	for i := 0; i < 20; i++ {
		g.OnRateLimited()
	}
	if g.Backoff() != time.Second {
		t.Fatalf("backoff should clamp at max, got %v", g.Backoff())
	}
}

func TestBackoffDecaysAndClearsAfterSuccess(t *testing.T) {
	frozen := clock.Frozen{At: time.Unix(0, 0)}
	g := New(frozen, 100*time.Millisecond, time.Second)

	g.OnRateLimited() // backoff = 100ms
	g.OnRateLimited() // backoff = 150ms

	g.OnSuccess() // 150*0.5 - 100*0.25 = 75 - 25 = 50ms; equal to initial/2, not below it, so kept
	if g.Backoff() != 50*time.Millisecond {
		t.Fatalf("expected backoff decayed to 50ms and kept at exactly initial/2, got %v", g.Backoff())
	}

	g.OnSuccess() // 50*0.5 - 100*0.25 = 0ms; below initial/2, so cleared
	if g.Backoff() != 0 {
		t.Fatalf("expected backoff cleared once below initial/2, got %v", g.Backoff())
	}
	if !g.RateLimitedUntil().IsZero() {
		t.Fatalf("expected deadline cleared alongside backoff")
	}
}

func TestBackoffDecaysGraduallyBeforeClearing(t *testing.T) {
	frozen := clock.Frozen{At: time.Unix(0, 0)}
	g := New(frozen, 100*time.Millisecond, time.Second)

	for i := 0; i < 6; i++ {
		g.OnRateLimited()
	}
	before := g.Backoff()
	if before <= 100*time.Millisecond {
		t.Fatalf("expected multiple escalations to exceed initial, got %v", before)
	}

	g.OnSuccess()
	after := g.Backoff()
	if after != 0 && after >= before {
		t.Fatalf("expected a single success to decay backoff, before=%v after=%v", before, after)
	}
}

func TestRateLimitedUntilExtendsToLaterDeadlineOnly(t *testing.T) {
	frozen := clock.Frozen{At: time.Unix(0, 0)}
	g := New(frozen, 100*time.Millisecond, time.Second)

	g.OnRateLimited()
	first := g.RateLimitedUntil()
	if first.IsZero() {
		t.Fatalf("expected a deadline after first rate limit hit")
	}

	g.OnRateLimited()
	second := g.RateLimitedUntil()
	if !second.After(first) && !second.Equal(first) {
		t.Fatalf("deadline should never move backward: first=%v second=%v", first, second)
	}
}

func TestOnSuccessIsNoOpWhenNoBackoffActive(t *testing.T) {
	frozen := clock.Frozen{At: time.Unix(0, 0)}
	g := New(frozen, 100*time.Millisecond, time.Second)
	g.OnSuccess()
	if g.Backoff() != 0 {
		t.Fatalf("expected backoff to remain zero")
	}
}
