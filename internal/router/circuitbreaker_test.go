package router

import (
	"testing"
	"time"
)

func TestCircuitBreaker_AllowsUnknownProviderOptimistically(t *testing.T) {
	cb := NewCircuitBreaker()
	if !cb.Allow("never-seen") {
		t.Fatal("expected optimistic allow for an unknown provider")
	}
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(CBConfig{ErrorThreshold: 3, TimeWindow: time.Minute})

	for i := 0; i < 2; i++ {
		cb.RecordFailure("p1")
	}
	if cb.StateLabel("p1") != "closed" {
		t.Fatalf("state after 2 failures = %s, want closed", cb.StateLabel("p1"))
	}
	cb.RecordFailure("p1")
	if cb.StateLabel("p1") != "open" {
		t.Fatalf("state after 3 failures = %s, want open", cb.StateLabel("p1"))
	}
	if cb.Allow("p1") {
		t.Fatal("open breaker must reject requests")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(CBConfig{ErrorThreshold: 1, HalfOpenTimeout: 10 * time.Millisecond})
	cb.RecordFailure("p1")
	if cb.Allow("p1") {
		t.Fatal("breaker should still be open immediately after tripping")
	}

	time.Sleep(15 * time.Millisecond)
	if !cb.Allow("p1") {
		t.Fatal("expected half-open probe to be allowed after timeout")
	}
	if cb.StateLabel("p1") != "half_open" {
		t.Fatalf("state = %s, want half_open", cb.StateLabel("p1"))
	}
	// A second caller must not get a concurrent probe.
	if cb.Allow("p1") {
		t.Fatal("expected second probe to be rejected while one is in flight")
	}
}

func TestCircuitBreaker_SuccessClosesBreaker(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(CBConfig{ErrorThreshold: 1})
	cb.RecordFailure("p1")
	if cb.StateLabel("p1") != "open" {
		t.Fatal("expected open after single failure at threshold 1")
	}
	cb.RecordSuccess("p1")
	if cb.StateLabel("p1") != "closed" {
		t.Fatal("expected RecordSuccess to reset breaker to closed")
	}
	if !cb.Allow("p1") {
		t.Fatal("closed breaker must allow requests")
	}
}

func TestCircuitBreaker_WindowResetDropsStaleFailures(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(CBConfig{ErrorThreshold: 2, TimeWindow: 10 * time.Millisecond})
	cb.RecordFailure("p1")
	time.Sleep(15 * time.Millisecond)
	cb.RecordFailure("p1") // window expired: counter resets to 1, not 2
	if cb.StateLabel("p1") != "closed" {
		t.Fatal("expected stale failure outside the window to not count toward the threshold")
	}
}
