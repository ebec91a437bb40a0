package breaker

import (
	"errors"
	"testing"
	"time"

	"taskbroker/pkg/config"
)

func testConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailurePercentageThreshold: 50,
		MinimumRequestCount:        4,
		WindowSizeMs:               60_000,
		RecoveryTimeoutMs:          20,
		SuccessThresholdCount:      2,
	}
}

func TestBreakerTripsOnFailureThreshold(t *testing.T) {
	b := New(testConfig())

	for i := 0; i < 4; i++ {
		if err := b.Allow("agent-1"); err != nil {
			t.Fatalf("expected closed breaker to allow request %d: %v", i, err)
		}
		b.RecordFailure("agent-1")
	}

	if b.State("agent-1") != StateOpen {
		t.Fatalf("expected breaker to trip open, got %s", b.State("agent-1"))
	}
	if err := b.Allow("agent-1"); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := New(testConfig())

	for i := 0; i < 4; i++ {
		_ = b.Allow("agent-1")
		b.RecordFailure("agent-1")
	}
	if b.State("agent-1") != StateOpen {
		t.Fatalf("expected open state")
	}

	time.Sleep(25 * time.Millisecond)

	if err := b.Allow("agent-1"); err != nil {
		t.Fatalf("expected half-open trial to be allowed: %v", err)
	}
	if b.State("agent-1") != StateHalfOpen {
		t.Fatalf("expected half-open state")
	}
	if err := b.Allow("agent-1"); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected concurrent half-open trial to be rejected, got %v", err)
	}

	b.RecordSuccess("agent-1")
	if err := b.Allow("agent-1"); err != nil {
		t.Fatalf("expected second half-open trial: %v", err)
	}
	b.RecordSuccess("agent-1")

	if b.State("agent-1") != StateClosed {
		t.Fatalf("expected breaker to close after success threshold, got %s", b.State("agent-1"))
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b := New(testConfig())
	for i := 0; i < 4; i++ {
		_ = b.Allow("agent-1")
		b.RecordFailure("agent-1")
	}
	time.Sleep(25 * time.Millisecond)

	if err := b.Allow("agent-1"); err != nil {
		t.Fatalf("expected trial allowed: %v", err)
	}
	b.RecordFailure("agent-1")

	if b.State("agent-1") != StateOpen {
		t.Fatalf("expected breaker to reopen after half-open failure, got %s", b.State("agent-1"))
	}
}
