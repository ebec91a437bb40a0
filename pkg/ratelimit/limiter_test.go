package ratelimit

import (
	"errors"
	"testing"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New(60, 3)
	for i := 0; i < 3; i++ {
		if err := l.Allow("user-1", nil); err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
	}
	if err := l.Allow("user-1", nil); !errors.Is(err, ErrRateLimit) {
		t.Fatalf("expected ErrRateLimit after burst exhausted, got %v", err)
	}
}

func TestAllowPerKeyIsolated(t *testing.T) {
	l := New(60, 1)
	if err := l.Allow("user-1", nil); err != nil {
		t.Fatalf("user-1 first request: %v", err)
	}
	if err := l.Allow("user-2", nil); err != nil {
		t.Fatalf("user-2 should have its own bucket: %v", err)
	}
	if err := l.Allow("user-1", nil); !errors.Is(err, ErrRateLimit) {
		t.Fatalf("user-1 should be exhausted, got %v", err)
	}
}

func TestAllowOverrideReplacesDefault(t *testing.T) {
	l := New(60, 1)
	override := 5
	for i := 0; i < 5; i++ {
		if err := l.Allow("user-vip", &override); err != nil {
			t.Fatalf("request %d under override burst: %v", i, err)
		}
	}
	if err := l.Allow("user-vip", &override); !errors.Is(err, ErrRateLimit) {
		t.Fatalf("expected exhaustion at override burst, got %v", err)
	}
}

func TestAllowZeroOverrideFallsBackToDefault(t *testing.T) {
	l := New(60, 2)
	zero := 0
	if err := l.Allow("user-1", &zero); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := l.Allow("user-1", &zero); err != nil {
		t.Fatalf("second request under default burst: %v", err)
	}
	if err := l.Allow("user-1", &zero); !errors.Is(err, ErrRateLimit) {
		t.Fatalf("expected exhaustion at default burst, got %v", err)
	}
}
