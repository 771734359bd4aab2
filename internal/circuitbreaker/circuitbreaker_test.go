package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

func TestOpensAfterFailureThreshold(t *testing.T) {
	cb := New(Config{FailureThreshold: 2, OpenTimeout: 100 * time.Millisecond, HalfOpenProbes: 2})

	cb.RecordResult(errors.New("boom"))
	if cb.State() != StateClosed {
		t.Fatal("expected CLOSED after one failure below threshold")
	}
	cb.RecordResult(errors.New("boom"))
	if cb.State() != StateOpen {
		t.Fatal("expected OPEN after reaching failure threshold")
	}
	if cb.AllowRequest() {
		t.Error("expected AllowRequest to reject while OPEN and before timeout")
	}
}

func TestOpenToHalfOpenAfterTimeout(t *testing.T) {
	cb := New(Config{FailureThreshold: 1, OpenTimeout: 20 * time.Millisecond, HalfOpenProbes: 2})
	cb.RecordResult(errors.New("boom"))
	if cb.State() != StateOpen {
		t.Fatal("expected OPEN")
	}

	time.Sleep(30 * time.Millisecond)
	if !cb.AllowRequest() {
		t.Fatal("expected single probe admission after open_timeout elapses")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", cb.State())
	}
}

func TestHalfOpenClosesAfterEnoughSuccesses(t *testing.T) {
	cb := New(Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond, HalfOpenProbes: 2})
	cb.RecordResult(errors.New("boom"))
	time.Sleep(15 * time.Millisecond)
	cb.AllowRequest() // admits into half-open

	cb.RecordResult(nil)
	if cb.State() != StateHalfOpen {
		t.Fatal("expected to remain half_open after one success when HalfOpenProbes=2")
	}
	cb.AllowRequest()
	cb.RecordResult(nil)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after HalfOpenProbes successes", cb.State())
	}
}

func TestHalfOpenReopensOnAnyFailure(t *testing.T) {
	cb := New(Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond, HalfOpenProbes: 3})
	cb.RecordResult(errors.New("boom"))
	time.Sleep(15 * time.Millisecond)
	cb.AllowRequest()

	cb.RecordResult(errors.New("still broken"))
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after any half-open failure", cb.State())
	}
}

func TestHalfOpenLimitsConcurrentProbes(t *testing.T) {
	cb := New(Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond, HalfOpenProbes: 2})
	cb.RecordResult(errors.New("boom"))
	time.Sleep(15 * time.Millisecond)

	if !cb.AllowRequest() {
		t.Fatal("expected first admission into half_open")
	}
	if !cb.AllowRequest() {
		t.Fatal("expected second admission (HalfOpenProbes=2)")
	}
	if cb.AllowRequest() {
		t.Fatal("expected third admission to be rejected")
	}
}

func TestResetTimeoutClearsFailuresBeforeThreshold(t *testing.T) {
	cb := New(Config{FailureThreshold: 3, OpenTimeout: time.Second, ResetTimeout: 20 * time.Millisecond})
	cb.RecordResult(errors.New("boom"))
	cb.RecordResult(errors.New("boom"))
	if cb.State() != StateClosed {
		t.Fatal("expected still CLOSED below threshold")
	}

	time.Sleep(30 * time.Millisecond)
	// AllowRequest re-evaluates reset_timeout before admitting.
	cb.AllowRequest()
	cb.RecordResult(errors.New("boom"))
	if cb.State() != StateClosed {
		t.Fatal("expected failures reset by ResetTimeout, so a single subsequent failure keeps it CLOSED")
	}
}

func TestExecuteRejectsWhenOpen(t *testing.T) {
	cb := New(Config{FailureThreshold: 1, OpenTimeout: time.Hour})
	_ = cb.Execute(func() error { return errors.New("boom") })

	err := cb.Execute(func() error { return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
}

func TestManualReset(t *testing.T) {
	cb := New(Config{FailureThreshold: 1})
	cb.RecordResult(errors.New("boom"))
	if cb.State() != StateOpen {
		t.Fatal("expected OPEN")
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatal("expected CLOSED after Reset")
	}
	if !cb.AllowRequest() {
		t.Error("expected requests allowed again after Reset")
	}
}

func TestDefaultsAppliedForZeroConfig(t *testing.T) {
	cb := New(Config{})
	if cb.cfg.FailureThreshold <= 0 || cb.cfg.OpenTimeout <= 0 || cb.cfg.HalfOpenProbes <= 0 {
		t.Errorf("expected positive defaults, got %+v", cb.cfg)
	}
}
