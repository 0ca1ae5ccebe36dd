package breaker

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func newTestBreaker(threshold int, timeout time.Duration) (*Breaker, *time.Time) {
	now := time.Now()
	b := New(Options{
		FailureThreshold: threshold,
		RecoveryTimeout:  timeout,
		now:              func() time.Time { return now },
	})
	return b, &now
}

func TestClosedUntilThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		if err := b.Do(func() error { return errBoom }); err != errBoom {
			t.Fatalf("call %d: got %v, want errBoom", i, err)
		}
		if b.State() != StateClosed {
			t.Fatalf("call %d: state %q, want closed", i, b.State())
		}
	}

	if err := b.Do(func() error { return errBoom }); err != errBoom {
		t.Fatalf("threshold call: got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state %q, want open", b.State())
	}
}

func TestOpenShortCircuits(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	b.Do(func() error { return errBoom })

	called := false
	err := b.Do(func() error { called = true; return nil })
	if err != ErrOpen {
		t.Fatalf("got %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn should not run while open")
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.Do(func() error { return errBoom })
	b.Do(func() error { return errBoom })
	b.Do(func() error { return nil })
	b.Do(func() error { return errBoom })
	b.Do(func() error { return errBoom })

	if b.State() != StateClosed {
		t.Fatalf("state %q, want closed after reset", b.State())
	}
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	b.Do(func() error { return errBoom })
	*now = now.Add(2 * time.Minute)

	if b.State() != StateHalfOpen {
		t.Fatalf("state %q, want half_open after recovery timeout", b.State())
	}

	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state %q, want closed after successful probe", b.State())
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	b.Do(func() error { return errBoom })
	*now = now.Add(2 * time.Minute)

	if err := b.Do(func() error { return errBoom }); err != errBoom {
		t.Fatalf("probe: got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state %q, want open after failed probe", b.State())
	}

	// The open window restarts from the failed probe.
	if err := b.Do(func() error { return nil }); err != ErrOpen {
		t.Fatalf("got %v, want ErrOpen", err)
	}
}

func TestHalfOpenBudget(t *testing.T) {
	now := time.Now()
	b := New(Options{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
		now:              func() time.Time { return now },
	})

	b.Do(func() error { return errBoom })
	now = now.Add(2 * time.Minute)

	// Hold the single probe slot without completing it.
	if err := b.allow(); err != nil {
		t.Fatalf("first probe slot: %v", err)
	}
	if err := b.allow(); err != ErrOpen {
		t.Fatalf("second probe: got %v, want ErrOpen", err)
	}
}

func TestDefaults(t *testing.T) {
	b := New(Options{})
	if b.threshold != 5 {
		t.Errorf("threshold: got %d, want 5", b.threshold)
	}
	if b.recoveryTimeout != 60*time.Second {
		t.Errorf("recoveryTimeout: got %v, want 60s", b.recoveryTimeout)
	}
	if b.halfOpenMax != 1 {
		t.Errorf("halfOpenMax: got %d, want 1", b.halfOpenMax)
	}
}
