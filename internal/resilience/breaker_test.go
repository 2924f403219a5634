package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func TestNewBreakerDefaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test"})
	if b.threshold != 5 {
		t.Errorf("threshold = %d, want 5", b.threshold)
	}
	if b.cooldown != 30*time.Second {
		t.Errorf("cooldown = %v, want 30s", b.cooldown)
	}
	if b.probeBudget != 3 {
		t.Errorf("probeBudget = %d, want 3", b.probeBudget)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreakerClosedForwardsCalls(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", Threshold: 3})
	called := false
	if err := b.Do(func() error { called = true; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", Threshold: 3, Cooldown: time.Hour})

	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return errTest })
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", b.State())
	}

	err := b.Do(func() error { t.Fatal("fn called while open"); return nil })
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
}

func TestBreakerSuccessResetsFailureRun(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", Threshold: 3})

	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return nil })
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after success", b.State())
	}

	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return errTest })
	if b.State() != StateClosed {
		t.Fatal("two failures after a success must not open a threshold-3 breaker")
	}
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", Threshold: 1, Cooldown: 10 * time.Millisecond})

	_ = b.Do(func() error { return errTest })
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	time.Sleep(20 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after cooldown", b.State())
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", Threshold: 1, Cooldown: 10 * time.Millisecond})

	_ = b.Do(func() error { return errTest })
	time.Sleep(20 * time.Millisecond)

	// First probe fails: straight back to open for a full cooldown.
	_ = b.Do(func() error { return errTest })
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", b.State())
	}
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
}

func TestBreakerClosesAfterSuccessfulProbes(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:        "test",
		Threshold:   1,
		Cooldown:    10 * time.Millisecond,
		ProbeBudget: 2,
	})

	_ = b.Do(func() error { return errTest })
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after %d successful probes", b.State(), 2)
	}
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", Threshold: 1, Cooldown: time.Hour})

	_ = b.Do(func() error { return errTest })
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after Reset", b.State())
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("call after Reset: %v", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
