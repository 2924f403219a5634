package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryFirstTrySucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryImmediateRetrySucceeds(t *testing.T) {
	calls := 0
	start := time.Now()
	err := Retry(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	// The second attempt must not wait out the backoff.
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("immediate retry took %v", elapsed)
	}
}

func TestRetryBackoffThenSucceeds(t *testing.T) {
	calls := 0
	start := time.Now()
	err := Retry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if elapsed := time.Since(start); elapsed < retryBackoff {
		t.Errorf("third attempt after %v, want at least %v", elapsed, retryBackoff)
	}
}

func TestRetryExhausted(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func(context.Context) error {
		calls++
		return errTest
	})
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, func(context.Context) error {
		calls++
		return errTest
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (third attempt aborted by cancel)", calls)
	}
}

func TestFailureWindowEscalates(t *testing.T) {
	w := NewFailureWindow(3, 10*time.Second)
	base := time.Now()

	if w.recordAt(base) {
		t.Error("1 failure escalated")
	}
	if w.recordAt(base.Add(time.Second)) {
		t.Error("2 failures escalated")
	}
	if !w.recordAt(base.Add(2 * time.Second)) {
		t.Error("3 failures within window did not escalate")
	}
}

func TestFailureWindowExpiresOldFailures(t *testing.T) {
	w := NewFailureWindow(3, 10*time.Second)
	base := time.Now()

	w.recordAt(base)
	w.recordAt(base.Add(time.Second))
	// Third failure lands after the first has aged out.
	if w.recordAt(base.Add(11 * time.Second)) {
		t.Error("escalated with only 2 failures inside the window")
	}
}

func TestFailureWindowReset(t *testing.T) {
	w := NewFailureWindow(2, 10*time.Second)
	base := time.Now()

	w.recordAt(base)
	w.Reset()
	if w.recordAt(base.Add(time.Second)) {
		t.Error("escalated after Reset")
	}
}
