package resilience

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// retryBackoff is the base pause before the second (jittered) retry.
const retryBackoff = 200 * time.Millisecond

// Retry applies the transient-error policy to fn: the first failure is
// retried immediately, the second after a jittered 200 ms pause, and the
// third failure is returned to the caller. Context cancellation aborts the
// backoff wait and returns the context error.
func Retry(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}

	// Immediate retry.
	if err = fn(ctx); err == nil {
		return nil
	}

	pause := retryBackoff + rand.N(retryBackoff/2)
	select {
	case <-time.After(pause):
	case <-ctx.Done():
		return ctx.Err()
	}
	return fn(ctx)
}

// A FailureWindow counts failures over a sliding time window. The session
// loop uses one per provider to decide when repeated failures stop being
// transient and the call must drop to its degraded policy.
type FailureWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	fails  []time.Time
}

// NewFailureWindow reports exhaustion once limit failures land within window.
func NewFailureWindow(limit int, window time.Duration) *FailureWindow {
	return &FailureWindow{limit: limit, window: window}
}

// Record registers a failure at the current time and reports whether the
// window now holds limit or more failures.
func (w *FailureWindow) Record() bool {
	return w.recordAt(time.Now())
}

func (w *FailureWindow) recordAt(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.fails = append(w.fails, now)
	cutoff := now.Add(-w.window)
	kept := w.fails[:0]
	for _, t := range w.fails {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.fails = kept
	return len(w.fails) >= w.limit
}

// Reset clears all recorded failures, typically after a successful call.
func (w *FailureWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fails = w.fails[:0]
}
