// Package resilience provides the failure-handling primitives the call
// runtime leans on: a three-state circuit breaker, provider fallback chains
// with per-entry breakers, and the transient-error retry policy.
//
// A [Breaker] trips after a run of consecutive failures and rejects calls
// until a cooldown elapses, then lets a limited number of probe calls through
// before closing again. [Chain] composes several instances of one provider
// type behind breakers so a sick primary is bypassed in favour of healthy
// fallbacks. The typed wrappers ([TTSChain], [STTChain], [LLMChain]) adapt
// the generic chain to the provider interfaces a live call uses.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker is open and
// the cooldown has not yet elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrBreakerOpen] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Probes
	// succeeding closes the breaker; any probe failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// Name labels the breaker in log entries, usually the provider name.
	Name string

	// Threshold is how many consecutive failures open the breaker. Default 5.
	Threshold int

	// Cooldown is how long the breaker stays open before probing. Default 30s.
	Cooldown time.Duration

	// ProbeBudget is how many half-open probe calls are allowed. Default 3.
	ProbeBudget int
}

// Breaker is a three-state circuit breaker driven by consecutive failures.
type Breaker struct {
	name        string
	threshold   int
	cooldown    time.Duration
	probeBudget int

	mu         sync.Mutex
	state      State
	failRun    int
	lastFail   time.Time
	probeCalls int
	probeFails int
}

// NewBreaker creates a closed [Breaker] from cfg, filling in defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	return &Breaker{
		name:        cfg.Name,
		threshold:   cfg.Threshold,
		cooldown:    cfg.Cooldown,
		probeBudget: cfg.ProbeBudget,
	}
}

// Do runs fn if the breaker allows it. Open breakers reject immediately with
// [ErrBreakerOpen]; half-open breakers admit up to ProbeBudget probe calls.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.lastFail) < b.cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.state = StateHalfOpen
		b.probeCalls = 0
		b.probeFails = 0
		slog.Info("breaker half-open", "breaker", b.name)

	case StateHalfOpen:
		if b.probeCalls >= b.probeBudget {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	}

	probing := b.state == StateHalfOpen
	if probing {
		b.probeCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure updates failure accounting. Caller holds b.mu.
func (b *Breaker) onFailure(probing bool) {
	b.lastFail = time.Now()

	if probing {
		// A single failed probe re-opens for a full cooldown.
		b.probeFails++
		b.state = StateOpen
		b.failRun = b.threshold
		slog.Warn("breaker re-opened", "breaker", b.name)
		return
	}

	b.failRun++
	if b.failRun >= b.threshold {
		b.state = StateOpen
		slog.Warn("breaker opened", "breaker", b.name, "consecutive_failures", b.failRun)
	}
}

// onSuccess updates success accounting. Caller holds b.mu.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probeCalls-b.probeFails >= b.probeBudget {
			b.state = StateClosed
			b.failRun = 0
			b.probeCalls = 0
			b.probeFails = 0
			slog.Info("breaker closed", "breaker", b.name)
		}
		return
	}
	b.failRun = 0
}

// State reports the breaker's state. An open breaker whose cooldown has
// elapsed reports half-open; the transition itself happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastFail) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failRun = 0
	b.probeCalls = 0
	b.probeFails = 0
	slog.Info("breaker reset", "breaker", b.name)
}
