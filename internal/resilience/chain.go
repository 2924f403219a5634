package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [Chain] fails or sits behind
// an open breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// ChainConfig configures the breaker created for each entry of a [Chain].
type ChainConfig struct {
	Breaker BreakerConfig
}

// chainEntry pairs one provider instance with its dedicated breaker.
type chainEntry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Chain holds a primary and zero or more fallbacks of the same provider type,
// each behind its own [Breaker]. Entries are tried in registration order;
// entries with open breakers are skipped.
//
// Entries must all be registered before the chain is used; after that a Chain
// is safe for concurrent use.
type Chain[T any] struct {
	entries []chainEntry[T]
	cfg     ChainConfig
}

// NewChain creates a [Chain] with primary as its first entry.
func NewChain[T any](primaryName string, primary T, cfg ChainConfig) *Chain[T] {
	c := &Chain[T]{cfg: cfg}
	c.Add(primaryName, primary)
	return c
}

// Add appends a fallback entry. Fallbacks are tried in the order added.
func (c *Chain[T]) Add(name string, value T) {
	bcfg := c.cfg.Breaker
	bcfg.Name = name
	c.entries = append(c.entries, chainEntry[T]{
		name:    name,
		value:   value,
		breaker: NewBreaker(bcfg),
	})
}

// Primary returns the name of the first entry.
func (c *Chain[T]) Primary() string {
	if len(c.entries) == 0 {
		return ""
	}
	return c.entries[0].name
}

// Names returns the entry names in trial order.
func (c *Chain[T]) Names() []string {
	out := make([]string, len(c.entries))
	for i := range c.entries {
		out[i] = c.entries[i].name
	}
	return out
}

// Try runs fn against each entry until one succeeds and returns the name of
// the entry that served. Every entry failing returns [ErrAllFailed] wrapping
// the last error.
func (c *Chain[T]) Try(fn func(T) error) (string, error) {
	var lastErr error
	for i := range c.entries {
		e := &c.entries[i]
		err := e.breaker.Do(func() error { return fn(e.value) })
		if err == nil {
			return e.name, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("skipping provider, breaker open", "provider", e.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", e.name, "error", err)
		}
	}
	return "", joinAllFailed(lastErr)
}

// joinAllFailed wraps [ErrAllFailed] around the last per-entry error.
func joinAllFailed(last error) error {
	return fmt.Errorf("%w: %v", ErrAllFailed, last)
}

// TryResult runs fn against each chain entry until one succeeds, returning
// the result and the serving entry's name. Package-level because Go methods
// cannot take type parameters.
func TryResult[T, R any](c *Chain[T], fn func(T) (R, error)) (R, string, error) {
	var zero R
	for i := range c.entries {
		e := &c.entries[i]
		var result R
		err := e.breaker.Do(func() error {
			var inner error
			result, inner = fn(e.value)
			return inner
		})
		if err == nil {
			return result, e.name, nil
		}
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("skipping provider, breaker open", "provider", e.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", e.name, "error", err)
		}
		if i == len(c.entries)-1 {
			return zero, "", joinAllFailed(err)
		}
	}
	return zero, "", ErrAllFailed
}
