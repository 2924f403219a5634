package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestChainPrimaryServes(t *testing.T) {
	c := NewChain("primary", 1, ChainConfig{})
	c.Add("fallback", 2)

	var got int
	name, err := c.Try(func(v int) error { got = v; return nil })
	if err != nil {
		t.Fatal(err)
	}
	if name != "primary" || got != 1 {
		t.Errorf("served %q with value %d, want primary with 1", name, got)
	}
}

func TestChainFallsBackOnFailure(t *testing.T) {
	c := NewChain("primary", 1, ChainConfig{})
	c.Add("fallback", 2)

	name, err := c.Try(func(v int) error {
		if v == 1 {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if name != "fallback" {
		t.Errorf("served %q, want fallback", name)
	}
}

func TestChainAllFailed(t *testing.T) {
	c := NewChain("primary", 1, ChainConfig{})
	c.Add("fallback", 2)

	_, err := c.Try(func(int) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestChainSkipsOpenBreaker(t *testing.T) {
	c := NewChain("primary", 1, ChainConfig{
		Breaker: BreakerConfig{Threshold: 1, Cooldown: time.Hour},
	})
	c.Add("fallback", 2)

	// Trip the primary's breaker.
	if name, _ := c.Try(func(v int) error {
		if v == 1 {
			return errTest
		}
		return nil
	}); name != "fallback" {
		t.Fatalf("served %q, want fallback", name)
	}

	// Primary is now open; fn must only see the fallback.
	var seen []int
	name, err := c.Try(func(v int) error {
		seen = append(seen, v)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if name != "fallback" {
		t.Errorf("served %q, want fallback", name)
	}
	if len(seen) != 1 || seen[0] != 2 {
		t.Errorf("fn saw %v, want only the fallback value", seen)
	}
}

func TestTryResult(t *testing.T) {
	c := NewChain("primary", "a", ChainConfig{})
	c.Add("fallback", "b")

	got, name, err := TryResult(c, func(v string) (string, error) {
		if v == "a" {
			return "", errTest
		}
		return v + "!", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "b!" || name != "fallback" {
		t.Errorf("got %q from %q, want b! from fallback", got, name)
	}
}

func TestTryResultAllFailed(t *testing.T) {
	c := NewChain("only", 1, ChainConfig{})

	got, _, err := TryResult(c, func(int) (int, error) { return 7, errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if got != 0 {
		t.Errorf("result = %d, want zero value on failure", got)
	}
}

func TestChainNames(t *testing.T) {
	c := NewChain("primary", 1, ChainConfig{})
	c.Add("second", 2)
	c.Add("third", 3)

	if got := c.Primary(); got != "primary" {
		t.Errorf("Primary() = %q", got)
	}
	names := c.Names()
	want := []string{"primary", "second", "third"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
