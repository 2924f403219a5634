package tenant

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// StaticStore is an in-memory [Store] loaded from a YAML file or literal
// records. Used for development and tests; production deployments use
// [PostgresStore].
type StaticStore struct {
	mu       sync.RWMutex
	byNumber map[string]*TenantContext
}

// Compile-time interface check.
var _ Store = (*StaticStore)(nil)

// NewStaticStore builds a store from literal tenant records. Every record
// is validated and normalized; duplicate dialed numbers are an error.
func NewStaticStore(tenants ...TenantContext) (*StaticStore, error) {
	s := &StaticStore{byNumber: make(map[string]*TenantContext, len(tenants))}
	for i := range tenants {
		t := tenants[i]
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.byNumber[t.DialedNumber]; dup {
			return nil, fmt.Errorf("tenant: dialed number %q claimed twice", t.DialedNumber)
		}
		t.Normalize()
		s.byNumber[t.DialedNumber] = &t
	}
	return s, nil
}

// staticFile is the YAML shape of a static tenant file.
type staticFile struct {
	Tenants []TenantContext `yaml:"tenants"`
}

// LoadStaticFile reads a YAML tenant file:
//
//	tenants:
//	  - id: aurora
//	    dialed_number: "+15135550100"
//	    greeting: "Hi, this is {businessName} — how can I help?"
//	    ...
func LoadStaticFile(path string) (*StaticStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tenant: read %q: %w", path, err)
	}
	var f staticFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("tenant: parse %q: %w", path, err)
	}
	s, err := NewStaticStore(f.Tenants...)
	if err != nil {
		return nil, fmt.Errorf("tenant: %q: %w", path, err)
	}
	return s, nil
}

// ResolveTenant implements [Store]. The returned context is a copy so a
// call can never mutate shared state.
func (s *StaticStore) ResolveTenant(_ context.Context, dialedNumber string) (*TenantContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byNumber[dialedNumber]
	if !ok {
		return nil, ErrUnknownNumber
	}
	cp := *t
	return &cp, nil
}

// Len reports the number of configured tenants.
func (s *StaticStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byNumber)
}
