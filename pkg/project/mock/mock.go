// Package mock provides a test double for the project.Provider interface.
//
// Configure Projects with the refs the provider should "know"; FindProject
// matches hints case-insensitively against project names.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/voxhall/voxhall/pkg/project"
)

// FindCall records a single invocation of FindProject.
type FindCall struct {
	Hint     string
	CallerID string
}

// Provider is a mock implementation of project.Provider.
type Provider struct {
	mu sync.Mutex

	// Projects is the set of known refs. FindProject returns the first whose
	// Name contains the hint, or whose name appears inside the hint
	// (case-insensitive).
	Projects []project.Ref

	// Activity is returned by RecentActivity for any project ID.
	Activity []project.Activity

	// Scopes maps project ID to stored scope text.
	Scopes map[string]string

	// FindErr, if non-nil, is returned by every FindProject call.
	FindErr error

	// --- Call records ---

	// FindCalls records every invocation of FindProject in order.
	FindCalls []FindCall
}

// FindProject records the call and scans Projects for a name match.
func (p *Provider) FindProject(_ context.Context, hint, callerID string) (*project.Ref, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.FindCalls = append(p.FindCalls, FindCall{Hint: hint, CallerID: callerID})
	if p.FindErr != nil {
		return nil, p.FindErr
	}
	needle := strings.ToLower(hint)
	for i := range p.Projects {
		name := strings.ToLower(p.Projects[i].Name)
		if strings.Contains(name, needle) || strings.Contains(needle, name) {
			ref := p.Projects[i]
			return &ref, nil
		}
	}
	return nil, project.ErrNotFound
}

// RecentActivity returns the configured Activity slice, truncated to limit.
func (p *Provider) RecentActivity(_ context.Context, _ string, limit int) ([]project.Activity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit > len(p.Activity) {
		limit = len(p.Activity)
	}
	out := make([]project.Activity, limit)
	copy(out, p.Activity[:limit])
	return out, nil
}

// ScopeOf returns the scope stored for the project ID, or "".
func (p *Provider) ScopeOf(_ context.Context, projectID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Scopes[projectID], nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.FindCalls = nil
}

// Ensure Provider implements project.Provider at compile time.
var _ project.Provider = (*Provider)(nil)
