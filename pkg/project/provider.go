// Package project defines the Provider interface for a tenant's project
// management integration.
//
// A project provider is an opaque capability loaded per tenant: the runtime
// only ever asks it to find a project by a caller's hint, list recent
// activity, and report the stored scope. Each call must honor a 3 second
// deadline; implementations are expected to enforce it internally so a slow
// PM backend cannot stall a live call.
package project

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that no project matched the hint.
var ErrNotFound = errors.New("project: not found")

// Deadline is the per-operation time budget every implementation must honor.
const Deadline = 3 * time.Second

// Ref identifies a project record in the tenant's PM system.
type Ref struct {
	// ID is the backend's opaque project identifier.
	ID string

	// Name is the project's display name, spoken to the caller.
	Name string

	// Status is the current status label (e.g., "In review").
	Status string

	// LastUpdateAt is when the project was last touched in the PM system.
	LastUpdateAt time.Time

	// Summary is a short free-text description of current state. May be
	// empty.
	Summary string
}

// Activity is one recent event on a project.
type Activity struct {
	// At is when the activity happened.
	At time.Time

	// Description is the human-readable activity text.
	Description string
}

// Provider is the tenant's PM integration capability.
//
// Implementations must be safe for concurrent use and must return within
// [Deadline] even when the backend is unresponsive.
type Provider interface {
	// FindProject resolves a caller's free-text hint (and optionally their
	// caller ID) to a project. Returns ErrNotFound when nothing matches.
	FindProject(ctx context.Context, hint, callerID string) (*Ref, error)

	// RecentActivity returns up to limit recent events for the project,
	// newest first.
	RecentActivity(ctx context.Context, projectID string, limit int) ([]Activity, error)

	// ScopeOf returns the project's stored scope description, or "" when the
	// backend has none. Used by the post-call scope-creep check.
	ScopeOf(ctx context.Context, projectID string) (string, error)
}
