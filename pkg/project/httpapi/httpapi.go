// Package httpapi provides a project.Provider backed by a generic REST API.
//
// Tenants that expose their PM system through a small JSON gateway configure
// its base URL and bearer token; the client speaks three endpoints:
//
//	GET {base}/projects?hint=...&caller_id=...   → project ref or 404
//	GET {base}/projects/{id}/activity?limit=n    → activity list
//	GET {base}/projects/{id}/scope               → {"scope": "..."} or 404
//
// Every request carries the 3 s project deadline regardless of the caller's
// context budget.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/voxhall/voxhall/pkg/project"
)

// Compile-time interface assertion.
var _ project.Provider = (*Client)(nil)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client implements project.Provider over a REST gateway.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a project REST client. baseURL must be non-empty; token may be
// empty for unauthenticated gateways.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("httpapi: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// projectResponse is the wire shape of a project ref.
type projectResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	LastUpdateAt time.Time `json:"last_update_at"`
	Summary      string    `json:"summary"`
}

// FindProject implements project.Provider.
func (c *Client) FindProject(ctx context.Context, hint, callerID string) (*project.Ref, error) {
	q := url.Values{}
	q.Set("hint", hint)
	if callerID != "" {
		q.Set("caller_id", callerID)
	}

	var resp projectResponse
	if err := c.get(ctx, "/projects?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return &project.Ref{
		ID:           resp.ID,
		Name:         resp.Name,
		Status:       resp.Status,
		LastUpdateAt: resp.LastUpdateAt,
		Summary:      resp.Summary,
	}, nil
}

// activityResponse is the wire shape of the activity list.
type activityResponse struct {
	Activity []struct {
		At          time.Time `json:"at"`
		Description string    `json:"description"`
	} `json:"activity"`
}

// RecentActivity implements project.Provider.
func (c *Client) RecentActivity(ctx context.Context, projectID string, limit int) ([]project.Activity, error) {
	path := "/projects/" + url.PathEscape(projectID) + "/activity?limit=" + strconv.Itoa(limit)

	var resp activityResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	out := make([]project.Activity, 0, len(resp.Activity))
	for _, a := range resp.Activity {
		out = append(out, project.Activity{At: a.At, Description: a.Description})
	}
	return out, nil
}

// ScopeOf implements project.Provider. A 404 from the gateway means the
// project has no stored scope and returns "", nil.
func (c *Client) ScopeOf(ctx context.Context, projectID string) (string, error) {
	var resp struct {
		Scope string `json:"scope"`
	}
	err := c.get(ctx, "/projects/"+url.PathEscape(projectID)+"/scope", &resp)
	if errors.Is(err, project.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return resp.Scope, nil
}

// get performs one GET under the project deadline and decodes the JSON body.
func (c *Client) get(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, project.Deadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("httpapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("httpapi: %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return project.ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("httpapi: %s: unexpected status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("httpapi: decode %s: %w", path, err)
	}
	return nil
}
