package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxhall/voxhall/pkg/project"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, "secret")
	if err != nil {
		t.Fatal(err)
	}
	return c, srv
}

func TestFindProject(t *testing.T) {
	var gotAuth, gotHint, gotCaller string
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotHint = r.URL.Query().Get("hint")
		gotCaller = r.URL.Query().Get("caller_id")
		json.NewEncoder(w).Encode(map[string]any{
			"id": "p1", "name": "Straus", "status": "In review",
		})
	})

	ref, err := c.FindProject(context.Background(), "straus", "+15135550199")
	if err != nil {
		t.Fatal(err)
	}
	if ref.ID != "p1" || ref.Name != "Straus" || ref.Status != "In review" {
		t.Errorf("ref = %+v", ref)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotHint != "straus" || gotCaller != "+15135550199" {
		t.Errorf("query = hint %q caller %q", gotHint, gotCaller)
	}
}

func TestFindProjectNotFound(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	if _, err := c.FindProject(context.Background(), "nova", ""); !errors.Is(err, project.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRecentActivity(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/projects/p1/activity" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "5" {
			t.Errorf("limit = %q", r.URL.Query().Get("limit"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"activity": []map[string]any{
				{"description": "Cabinets installed"},
				{"description": "Inspection scheduled"},
			},
		})
	})

	acts, err := c.RecentActivity(context.Background(), "p1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(acts) != 2 || acts[0].Description != "Cabinets installed" {
		t.Errorf("activity = %+v", acts)
	}
}

func TestScopeOf(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"scope": "kitchen remodel only"})
	})
	scope, err := c.ScopeOf(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if scope != "kitchen remodel only" {
		t.Errorf("scope = %q", scope)
	}
}

func TestScopeOfMissingIsEmpty(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	scope, err := c.ScopeOf(context.Background(), "p1")
	if err != nil {
		t.Fatalf("404 scope should not error, got %v", err)
	}
	if scope != "" {
		t.Errorf("scope = %q, want empty", scope)
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	if _, err := c.FindProject(context.Background(), "x", ""); err == nil {
		t.Error("5xx did not surface as error")
	}
}
