package compose_test

import (
	"context"
	"testing"

	"github.com/atoms-tech/atomsAgent/internal/compose"
	"github.com/atoms-tech/atomsAgent/internal/store"
	"github.com/atoms-tech/atomsAgent/pkg/models"
)

func seedScopeFixtures(t *testing.T, s store.Store) {
	t.Helper()
	configs := []models.ServerConfig{
		{Name: "search", Scope: models.ScopePlatform, Transport: models.TransportHTTP, URL: "https://s.example.com", Enabled: true},
		{Name: "disabled", Scope: models.ScopePlatform, Transport: models.TransportHTTP, URL: "https://d.example.com", Enabled: false},
		{Name: "crm", Scope: models.ScopeOrganization, OrganizationID: "o1", Transport: models.TransportHTTP, URL: "https://c.example.com", Enabled: true},
		{Name: "crm", Scope: models.ScopeOrganization, OrganizationID: "o2", Transport: models.TransportHTTP, URL: "https://c2.example.com", Enabled: true},
		{Name: "drive", Scope: models.ScopeUser, UserID: "u1", Transport: models.TransportHTTP, URL: "https://u.example.com", Enabled: true},
		{Name: "drive", Scope: models.ScopeUser, UserID: "u2", Transport: models.TransportHTTP, URL: "https://u2.example.com", Enabled: true},
		{Name: "linter", Scope: models.ScopeProject, ProjectID: "p1", Transport: models.TransportHTTP, URL: "https://p.example.com", Enabled: true},
	}
	for i := range configs {
		cfg := configs[i]
		cfg.Namespace = cfg.Name
		if err := s.CreateServerConfig(context.Background(), &cfg); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func names(configs []models.ServerConfig) []string {
	out := make([]string, len(configs))
	for i, c := range configs {
		out[i] = string(c.Scope) + "/" + c.Name
	}
	return out
}

func TestResolveFullIdentity(t *testing.T) {
	s := store.NewMemoryStore()
	seedScopeFixtures(t, s)

	r := compose.NewScopeResolver(s)
	configs, err := r.Resolve(context.Background(), models.Identity{
		UserID: "u1", OrganizationID: "o1", ProjectID: "p1",
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	want := []string{"platform/search", "organization/crm", "user/drive", "project/linter"}
	got := names(configs)
	if len(got) != len(want) {
		t.Fatalf("Resolve() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Resolve()[%d] = %q, want %q (scope order is platform, org, user, project)", i, got[i], want[i])
		}
	}
}

func TestResolveSkipsAbsentScopes(t *testing.T) {
	s := store.NewMemoryStore()
	seedScopeFixtures(t, s)

	r := compose.NewScopeResolver(s)
	configs, err := r.Resolve(context.Background(), models.Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	for _, cfg := range configs {
		if cfg.Scope == models.ScopeOrganization || cfg.Scope == models.ScopeProject {
			t.Errorf("identity without org/project resolved a %s row: %s", cfg.Scope, cfg.Name)
		}
	}
	if len(configs) != 2 {
		t.Errorf("Resolve() returned %v, want platform/search and user/drive only", names(configs))
	}
}

func TestResolveExcludesDisabled(t *testing.T) {
	s := store.NewMemoryStore()
	seedScopeFixtures(t, s)

	r := compose.NewScopeResolver(s)
	configs, err := r.Resolve(context.Background(), models.Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	for _, cfg := range configs {
		if cfg.Name == "disabled" {
			t.Error("disabled configs must never resolve")
		}
	}
}

func TestResolveOtherOwnersExcluded(t *testing.T) {
	s := store.NewMemoryStore()
	seedScopeFixtures(t, s)

	r := compose.NewScopeResolver(s)
	configs, err := r.Resolve(context.Background(), models.Identity{UserID: "u1", OrganizationID: "o1"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	for _, cfg := range configs {
		if cfg.UserID == "u2" || cfg.OrganizationID == "o2" {
			t.Errorf("resolved a row owned by someone else: %+v", cfg)
		}
	}
}

func TestResolveNilStore(t *testing.T) {
	r := compose.NewScopeResolver(nil)
	configs, err := r.Resolve(context.Background(), models.Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("Resolve() with nil store error = %v", err)
	}
	if len(configs) != 0 {
		t.Errorf("Resolve() = %v, want none", configs)
	}
}

func TestResolveInvalidIdentity(t *testing.T) {
	r := compose.NewScopeResolver(store.NewMemoryStore())
	if _, err := r.Resolve(context.Background(), models.Identity{}); err == nil {
		t.Fatal("Resolve() with missing user_id should fail")
	}
}
