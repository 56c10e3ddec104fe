package compose_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/atoms-tech/atomsAgent/internal/compose"
	"github.com/atoms-tech/atomsAgent/internal/store"
	"github.com/atoms-tech/atomsAgent/pkg/models"
)

// newMCPTestServer returns an httptest server that answers tools/list and
// tools/call over JSON-RPC.
func newMCPTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.MCPRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var result interface{}
		switch req.Method {
		case "tools/list":
			result = map[string]interface{}{
				"tools": []models.MCPToolInfo{{Name: "echo", Description: "echoes input"}},
			}
		case "tools/call":
			result = models.MCPToolResult{Content: []models.MCPContent{{Type: "text", Text: "done"}}}
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
			return
		}
		raw, _ := json.Marshal(result)
		json.NewEncoder(w).Encode(models.MCPResponse{Jsonrpc: "2.0", Result: raw, ID: req.ID})
	}))
}

func seedConfig(t *testing.T, s store.Store, cfg models.ServerConfig) {
	t.Helper()
	cfg.Enabled = true
	if cfg.Namespace == "" {
		cfg.Namespace = cfg.Name
	}
	if err := s.CreateServerConfig(context.Background(), &cfg); err != nil {
		t.Fatalf("seed config %q: %v", cfg.Name, err)
	}
}

func TestComposeEmptyStore(t *testing.T) {
	c := compose.NewComposer(store.NewMemoryStore(), nil, compose.Options{})

	registry, err := c.Compose(context.Background(), models.Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if registry.Len() != 0 {
		t.Errorf("registry.Len() = %d, want 0", registry.Len())
	}
}

func TestComposeNilStore(t *testing.T) {
	c := compose.NewComposer(nil, nil, compose.Options{})

	registry, err := c.Compose(context.Background(), models.Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("Compose() with nil store error = %v", err)
	}
	if registry.Len() != 0 {
		t.Errorf("registry.Len() = %d, want 0", registry.Len())
	}
}

func TestComposeRejectsMissingUserID(t *testing.T) {
	c := compose.NewComposer(store.NewMemoryStore(), nil, compose.Options{})

	if _, err := c.Compose(context.Background(), models.Identity{}); err == nil {
		t.Fatal("Compose() with empty identity should fail")
	}
}

func TestComposeScenario(t *testing.T) {
	srv := newMCPTestServer(t)
	defer srv.Close()

	s := store.NewMemoryStore()
	seedConfig(t, s, models.ServerConfig{
		Name: "search", Scope: models.ScopePlatform,
		Transport: models.TransportHTTP, URL: srv.URL, AuthType: models.AuthNone,
	})
	seedConfig(t, s, models.ServerConfig{
		Name: "crm", Scope: models.ScopeOrganization, OrganizationID: "o1",
		Transport: models.TransportHTTP, URL: srv.URL,
		AuthType: models.AuthBearer, AuthConfig: map[string]interface{}{"token": "s3cret"},
	})
	seedConfig(t, s, models.ServerConfig{
		Name: "drive", Scope: models.ScopeUser, UserID: "u1",
		Transport: models.TransportHTTP, URL: srv.URL, AuthType: models.AuthOAuth,
	})

	c := compose.NewComposer(s, nil, compose.Options{})
	registry, err := c.Compose(context.Background(), models.Identity{UserID: "u1", OrganizationID: "o1"})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}

	if registry.Len() != 3 {
		t.Fatalf("registry.Len() = %d, want 3 (names: %v)", registry.Len(), registry.Names())
	}

	for _, tc := range []struct {
		name   string
		status models.AuthStatus
	}{
		{"system_search", models.AuthStatusOK},
		{"org_crm", models.AuthStatusOK},
		{"user_drive", models.AuthStatusMissingCredential},
	} {
		entry, ok := registry.Get(tc.name)
		if !ok {
			t.Fatalf("registry missing %q (names: %v)", tc.name, registry.Names())
		}
		if entry.AuthStatus != tc.status {
			t.Errorf("%s: AuthStatus = %q, want %q (detail: %s)", tc.name, entry.AuthStatus, tc.status, entry.Detail)
		}
	}

	// The OAuth entry with no token still gets a handle so the caller can
	// prompt re-authorization, but it is excluded from the usable set.
	drive, _ := registry.Get("user_drive")
	if drive.Handle == nil {
		t.Error("user_drive: expected a handle despite missing credential")
	}
	if drive.Usable() {
		t.Error("user_drive: should not be usable without a token")
	}
	if got := len(registry.Usable()); got != 2 {
		t.Errorf("len(Usable()) = %d, want 2", got)
	}
}

func TestComposeOAuthWithValidToken(t *testing.T) {
	srv := newMCPTestServer(t)
	defer srv.Close()

	s := store.NewMemoryStore()
	seedConfig(t, s, models.ServerConfig{
		Name: "drive", Scope: models.ScopeUser, UserID: "u1",
		Transport: models.TransportHTTP, URL: srv.URL, AuthType: models.AuthOAuth,
	})
	err := s.PutToken(context.Background(), &models.OAuthToken{
		Namespace: "drive", UserID: "u1",
		AccessToken: "tok-1", TokenType: "Bearer",
		IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("PutToken() error = %v", err)
	}

	c := compose.NewComposer(s, nil, compose.Options{})
	registry, err := c.Compose(context.Background(), models.Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}

	entry, ok := registry.Get("user_drive")
	if !ok {
		t.Fatalf("registry missing user_drive (names: %v)", registry.Names())
	}
	if !entry.Usable() {
		t.Errorf("user_drive should be usable, status = %q detail = %s", entry.AuthStatus, entry.Detail)
	}
}

func TestComposeExpiredTokenMarksMissingCredential(t *testing.T) {
	srv := newMCPTestServer(t)
	defer srv.Close()

	s := store.NewMemoryStore()
	seedConfig(t, s, models.ServerConfig{
		Name: "drive", Scope: models.ScopeUser, UserID: "u1",
		Transport: models.TransportHTTP, URL: srv.URL, AuthType: models.AuthOAuth,
	})
	err := s.PutToken(context.Background(), &models.OAuthToken{
		Namespace: "drive", UserID: "u1",
		AccessToken: "tok-stale", TokenType: "Bearer",
		IssuedAt: time.Now().Add(-2 * time.Hour), ExpiresAt: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("PutToken() error = %v", err)
	}

	c := compose.NewComposer(s, nil, compose.Options{})
	registry, err := c.Compose(context.Background(), models.Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}

	entry, _ := registry.Get("user_drive")
	if entry == nil || entry.AuthStatus != models.AuthStatusMissingCredential {
		t.Fatalf("expired token: got %+v, want missing_credential", entry)
	}
}

func TestComposeOAuthTokenBoundToCaller(t *testing.T) {
	// The upstream server records the Authorization header of each call so
	// the test can see whose token actually went out on the wire.
	var mu sync.Mutex
	var lastAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		lastAuth = r.Header.Get("Authorization")
		mu.Unlock()
		var req models.MCPRequest
		json.NewDecoder(r.Body).Decode(&req)
		raw, _ := json.Marshal(map[string]interface{}{"tools": []models.MCPToolInfo{{Name: "lookup"}}})
		json.NewEncoder(w).Encode(models.MCPResponse{Jsonrpc: "2.0", Result: raw, ID: req.ID})
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	// Organization scope would normally merge by link; with oauth each
	// caller must still get a handle carrying their own token.
	seedConfig(t, s, models.ServerConfig{
		Name: "crm", Scope: models.ScopeOrganization, OrganizationID: "o1",
		Transport: models.TransportHTTP, URL: srv.URL, AuthType: models.AuthOAuth,
	})
	for _, tok := range []models.OAuthToken{
		{Namespace: "crm", UserID: "alice", AccessToken: "tok-alice"},
		{Namespace: "crm", UserID: "bob", AccessToken: "tok-bob"},
	} {
		tok.TokenType = "Bearer"
		tok.IssuedAt = time.Now()
		tok.ExpiresAt = time.Now().Add(time.Hour)
		if err := s.PutToken(context.Background(), &tok); err != nil {
			t.Fatalf("PutToken(%s) error = %v", tok.UserID, err)
		}
	}

	cache := compose.NewHandleCache()
	c := compose.NewComposer(s, cache, compose.Options{})

	callAs := func(user string) (*compose.Entry, string) {
		registry, err := c.Compose(context.Background(), models.Identity{UserID: user, OrganizationID: "o1"})
		if err != nil {
			t.Fatalf("Compose(%s) error = %v", user, err)
		}
		entry, ok := registry.Get("org_crm")
		if !ok || !entry.Usable() {
			t.Fatalf("Compose(%s): org_crm not usable: %+v", user, entry)
		}
		if _, err := entry.Handle.ListTools(context.Background()); err != nil {
			t.Fatalf("ListTools as %s: %v", user, err)
		}
		mu.Lock()
		defer mu.Unlock()
		return entry, lastAuth
	}

	aliceEntry, aliceAuth := callAs("alice")
	if aliceAuth != "Bearer tok-alice" {
		t.Fatalf("alice's call sent %q, want Bearer tok-alice", aliceAuth)
	}
	bobEntry, bobAuth := callAs("bob")
	if bobAuth != "Bearer tok-bob" {
		t.Errorf("bob's call sent %q, want Bearer tok-bob", bobAuth)
	}
	if aliceEntry.Handle == bobEntry.Handle {
		t.Error("oauth handles must not be shared between callers")
	}
}

// slowTokenStore simulates a credential store that hangs until the per-entry
// build deadline fires.
type slowTokenStore struct {
	store.Store
}

func (s *slowTokenStore) LatestToken(ctx context.Context, namespace string, identity models.Identity) (*models.OAuthToken, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestComposeBuildTimeoutMarksEntry(t *testing.T) {
	srv := newMCPTestServer(t)
	defer srv.Close()

	s := store.NewMemoryStore()
	seedConfig(t, s, models.ServerConfig{
		Name: "search", Scope: models.ScopePlatform,
		Transport: models.TransportHTTP, URL: srv.URL, AuthType: models.AuthNone,
	})
	seedConfig(t, s, models.ServerConfig{
		Name: "drive", Scope: models.ScopeUser, UserID: "u1",
		Transport: models.TransportHTTP, URL: srv.URL, AuthType: models.AuthOAuth,
	})

	c := compose.NewComposer(&slowTokenStore{Store: s}, nil, compose.Options{
		BuildTimeout: 50 * time.Millisecond,
	})
	registry, err := c.Compose(context.Background(), models.Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}

	drive, _ := registry.Get("user_drive")
	if drive == nil || drive.AuthStatus != models.AuthStatusBuildTimeout {
		t.Fatalf("user_drive: got %+v, want build_timeout", drive)
	}
	search, _ := registry.Get("system_search")
	if search == nil || !search.Usable() {
		t.Errorf("system_search: got %+v, want usable despite the slow neighbor", search)
	}
	if got := len(registry.Usable()); got != 1 {
		t.Errorf("len(Usable()) = %d, want 1", got)
	}
}

func TestComposeSameNameAcrossScopes(t *testing.T) {
	srv := newMCPTestServer(t)
	defer srv.Close()

	s := store.NewMemoryStore()
	seedConfig(t, s, models.ServerConfig{
		Name: "drive", Scope: models.ScopeUser, UserID: "u1",
		Transport: models.TransportHTTP, URL: srv.URL, AuthType: models.AuthNone,
	})
	seedConfig(t, s, models.ServerConfig{
		Name: "drive", Scope: models.ScopeOrganization, OrganizationID: "o1",
		Transport: models.TransportHTTP, URL: srv.URL, AuthType: models.AuthNone,
	})

	c := compose.NewComposer(s, nil, compose.Options{})
	registry, err := c.Compose(context.Background(), models.Identity{UserID: "u1", OrganizationID: "o1"})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}

	for _, name := range []string{"user_drive", "org_drive"} {
		if _, ok := registry.Get(name); !ok {
			t.Errorf("registry missing %q, scope prefixing should prevent collisions (names: %v)", name, registry.Names())
		}
	}
}

func TestComposePartialFailure(t *testing.T) {
	srv := newMCPTestServer(t)
	defer srv.Close()

	s := store.NewMemoryStore()
	seedConfig(t, s, models.ServerConfig{
		Name: "good-a", Scope: models.ScopePlatform,
		Transport: models.TransportHTTP, URL: srv.URL, AuthType: models.AuthNone,
	})
	seedConfig(t, s, models.ServerConfig{
		Name: "broken", Scope: models.ScopePlatform,
		Transport: models.TransportHTTP, URL: "not a url", AuthType: models.AuthNone,
	})
	seedConfig(t, s, models.ServerConfig{
		Name: "good-b", Scope: models.ScopePlatform,
		Transport: models.TransportHTTP, URL: srv.URL, AuthType: models.AuthNone,
	})

	c := compose.NewComposer(s, nil, compose.Options{})
	registry, err := c.Compose(context.Background(), models.Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}

	if registry.Len() != 3 {
		t.Fatalf("registry.Len() = %d, want 3", registry.Len())
	}
	broken, _ := registry.Get("system_broken")
	if broken == nil || broken.AuthStatus != models.AuthStatusInvalidConfig {
		t.Fatalf("system_broken: got %+v, want invalid_config", broken)
	}
	if got := len(registry.Usable()); got != 2 {
		t.Errorf("len(Usable()) = %d, want 2", got)
	}
}

func TestComposeUnsupportedTransport(t *testing.T) {
	s := store.NewMemoryStore()
	seedConfig(t, s, models.ServerConfig{
		Name: "ws", Scope: models.ScopePlatform,
		Transport: models.TransportKind("websocket"), URL: "wss://example.com",
	})

	c := compose.NewComposer(s, nil, compose.Options{})
	registry, err := c.Compose(context.Background(), models.Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}

	entry, _ := registry.Get("system_ws")
	if entry == nil || entry.AuthStatus != models.AuthStatusUnsupported {
		t.Fatalf("system_ws: got %+v, want unsupported", entry)
	}
}

func TestComposeLegacyURLEnvelope(t *testing.T) {
	s := store.NewMemoryStore()
	seedConfig(t, s, models.ServerConfig{
		Name: "imported", Scope: models.ScopeUser, UserID: "u1",
		Transport: models.TransportHTTP,
		URL:       `{"url": "https://imported.example.com/mcp", "source": "import"}`,
		AuthType:  models.AuthNone,
	})

	c := compose.NewComposer(s, nil, compose.Options{})
	registry, err := c.Compose(context.Background(), models.Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}

	entry, ok := registry.Get("user_imported")
	if !ok {
		t.Fatalf("registry missing user_imported (names: %v)", registry.Names())
	}
	if !entry.Usable() {
		t.Fatalf("user_imported should be usable, status = %q detail = %s", entry.AuthStatus, entry.Detail)
	}
	if got, want := entry.Handle.Target(), "https://imported.example.com/mcp"; got != want {
		t.Errorf("Target() = %q, want %q", got, want)
	}
}

func TestComposeIdempotent(t *testing.T) {
	srv := newMCPTestServer(t)
	defer srv.Close()

	s := store.NewMemoryStore()
	seedConfig(t, s, models.ServerConfig{
		Name: "crm", Scope: models.ScopeOrganization, OrganizationID: "o1",
		Transport: models.TransportHTTP, URL: srv.URL, AuthType: models.AuthNone,
	})
	seedConfig(t, s, models.ServerConfig{
		Name: "drive", Scope: models.ScopeUser, UserID: "u1",
		Transport: models.TransportHTTP, URL: srv.URL, AuthType: models.AuthNone,
	})

	cache := compose.NewHandleCache()
	c := compose.NewComposer(s, cache, compose.Options{})
	identity := models.Identity{UserID: "u1", OrganizationID: "o1"}

	first, err := c.Compose(context.Background(), identity)
	if err != nil {
		t.Fatalf("first Compose() error = %v", err)
	}
	second, err := c.Compose(context.Background(), identity)
	if err != nil {
		t.Fatalf("second Compose() error = %v", err)
	}

	if len(first.Names()) != len(second.Names()) {
		t.Fatalf("name sets differ: %v vs %v", first.Names(), second.Names())
	}
	for i, name := range first.Names() {
		if second.Names()[i] != name {
			t.Fatalf("name sets differ: %v vs %v", first.Names(), second.Names())
		}
	}

	// Organization scope merges by link: both compositions share the cached
	// handle. User scope merges by copy: each composition owns its handle.
	crm1, _ := first.Get("org_crm")
	crm2, _ := second.Get("org_crm")
	if crm1.Handle != crm2.Handle {
		t.Error("org_crm: link-merged handle should be shared across compositions")
	}
	drive1, _ := first.Get("user_drive")
	drive2, _ := second.Get("user_drive")
	if drive1.Handle == drive2.Handle {
		t.Error("user_drive: copy-merged handle should be private per composition")
	}
}

func TestComposeCacheInvalidationForcesRebuild(t *testing.T) {
	srv := newMCPTestServer(t)
	defer srv.Close()

	s := store.NewMemoryStore()
	seedConfig(t, s, models.ServerConfig{
		Name: "crm", Namespace: "crm", Scope: models.ScopeOrganization, OrganizationID: "o1",
		Transport: models.TransportHTTP, URL: srv.URL, AuthType: models.AuthNone,
	})

	cache := compose.NewHandleCache()
	c := compose.NewComposer(s, cache, compose.Options{})
	identity := models.Identity{UserID: "u1", OrganizationID: "o1"}

	first, err := c.Compose(context.Background(), identity)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	before, _ := first.Get("org_crm")

	cache.Invalidate("crm", models.ScopeOrganization)

	second, err := c.Compose(context.Background(), identity)
	if err != nil {
		t.Fatalf("Compose() after invalidation error = %v", err)
	}
	after, _ := second.Get("org_crm")

	if before.Handle == after.Handle {
		t.Error("invalidation should force a fresh handle on the next composition")
	}
}

func TestComposeCancellation(t *testing.T) {
	srv := newMCPTestServer(t)
	defer srv.Close()

	s := store.NewMemoryStore()
	seedConfig(t, s, models.ServerConfig{
		Name: "search", Scope: models.ScopePlatform,
		Transport: models.TransportHTTP, URL: srv.URL, AuthType: models.AuthNone,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := compose.NewComposer(s, nil, compose.Options{})
	registry, err := c.Compose(ctx, models.Identity{UserID: "u1"})
	if err == nil {
		t.Fatal("Compose() with cancelled context should fail")
	}
	if registry != nil {
		t.Error("cancelled composition must not return partial results")
	}
}

// fakeHandle is a caller-owned handle for additional-server tests.
type fakeHandle struct {
	closed bool
}

func (f *fakeHandle) Kind() models.TransportKind { return models.TransportHTTP }
func (f *fakeHandle) Target() string             { return "fake://handle" }
func (f *fakeHandle) ListTools(context.Context) ([]models.MCPToolInfo, error) {
	return []models.MCPToolInfo{{Name: "fake"}}, nil
}
func (f *fakeHandle) CallTool(context.Context, string, map[string]interface{}) (*models.MCPToolResult, error) {
	return &models.MCPToolResult{}, nil
}
func (f *fakeHandle) Close() error {
	f.closed = true
	return nil
}

func TestComposeAdditionalServersPassThrough(t *testing.T) {
	srv := newMCPTestServer(t)
	defer srv.Close()

	s := store.NewMemoryStore()
	seedConfig(t, s, models.ServerConfig{
		Name: "search", Scope: models.ScopePlatform,
		Transport: models.TransportHTTP, URL: srv.URL, AuthType: models.AuthNone,
	})

	extra := &fakeHandle{}
	c := compose.NewComposer(s, nil, compose.Options{})
	registry, err := c.Compose(context.Background(), models.Identity{UserID: "u1"},
		compose.AdditionalServer{Name: "scratchpad", Handle: extra})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}

	entry, ok := registry.Get("scratchpad")
	if !ok {
		t.Fatalf("registry missing caller-supplied scratchpad (names: %v)", registry.Names())
	}
	if entry.Scope != "" {
		t.Errorf("caller-supplied entry Scope = %q, want empty", entry.Scope)
	}
	if entry.Handle != compose.ServerHandle(extra) {
		t.Error("caller-supplied entry should keep the caller's handle")
	}

	// Registry.Close must not close caller-owned handles.
	registry.Close()
	if extra.closed {
		t.Error("Registry.Close() closed a caller-owned handle")
	}
}

func TestComposeAdditionalServerNeverShadowed(t *testing.T) {
	srv := newMCPTestServer(t)
	defer srv.Close()

	s := store.NewMemoryStore()
	// The composed name of this row collides with the caller-supplied name.
	seedConfig(t, s, models.ServerConfig{
		Name: "notes", Scope: models.ScopeUser, UserID: "u1",
		Transport: models.TransportHTTP, URL: srv.URL, AuthType: models.AuthNone,
	})

	extra := &fakeHandle{}
	c := compose.NewComposer(s, nil, compose.Options{})
	registry, err := c.Compose(context.Background(), models.Identity{UserID: "u1"},
		compose.AdditionalServer{Name: "user_notes", Handle: extra})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}

	entry, ok := registry.Get("user_notes")
	if !ok {
		t.Fatal("registry missing user_notes")
	}
	if entry.Handle != compose.ServerHandle(extra) {
		t.Error("caller-supplied server should win the name, scoped entry must not shadow it")
	}
	if registry.Len() != 1 {
		t.Errorf("registry.Len() = %d, want 1 (displaced scoped entry is dropped, not renamed)", registry.Len())
	}
}
