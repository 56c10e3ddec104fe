// Package store — in-memory Store implementation.
// Used when no DATABASE_URL is configured (local dev, tests).
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atoms-tech/atomsAgent/pkg/models"
)

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]*models.ServerConfig // key: id
	tokens  []*models.OAuthToken            // append-only; latest wins
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs: make(map[string]*models.ServerConfig),
	}
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }
func (m *MemoryStore) Close() error                 { return nil }

// ── Server Configs ──────────────────────────────────────────

func (m *MemoryStore) ListServerConfigs(_ context.Context, filter ConfigFilter) ([]models.ServerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.ServerConfig
	for _, cfg := range m.configs {
		if !matchesFilter(cfg, filter) {
			continue
		}
		out = append(out, *cfg)
	}
	// Stable order so callers see deterministic results.
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func matchesFilter(cfg *models.ServerConfig, filter ConfigFilter) bool {
	if cfg.Scope != filter.Scope {
		return false
	}
	if filter.EnabledOnly && !cfg.Enabled {
		return false
	}
	switch filter.Scope {
	case models.ScopeOrganization:
		return cfg.OrganizationID == filter.OrganizationID
	case models.ScopeUser:
		return cfg.UserID == filter.UserID
	case models.ScopeProject:
		return cfg.ProjectID == filter.ProjectID
	}
	// Platform rows are global.
	return true
}

func (m *MemoryStore) GetServerConfig(_ context.Context, id string) (*models.ServerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.configs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "server config", Key: id}
	}
	cp := *cfg
	return &cp, nil
}

func (m *MemoryStore) CreateServerConfig(_ context.Context, cfg *models.ServerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	cp := *cfg
	m.configs[cfg.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateServerConfig(_ context.Context, cfg *models.ServerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.configs[cfg.ID]
	if !ok {
		return &ErrNotFound{Entity: "server config", Key: cfg.ID}
	}
	cfg.CreatedAt = existing.CreatedAt
	cfg.UpdatedAt = time.Now().UTC()

	cp := *cfg
	m.configs[cfg.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteServerConfig(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.configs[id]; !ok {
		return &ErrNotFound{Entity: "server config", Key: id}
	}
	delete(m.configs, id)
	return nil
}

// ── Tokens ──────────────────────────────────────────────────

func (m *MemoryStore) LatestToken(_ context.Context, namespace string, identity models.Identity) (*models.OAuthToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *models.OAuthToken
	for _, tok := range m.tokens {
		if tok.Namespace != namespace {
			continue
		}
		if !tokenMatchesIdentity(tok, identity) {
			continue
		}
		if latest == nil || tok.IssuedAt.After(latest.IssuedAt) {
			latest = tok
		}
	}
	if latest == nil {
		return nil, &ErrNotFound{Entity: "oauth token", Key: namespace}
	}
	cp := *latest
	return &cp, nil
}

// tokenMatchesIdentity binds a token to the caller. A token issued for a
// user matches that user; an organization-issued token matches any caller
// from the organization.
func tokenMatchesIdentity(tok *models.OAuthToken, identity models.Identity) bool {
	if tok.UserID != "" {
		return tok.UserID == identity.UserID
	}
	if tok.OrganizationID != "" {
		return tok.OrganizationID == identity.OrganizationID
	}
	return false
}

func (m *MemoryStore) PutToken(_ context.Context, token *models.OAuthToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	if token.IssuedAt.IsZero() {
		token.IssuedAt = time.Now().UTC()
	}
	cp := *token
	m.tokens = append(m.tokens, &cp)
	return nil
}
