// Package store provides the storage interface and implementations for the
// atomsAgent backend. The composition engine treats it as an opaque row-query
// surface: server configurations and OAuth tokens are read here, written
// elsewhere (admin CRUD and the OAuth callback flow).
package store

import (
	"context"

	"github.com/atoms-tech/atomsAgent/pkg/models"
)

// Store is the primary storage interface for the backend.
// Handler and engine code depend on this interface, making it easy to swap
// between in-memory (tests, local dev) and PostgreSQL (production).
type Store interface {
	ServerConfigStore
	TokenStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Server Config Store ─────────────────────────────────────

// ConfigFilter narrows a server-configuration query to one scope and the
// identity that owns rows in that scope. Platform-scope queries ignore the
// owner fields.
type ConfigFilter struct {
	Scope          models.Scope
	UserID         string
	OrganizationID string
	ProjectID      string
	EnabledOnly    bool
}

type ServerConfigStore interface {
	// ListServerConfigs returns configurations matching the filter.
	ListServerConfigs(ctx context.Context, filter ConfigFilter) ([]models.ServerConfig, error)

	GetServerConfig(ctx context.Context, id string) (*models.ServerConfig, error)
	CreateServerConfig(ctx context.Context, cfg *models.ServerConfig) error
	UpdateServerConfig(ctx context.Context, cfg *models.ServerConfig) error
	DeleteServerConfig(ctx context.Context, id string) error
}

// ── Token Store ─────────────────────────────────────────────

type TokenStore interface {
	// LatestToken returns the most recently issued token for the
	// (namespace, identity) pair, or ErrNotFound if none exists. Expiry is
	// the caller's concern: the latest token is returned even if expired.
	LatestToken(ctx context.Context, namespace string, identity models.Identity) (*models.OAuthToken, error)

	// PutToken records a newly issued token. Called by the OAuth callback
	// flow, never by the composition read path.
	PutToken(ctx context.Context, token *models.OAuthToken) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
