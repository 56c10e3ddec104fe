// Package contracts defines the service interfaces for the Atoms agent backend.
//
// These interfaces form the boundary between the OSS composition engine and
// hosted deployments. The OSS repo ships the concrete implementations
// (compose.Composer, store.MemoryStore, store.PostgresStore); a hosted
// deployment can wrap or replace them without touching handler code.
//
// The Handlers struct in api/handlers uses these interfaces, so swapping a
// community implementation for a hosted one is a single line change in the
// wiring code (pkg/server).
package contracts

import (
	"context"

	"github.com/atoms-tech/atomsAgent/internal/compose"
	"github.com/atoms-tech/atomsAgent/internal/store"
	"github.com/atoms-tech/atomsAgent/pkg/models"
)

// Store is a type alias for the internal Store interface.
// Exposed in pkg/ so external deployments can reference it in their own
// middleware and services without importing internal/ directly.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Composition Service ─────────────────────────────────────

// ComposerService assembles the MCP server registry for an identity.
// OSS implementation: internal/compose.Composer
type ComposerService interface {
	// Compose resolves, authenticates, builds, and merges the servers that
	// apply to the identity. Per-server failures surface as entry statuses,
	// not errors.
	Compose(ctx context.Context, identity models.Identity, additional ...compose.AdditionalServer) (*compose.Registry, error)

	// Cache exposes the shared handle cache for invalidation hooks.
	Cache() *compose.HandleCache
}
