package compose

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/atoms-tech/atomsAgent/pkg/models"
)

// cacheKey identifies one shared handle: organization- and platform-scoped
// servers are keyed by (namespace, scope) so different users reuse the same
// live connection.
type cacheKey struct {
	namespace string
	scope     models.Scope
}

// HandleCache holds live transport handles for link-merged servers. It is
// the only mutable shared state in the composition engine: explicitly
// constructed, injected into the Composer, and invalidated when a
// configuration changes. Per-key locking keeps concurrent compositions for
// different users from racing on the same entry.
type HandleCache struct {
	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
}

type cacheEntry struct {
	mu     sync.Mutex
	handle ServerHandle
}

// NewHandleCache creates an empty handle cache.
func NewHandleCache() *HandleCache {
	return &HandleCache{entries: make(map[cacheKey]*cacheEntry)}
}

// GetOrBuild returns the cached handle for (namespace, scope), building it
// with build() on a cold key. Only the entry's own lock is held during the
// build, so a slow build for one namespace never blocks another.
func (c *HandleCache) GetOrBuild(namespace string, scope models.Scope, build func() (ServerHandle, error)) (ServerHandle, error) {
	key := cacheKey{namespace: namespace, scope: scope}

	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		entry = &cacheEntry{}
		c.entries[key] = entry
	}
	c.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.handle != nil {
		return entry.handle, nil
	}
	handle, err := build()
	if err != nil {
		return nil, err
	}
	entry.handle = handle
	return handle, nil
}

// Invalidate drops the cached handle for (namespace, scope) and closes it.
// Called when the configuration store reports an update for the namespace.
func (c *HandleCache) Invalidate(namespace string, scope models.Scope) {
	key := cacheKey{namespace: namespace, scope: scope}

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	entry.mu.Lock()
	handle := entry.handle
	entry.handle = nil
	entry.mu.Unlock()

	if handle != nil {
		if err := handle.Close(); err != nil {
			log.Warn().Err(err).
				Str("namespace", namespace).
				Str("scope", string(scope)).
				Msg("Failed to close invalidated handle")
		}
	}
}

// InvalidateAll drops every cached handle. Used on shutdown and on bulk
// configuration reloads.
func (c *HandleCache) InvalidateAll() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[cacheKey]*cacheEntry)
	c.mu.Unlock()

	for key, entry := range entries {
		entry.mu.Lock()
		handle := entry.handle
		entry.handle = nil
		entry.mu.Unlock()
		if handle != nil {
			if err := handle.Close(); err != nil {
				log.Warn().Err(err).
					Str("namespace", key.namespace).
					Msg("Failed to close cached handle")
			}
		}
	}
}
