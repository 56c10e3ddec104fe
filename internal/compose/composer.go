// Package compose implements the MCP composition engine.
//
// Given a caller identity, the engine resolves which MCP tool servers apply
// across configuration scopes (platform → organization → user → project),
// attaches the right credential to each (static bearer / api key / latest
// OAuth token), builds a connectable transport handle per server, and merges
// everything into one uniquely-named registry the agent runtime can call
// through without knowing server topology.
//
// Per-server failures never abort a composition: each server's outcome is an
// explicit status on its registry entry, and the overall call succeeds with
// a partial registry.
package compose

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/atoms-tech/atomsAgent/internal/store"
	"github.com/atoms-tech/atomsAgent/pkg/models"
)

var tracer = otel.Tracer("atoms-agent-compose")

// Options tunes the orchestrator.
type Options struct {
	// MaxConcurrentBuilds bounds the per-server build fan-out. Zero means
	// the default of 8.
	MaxConcurrentBuilds int

	// BuildTimeout is the per-server build deadline. Zero means 5s.
	// Exceeding it marks the entry build_timeout, nothing more.
	BuildTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrentBuilds <= 0 {
		o.MaxConcurrentBuilds = 8
	}
	if o.BuildTimeout <= 0 {
		o.BuildTimeout = 5 * time.Second
	}
	return o
}

// AdditionalServer is a caller-supplied, pre-built server that bypasses
// scope resolution. It merges unprefixed at highest priority and is never
// shadowed by scoped servers.
type AdditionalServer struct {
	Name      string
	Namespace string
	Handle    ServerHandle
}

// Composer drives composition: scope resolution, credential lookup,
// transport building, and the deterministic merge into a Registry.
type Composer struct {
	scopes  *ScopeResolver
	creds   *CredentialProvider
	builder *TransportBuilder
	cache   *HandleCache
	opts    Options
}

// NewComposer wires the engine over a store (nil allowed) and a shared
// handle cache for link-merged servers.
func NewComposer(s store.Store, cache *HandleCache, opts Options) *Composer {
	if cache == nil {
		cache = NewHandleCache()
	}
	return &Composer{
		scopes:  NewScopeResolver(s),
		creds:   NewCredentialProvider(s),
		builder: NewTransportBuilder(),
		cache:   cache,
		opts:    opts.withDefaults(),
	}
}

// Cache returns the injected handle cache, for configuration-update hooks.
func (c *Composer) Cache() *HandleCache { return c.cache }

// Compose builds the registry for the identity. The only hard failures are
// a malformed identity and caller cancellation; everything else degrades to
// per-entry statuses.
func (c *Composer) Compose(ctx context.Context, identity models.Identity, additional ...AdditionalServer) (*Registry, error) {
	ctx, span := tracer.Start(ctx, "mcp.compose")
	defer span.End()
	span.SetAttributes(
		attribute.String("identity.user_id", identity.UserID),
		attribute.String("identity.organization_id", identity.OrganizationID),
	)

	configs, err := c.scopes.Resolve(ctx, identity)
	if err != nil {
		return nil, err
	}

	// Build all handles concurrently with a bounded fan-out. Outcomes land
	// in a fixed slice so completion order cannot influence the merge.
	outcomes := make([]*Entry, len(configs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.MaxConcurrentBuilds)
	for i := range configs {
		i := i
		cfg := configs[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcomes[i] = c.buildEntry(gctx, &cfg, identity)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		// Caller cancelled: partial results are discarded, not returned.
		return nil, err
	}

	registry := c.merge(outcomes, additional)

	span.SetAttributes(attribute.Int("registry.size", registry.Len()))
	log.Info().
		Str("user", identity.UserID).
		Str("organization", identity.OrganizationID).
		Int("servers", registry.Len()).
		Int("usable", len(registry.Usable())).
		Msg("MCP composition complete")
	return registry, nil
}

// buildEntry resolves the credential and builds the handle for one config.
// It never returns an error: failures become the entry's status.
func (c *Composer) buildEntry(ctx context.Context, cfg *models.ServerConfig, identity models.Identity) *Entry {
	ctx, span := tracer.Start(ctx, "mcp.build_server")
	defer span.End()
	span.SetAttributes(
		attribute.String("server.name", cfg.Name),
		attribute.String("server.scope", string(cfg.Scope)),
		attribute.String("server.transport", string(cfg.Transport)),
	)

	strategy := strategyForScope(cfg.Scope)
	if cfg.AuthType == models.AuthOAuth {
		// OAuth handles carry the calling user's token. They merge by copy
		// at every scope so one caller's credential is never reused on
		// another caller's composition.
		strategy = MergeCopy
	}

	entry := &Entry{
		Name:      cfg.Scope.Prefix() + "_" + cfg.Name,
		Scope:     cfg.Scope,
		Namespace: cfg.Namespace,
		Transport: cfg.Transport,
		strategy:  strategy,
	}

	buildCtx, cancel := context.WithTimeout(ctx, c.opts.BuildTimeout)
	defer cancel()

	cred, credErr := c.creds.Resolve(buildCtx, cfg, identity)
	if credErr != nil {
		if errors.Is(credErr, context.DeadlineExceeded) && ctx.Err() == nil {
			credErr = ErrBuildTimeout
		}
		if cfg.AuthType != models.AuthOAuth || !errors.Is(credErr, ErrMissingCredential) {
			entry.AuthStatus = statusForError(credErr)
			entry.Detail = credErr.Error()
			log.Warn().Err(credErr).
				Str("server", cfg.Name).
				Str("scope", string(cfg.Scope)).
				Msg("Server excluded from composition")
			return entry
		}
		// OAuth with no usable token is not a build failure: the handle is
		// still constructed and the entry marked so the caller can prompt
		// re-authorization before use.
		entry.AuthStatus = models.AuthStatusMissingCredential
		entry.Detail = credErr.Error()
		cred = nil
	}

	handle, err := c.buildHandle(buildCtx, cfg, cred, entry.strategy)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = ErrBuildTimeout
		}
		entry.AuthStatus = statusForError(err)
		entry.Detail = err.Error()
		log.Warn().Err(err).
			Str("server", cfg.Name).
			Str("scope", string(cfg.Scope)).
			Msg("Server excluded from composition")
		return entry
	}

	entry.Handle = handle
	if entry.AuthStatus == "" {
		entry.AuthStatus = models.AuthStatusOK
	}
	return entry
}

// buildHandle applies the merge strategy: link-merged servers reuse the
// shared cached handle, copy-merged servers get a private one. Only link
// entries touch the cache, and buildEntry forces copy for oauth servers, so
// a handle carrying caller-specific auth material is never shared.
func (c *Composer) buildHandle(ctx context.Context, cfg *models.ServerConfig, cred *Credential, strategy MergeStrategy) (ServerHandle, error) {
	if strategy == MergeLink {
		return c.cache.GetOrBuild(cfg.Namespace, cfg.Scope, func() (ServerHandle, error) {
			return c.builder.Build(ctx, cfg, cred)
		})
	}
	return c.builder.Build(ctx, cfg, cred)
}

// merge assembles the registry deterministically: caller-supplied servers
// first (highest priority, never shadowed), then scoped entries ordered by
// (scope priority, name). Composed names are unique by construction across
// scopes; duplicates within a scope keep the first and are logged, never
// silently overwritten.
func (c *Composer) merge(outcomes []*Entry, additional []AdditionalServer) *Registry {
	registry := newRegistry()

	for _, extra := range additional {
		if extra.Name == "" || extra.Handle == nil {
			continue
		}
		namespace := extra.Namespace
		if namespace == "" {
			namespace = extra.Name
		}
		registry.add(&Entry{
			Name:       extra.Name,
			Namespace:  namespace,
			Transport:  extra.Handle.Kind(),
			AuthStatus: models.AuthStatusOK,
			Handle:     extra.Handle,
			// Caller owns the handle; link keeps Registry.Close off it.
			strategy: MergeLink,
		})
	}

	sort.SliceStable(outcomes, func(i, j int) bool {
		if outcomes[i].Scope.Priority() != outcomes[j].Scope.Priority() {
			return outcomes[i].Scope.Priority() < outcomes[j].Scope.Priority()
		}
		return outcomes[i].Name < outcomes[j].Name
	})

	for _, entry := range outcomes {
		if entry == nil {
			continue
		}
		if _, taken := registry.Get(entry.Name); taken {
			log.Warn().
				Str("name", entry.Name).
				Str("scope", string(entry.Scope)).
				Msg("Composed name already taken, dropping entry")
			continue
		}
		registry.add(entry)
	}

	return registry
}
