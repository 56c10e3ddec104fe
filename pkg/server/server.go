// Package server provides the public entry point for initializing the Atoms
// agent backend server.
//
// This package exists in pkg/ (not internal/) so that a hosted deployment can
// import it and compose the full server with its own overrides.
//
// Usage (OSS):
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
//
// Usage (hosted):
//
//	srv, err := server.New(ctx)
//	srv.AuthChain.RegisterProvider(oidcProvider)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/atoms-tech/atomsAgent/internal/api"
	"github.com/atoms-tech/atomsAgent/internal/api/handlers"
	"github.com/atoms-tech/atomsAgent/internal/auth"
	"github.com/atoms-tech/atomsAgent/internal/compose"
	"github.com/atoms-tech/atomsAgent/internal/config"
	"github.com/atoms-tech/atomsAgent/internal/store"
	"github.com/atoms-tech/atomsAgent/internal/telemetry"
	"github.com/atoms-tech/atomsAgent/pkg/contracts"
)

// Server holds the initialized Atoms agent backend.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store: PostgreSQL when DATABASE_URL is set,
	// in-memory otherwise. Exposed so deployments can seed or inspect it.
	Store store.Store

	// Composer is the MCP composition engine.
	Composer contracts.ComposerService

	// AuthChain accepts additional auth providers registered after New.
	AuthChain contracts.AuthProviderChain

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown: it closes cached
	// transport handles and flushes telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all backend components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the backend with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	// Initialize telemetry
	otelShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// Store: PostgreSQL in production, in-memory for local dev and tests.
	var dataStore store.Store
	if cfg.Database.URL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		dataStore = pg
		log.Info().Msg("✅ PostgreSQL store initialized")
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("✅ In-memory store initialized (no DATABASE_URL)")
	}

	// Composition engine with its shared handle cache.
	cache := compose.NewHandleCache()
	composer := compose.NewComposer(dataStore, cache, compose.Options{
		MaxConcurrentBuilds: cfg.Compose.MaxConcurrentBuilds,
		BuildTimeout:        cfg.Compose.BuildTimeout,
	})
	log.Info().
		Int("max_concurrent_builds", cfg.Compose.MaxConcurrentBuilds).
		Dur("build_timeout", cfg.Compose.BuildTimeout).
		Msg("✅ Composition engine initialized")

	// Auth provider chain: OSS providers registered here, hosted providers
	// registered by the caller after New returns.
	chain := auth.NewProviderChain()
	chain.RegisterProvider(auth.NewAPIKeyProvider())
	chain.RegisterProvider(auth.NewServiceAccountProvider())

	// Build handlers + API router
	h := handlers.New(dataStore, composer, cfg.Compose.ToolCallTimeout)
	router := api.NewRouter(cfg, h, chain)

	shutdown := func(shutdownCtx context.Context) error {
		cache.InvalidateAll()
		return otelShutdown(shutdownCtx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Composer:     composer,
		AuthChain:    chain,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
