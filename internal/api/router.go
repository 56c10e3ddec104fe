package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/atoms-tech/atomsAgent/internal/api/handlers"
	"github.com/atoms-tech/atomsAgent/internal/api/middleware"
	"github.com/atoms-tech/atomsAgent/internal/config"
	"github.com/atoms-tech/atomsAgent/pkg/contracts"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, chain contracts.AuthProviderChain) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.IdentityExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			"X-User-Id", "X-Organization-Id", "X-Project-Id", "X-Request-Id",
		},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAuthMiddleware(chain).Handler)

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Composition
		r.Post("/compose", h.Compose)

		// Composed registry access
		r.Route("/registry/{name}", func(r chi.Router) {
			r.Get("/tools", h.ListRegistryTools)
			r.Post("/call", h.CallRegistryTool)
		})

		// Server configurations
		r.Route("/servers", func(r chi.Router) {
			r.Get("/", h.ListServers)
			r.Post("/", h.CreateServer)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetServer)
				r.Put("/", h.UpdateServer)
				r.Delete("/", h.DeleteServer)
			})
		})

		// OAuth tokens (write path for the callback service)
		r.Post("/tokens", h.PutToken)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "atoms-agent-backend",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "atoms-agent-backend",
		})
	}
}
