// Package handlers implements the HTTP handlers for the Atoms agent backend.
// All handlers use the Store interface and the ComposerService, so the same
// code serves the in-memory and PostgreSQL deployments.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/atoms-tech/atomsAgent/internal/api/middleware"
	"github.com/atoms-tech/atomsAgent/internal/compose"
	"github.com/atoms-tech/atomsAgent/internal/store"
	"github.com/atoms-tech/atomsAgent/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store           store.Store
	Composer        *compose.Composer
	Builder         *compose.TransportBuilder
	ToolCallTimeout time.Duration
}

// New creates a new Handlers instance with all dependencies.
func New(s store.Store, composer *compose.Composer, toolCallTimeout time.Duration) *Handlers {
	if toolCallTimeout <= 0 {
		toolCallTimeout = 30 * time.Second
	}
	return &Handlers{
		Store:           s,
		Composer:        composer,
		Builder:         compose.NewTransportBuilder(),
		ToolCallTimeout: toolCallTimeout,
	}
}

// ══════════════════════════════════════════════════════════════
// ── Compose Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Compose runs a full composition for the caller identity and returns the
// resulting registry as entry summaries. The request body is optional; when
// present it may declare additional caller-supplied servers.
func (h *Handlers) Compose(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetComposeIdentity(r.Context())

	var req models.ComposeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	additional, err := h.buildAdditional(req.AdditionalServers)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	registry, err := h.Composer.Compose(r.Context(), identity, additional...)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		respondError(w, status, err.Error())
		return
	}
	defer registry.Close()

	respondJSON(w, http.StatusOK, models.ComposeResponse{
		Servers: registry.Summaries(),
		Usable:  len(registry.Usable()),
		Total:   registry.Len(),
	})
}

// ListRegistryTools composes for the caller and returns the tool catalog of
// one named registry entry.
func (h *Handlers) ListRegistryTools(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	registry, entry, ok := h.composeAndFind(w, r, name)
	if !ok {
		return
	}
	defer registry.Close()

	ctx, cancel := context.WithTimeout(r.Context(), h.ToolCallTimeout)
	defer cancel()

	tools, err := entry.Handle.ListTools(ctx)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	if tools == nil {
		tools = []models.MCPToolInfo{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"server": entry.Summary(),
		"tools":  tools,
	})
}

// CallRegistryTool composes for the caller and invokes one tool on a named
// registry entry.
func (h *Handlers) CallRegistryTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var params models.MCPToolCallParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if params.Name == "" {
		respondError(w, http.StatusBadRequest, "Missing tool name")
		return
	}

	registry, entry, ok := h.composeAndFind(w, r, name)
	if !ok {
		return
	}
	defer registry.Close()

	ctx, cancel := context.WithTimeout(r.Context(), h.ToolCallTimeout)
	defer cancel()

	result, err := entry.Handle.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// composeAndFind runs a composition and locates a usable entry by composed
// name. On failure it writes the error response and returns ok=false.
func (h *Handlers) composeAndFind(w http.ResponseWriter, r *http.Request, name string) (*compose.Registry, *compose.Entry, bool) {
	identity := middleware.GetComposeIdentity(r.Context())

	registry, err := h.Composer.Compose(r.Context(), identity)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return nil, nil, false
	}

	entry, found := registry.Get(name)
	if !found {
		registry.Close()
		respondError(w, http.StatusNotFound, "No server named "+name+" in the composed registry")
		return nil, nil, false
	}
	if !entry.Usable() {
		registry.Close()
		respondJSON(w, http.StatusConflict, map[string]interface{}{
			"error":       "server_not_usable",
			"auth_status": entry.AuthStatus,
			"detail":      entry.Detail,
		})
		return nil, nil, false
	}
	return registry, entry, true
}

func (h *Handlers) buildAdditional(specs []models.AdditionalServerSpec) ([]compose.AdditionalServer, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make([]compose.AdditionalServer, 0, len(specs))
	for _, spec := range specs {
		handle, err := h.Builder.BuildSpec(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, compose.AdditionalServer{
			Name:      spec.Name,
			Namespace: spec.Namespace,
			Handle:    handle,
		})
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════
// ── Server Config Handlers ───────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListServers(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetComposeIdentity(r.Context())

	scopes := models.Scopes()
	if raw := r.URL.Query().Get("scope"); raw != "" {
		scope, err := models.ParseScope(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		scopes = []models.Scope{scope}
	}

	configs := []models.ServerConfig{}
	for _, scope := range scopes {
		batch, err := h.Store.ListServerConfigs(r.Context(), store.ConfigFilter{
			Scope:          scope,
			UserID:         identity.UserID,
			OrganizationID: identity.OrganizationID,
			ProjectID:      identity.ProjectID,
		})
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		configs = append(configs, batch...)
	}
	respondJSON(w, http.StatusOK, configs)
}

func (h *Handlers) CreateServer(w http.ResponseWriter, r *http.Request) {
	var cfg models.ServerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	cfg.ID = uuid.New().String()
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	if cfg.Namespace == "" {
		cfg.Namespace = cfg.Name
	}
	if err := cfg.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.Store.CreateServerConfig(r.Context(), &cfg); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("server", cfg.Name).Str("scope", string(cfg.Scope)).Str("id", cfg.ID).Msg("Server config created")
	respondJSON(w, http.StatusCreated, cfg)
}

func (h *Handlers) GetServer(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Store.GetServerConfig(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) UpdateServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var cfg models.ServerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	cfg.ID = id
	if cfg.Namespace == "" {
		cfg.Namespace = cfg.Name
	}
	if err := cfg.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.Store.UpdateServerConfig(r.Context(), &cfg); err != nil {
		respondStoreError(w, err)
		return
	}

	// A changed config makes any cached shared handle stale.
	h.Composer.Cache().Invalidate(cfg.Namespace, cfg.Scope)

	log.Info().Str("server", cfg.Name).Str("scope", string(cfg.Scope)).Msg("Server config updated")
	respondJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) DeleteServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Fetch first so the cached handle for this namespace can be dropped.
	cfg, err := h.Store.GetServerConfig(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	if err := h.Store.DeleteServerConfig(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	h.Composer.Cache().Invalidate(cfg.Namespace, cfg.Scope)

	log.Info().Str("server", cfg.Name).Str("scope", string(cfg.Scope)).Msg("Server config deleted")
	w.WriteHeader(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════
// ── Token Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// PutToken records a freshly issued OAuth token. This is the write half of
// the token store, called by the OAuth callback service; the composition
// read path only ever selects the latest token.
func (h *Handlers) PutToken(w http.ResponseWriter, r *http.Request) {
	var token models.OAuthToken
	if err := json.NewDecoder(r.Body).Decode(&token); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if token.Namespace == "" || token.AccessToken == "" {
		respondError(w, http.StatusBadRequest, "Token requires namespace and access_token")
		return
	}
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	if token.IssuedAt.IsZero() {
		token.IssuedAt = time.Now().UTC()
	}
	if token.TokenType == "" {
		token.TokenType = "Bearer"
	}

	if err := h.Store.PutToken(r.Context(), &token); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("namespace", token.Namespace).Str("user", token.UserID).Msg("OAuth token recorded")
	// Never echo token material back to the caller.
	respondJSON(w, http.StatusCreated, map[string]string{
		"id":        token.ID,
		"namespace": token.Namespace,
	})
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondStoreError(w http.ResponseWriter, err error) {
	var notFound *store.ErrNotFound
	if errors.As(err, &notFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
