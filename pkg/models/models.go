// Package models defines the shared domain types for the atomsAgent backend:
// MCP server configurations, OAuth credentials, caller identity, and the
// JSON-RPC wire types spoken to MCP servers.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ── Scope ────────────────────────────────────────────────────

// Scope is the visibility tier a server configuration belongs to.
// Resolution order is platform → organization → user → project; later
// scopes take priority when composed names would otherwise collide.
type Scope string

const (
	ScopePlatform     Scope = "platform"
	ScopeOrganization Scope = "organization"
	ScopeUser         Scope = "user"
	ScopeProject      Scope = "project"
)

// Scopes lists all scopes in resolution order (lowest priority first).
func Scopes() []Scope {
	return []Scope{ScopePlatform, ScopeOrganization, ScopeUser, ScopeProject}
}

// Priority returns the merge priority of the scope. Higher wins.
func (s Scope) Priority() int {
	switch s {
	case ScopePlatform:
		return 0
	case ScopeOrganization:
		return 1
	case ScopeUser:
		return 2
	case ScopeProject:
		return 3
	}
	return -1
}

// Prefix returns the composed-name prefix for the scope.
// Platform servers are presented as "system_" entries.
func (s Scope) Prefix() string {
	switch s {
	case ScopePlatform:
		return "system"
	case ScopeOrganization:
		return "org"
	case ScopeUser:
		return "user"
	case ScopeProject:
		return "proj"
	}
	return string(s)
}

// ParseScope validates a stored scope value.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopePlatform, ScopeOrganization, ScopeUser, ScopeProject:
		return Scope(s), nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// ── Transport ────────────────────────────────────────────────

// TransportKind is the mechanism used to reach an MCP server.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
	TransportSSE   TransportKind = "sse"
)

// ParseTransportKind validates a stored transport value.
func ParseTransportKind(s string) (TransportKind, error) {
	switch TransportKind(s) {
	case TransportStdio, TransportHTTP, TransportSSE:
		return TransportKind(s), nil
	}
	return "", fmt.Errorf("unsupported transport %q", s)
}

// ── Auth ─────────────────────────────────────────────────────

// AuthType declares how a server authenticates callers.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthOAuth  AuthType = "oauth"
	AuthAPIKey AuthType = "api_key"
)

// AuthStatus is the per-entry credential outcome surfaced in the registry.
type AuthStatus string

const (
	AuthStatusOK                AuthStatus = "ok"
	AuthStatusMissingCredential AuthStatus = "missing_credential"
	AuthStatusInvalidConfig     AuthStatus = "invalid_config"
	AuthStatusUnsupported       AuthStatus = "unsupported"
	AuthStatusBuildTimeout      AuthStatus = "build_timeout"
	AuthStatusError             AuthStatus = "error"
)

// ── Server Configuration ─────────────────────────────────────

// ServerConfig is one configured MCP server. Rows are created by the admin
// CRUD surface; the composition engine only ever reads them.
type ServerConfig struct {
	ID        string        `json:"id" db:"id"`
	Name      string        `json:"name" db:"name"`
	Namespace string        `json:"namespace" db:"namespace"` // stable routing key, e.g. "drive/server"
	Scope     Scope         `json:"scope" db:"scope"`
	Transport TransportKind `json:"transport" db:"transport"`

	// Transport parameters. Command/Args/Env apply to stdio; URL applies to
	// http/sse. URL may hold a legacy JSON envelope {"url":...,"source":...}
	// that is unwrapped at build time.
	Command string            `json:"command,omitempty" db:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty" db:"url"`

	AuthType   AuthType               `json:"auth_type" db:"auth_type"`
	AuthConfig map[string]interface{} `json:"auth_config,omitempty"`

	// Owner fields bind user/organization/project-scoped rows to an identity.
	UserID         string `json:"user_id,omitempty" db:"user_id"`
	OrganizationID string `json:"organization_id,omitempty" db:"organization_id"`
	ProjectID      string `json:"project_id,omitempty" db:"project_id"`

	Enabled   bool      `json:"enabled" db:"enabled"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Validate checks the structural invariants that must hold before any
// process or network attempt is made.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("server config %s: missing name", c.ID)
	}
	if _, err := ParseScope(string(c.Scope)); err != nil {
		return fmt.Errorf("server config %q: %w", c.Name, err)
	}
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("server config %q: stdio transport requires a command", c.Name)
		}
	case TransportHTTP, TransportSSE:
		if c.URL == "" {
			return fmt.Errorf("server config %q: %s transport requires a URL", c.Name, c.Transport)
		}
	default:
		return fmt.Errorf("server config %q: unsupported transport %q", c.Name, c.Transport)
	}
	return nil
}

// ── OAuth Token ──────────────────────────────────────────────

// OAuthToken is the most recent credential issued for a (namespace, identity)
// pair. Written by the OAuth callback flow; read-only to the composition
// engine. Refresh-on-expiry is the token issuance service's job — the engine
// only asks for the latest usable token.
type OAuthToken struct {
	ID             string    `json:"id" db:"id"`
	Namespace      string    `json:"namespace" db:"namespace"`
	UserID         string    `json:"user_id,omitempty" db:"user_id"`
	OrganizationID string    `json:"organization_id,omitempty" db:"organization_id"`
	AccessToken    string    `json:"access_token" db:"access_token"`
	RefreshToken   string    `json:"refresh_token,omitempty" db:"refresh_token"`
	TokenType      string    `json:"token_type" db:"token_type"`
	Scope          string    `json:"scope,omitempty" db:"scope"`
	IssuedAt       time.Time `json:"issued_at" db:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at" db:"expires_at"`
}

// Valid reports whether the token is usable at the given instant.
func (t *OAuthToken) Valid(now time.Time) bool {
	return t != nil && t.AccessToken != "" && now.Before(t.ExpiresAt)
}

// ── Identity ─────────────────────────────────────────────────

// Identity is the caller context a composition runs under.
type Identity struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id,omitempty"`
	ProjectID      string `json:"project_id,omitempty"`
}

// Validate rejects malformed identities. This is the only input error the
// composition engine propagates as a hard failure.
func (id Identity) Validate() error {
	if id.UserID == "" {
		return fmt.Errorf("identity: missing user_id")
	}
	return nil
}

// ── MCP Protocol Types ───────────────────────────────────────

type MCPRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

type MCPResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *MCPError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

type MCPToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

type MCPToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

type MCPToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

type MCPContent struct {
	Type string `json:"type"` // text, image, resource
	Text string `json:"text,omitempty"`
}

// ── Registry DTOs ────────────────────────────────────────────

// RegistryEntrySummary is the API-facing view of one composed registry entry.
type RegistryEntrySummary struct {
	Name       string        `json:"name"`
	Scope      Scope         `json:"scope,omitempty"` // empty for caller-supplied servers
	Namespace  string        `json:"namespace"`
	Transport  TransportKind `json:"transport"`
	AuthStatus AuthStatus    `json:"auth_status"`
	Detail     string        `json:"detail,omitempty"` // human-readable failure reason
}

// ComposeRequest is the API payload for a composition call.
type ComposeRequest struct {
	AdditionalServers []AdditionalServerSpec `json:"additional_servers,omitempty"`
}

// AdditionalServerSpec declares a caller-supplied server that bypasses scope
// resolution. It is merged unprefixed at highest priority.
type AdditionalServerSpec struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace,omitempty"`
	Transport TransportKind     `json:"transport"`
	URL       string            `json:"url,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// ComposeResponse summarizes a finished composition.
type ComposeResponse struct {
	Servers []RegistryEntrySummary `json:"servers"`
	Usable  int                    `json:"usable"`
	Total   int                    `json:"total"`
}
