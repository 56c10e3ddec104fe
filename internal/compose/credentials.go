package compose

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atoms-tech/atomsAgent/internal/store"
	"github.com/atoms-tech/atomsAgent/pkg/models"
)

// Credential is the concrete authentication material attached to a transport.
type Credential struct {
	// Header is the HTTP header the token is sent in. Defaults to
	// "Authorization" with a "Bearer " prefix; api_key configs may declare
	// a provider-specific header instead.
	Header string
	// Prefix is prepended to the token value ("Bearer " or empty).
	Prefix string
	// Token is the secret itself.
	Token string
	// EnvKey, when set, names the environment variable the token is
	// injected into for stdio transports.
	EnvKey string
}

// CredentialProvider supplies authentication material for one server config.
// Pure lookup: it never triggers an OAuth flow; expired tokens surface as
// ErrMissingCredential and the caller marks the entry for re-authorization.
type CredentialProvider struct {
	store store.Store // nil when no credential store is configured

	// now is swapped in tests to pin token expiry checks.
	now func() time.Time
}

// NewCredentialProvider creates a provider over the given store.
func NewCredentialProvider(s store.Store) *CredentialProvider {
	return &CredentialProvider{store: s, now: time.Now}
}

// Resolve returns the credential for the config, nil when the server needs
// none, or ErrMissingCredential when required material is absent or expired.
func (p *CredentialProvider) Resolve(ctx context.Context, cfg *models.ServerConfig, identity models.Identity) (*Credential, error) {
	switch cfg.AuthType {
	case models.AuthNone, "":
		return nil, nil

	case models.AuthBearer:
		token, _ := cfg.AuthConfig["token"].(string)
		if token == "" {
			return nil, fmt.Errorf("server %q: static bearer token not set: %w", cfg.Name, ErrMissingCredential)
		}
		return &Credential{
			Header: "Authorization",
			Prefix: "Bearer ",
			Token:  token,
			EnvKey: envKeyFromConfig(cfg),
		}, nil

	case models.AuthAPIKey:
		key, _ := cfg.AuthConfig["key"].(string)
		if key == "" {
			return nil, fmt.Errorf("server %q: api key not set: %w", cfg.Name, ErrMissingCredential)
		}
		header, _ := cfg.AuthConfig["header"].(string)
		if header == "" {
			header = "Authorization"
		}
		prefix := ""
		if header == "Authorization" {
			prefix = "Bearer "
		}
		return &Credential{
			Header: header,
			Prefix: prefix,
			Token:  key,
			EnvKey: envKeyFromConfig(cfg),
		}, nil

	case models.AuthOAuth:
		if p.store == nil {
			return nil, fmt.Errorf("server %q: no credential store: %w", cfg.Name, ErrMissingCredential)
		}
		tok, err := p.store.LatestToken(ctx, cfg.Namespace, identity)
		if err != nil {
			var notFound *store.ErrNotFound
			if errors.As(err, &notFound) {
				return nil, fmt.Errorf("server %q: no token for namespace %q: %w", cfg.Name, cfg.Namespace, ErrMissingCredential)
			}
			// Store failure, not an absent token: keep the cause so the
			// caller can map a lookup deadline to build_timeout.
			return nil, fmt.Errorf("server %q: token lookup for namespace %q: %w", cfg.Name, cfg.Namespace, err)
		}
		if !tok.Valid(p.now()) {
			return nil, fmt.Errorf("server %q: token for namespace %q expired at %s: %w",
				cfg.Name, cfg.Namespace, tok.ExpiresAt.Format(time.RFC3339), ErrMissingCredential)
		}
		return &Credential{
			Header: "Authorization",
			Prefix: "Bearer ",
			Token:  tok.AccessToken,
			EnvKey: envKeyFromConfig(cfg),
		}, nil
	}

	return nil, fmt.Errorf("server %q: unknown auth type %q: %w", cfg.Name, cfg.AuthType, ErrMissingCredential)
}

// envKeyFromConfig reads the declared env-var mapping for stdio credential
// injection, e.g. {"env": "GITHUB_TOKEN"}.
func envKeyFromConfig(cfg *models.ServerConfig) string {
	key, _ := cfg.AuthConfig["env"].(string)
	return key
}
