package compose

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/atoms-tech/atomsAgent/internal/store"
	"github.com/atoms-tech/atomsAgent/pkg/models"
)

// ScopeResolver determines which server configurations apply to an identity.
// It queries the configuration store scope by scope in resolution order:
// platform → organization → user → project. A missing or unreachable store
// degrades to "no extra tools" — the caller never sees an error for that.
type ScopeResolver struct {
	store store.Store // nil when no store is configured
}

// NewScopeResolver creates a resolver over the given store. A nil store is
// allowed and resolves every identity to zero configurations.
func NewScopeResolver(s store.Store) *ScopeResolver {
	return &ScopeResolver{store: s}
}

// Resolve returns the enabled server configurations for the identity, in
// scope order (platform first). The only hard failure is a malformed
// identity; store errors are logged and yield a partial or empty result.
func (r *ScopeResolver) Resolve(ctx context.Context, identity models.Identity) ([]models.ServerConfig, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if r.store == nil {
		log.Debug().Str("user", identity.UserID).Msg("No config store, composing without scoped servers")
		return nil, nil
	}

	var out []models.ServerConfig
	logged := false

	for _, scope := range models.Scopes() {
		switch scope {
		case models.ScopeOrganization:
			if identity.OrganizationID == "" {
				continue
			}
		case models.ScopeProject:
			if identity.ProjectID == "" {
				continue
			}
		}

		configs, err := r.listWithRetry(ctx, store.ConfigFilter{
			Scope:          scope,
			UserID:         identity.UserID,
			OrganizationID: identity.OrganizationID,
			ProjectID:      identity.ProjectID,
			EnabledOnly:    true,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !logged {
				log.Warn().Err(err).
					Str("scope", string(scope)).
					Str("user", identity.UserID).
					Msg("Config store unavailable, skipping scope")
				logged = true
			}
			continue
		}
		out = append(out, configs...)
	}

	return out, nil
}

// listWithRetry retries transient store failures with exponential backoff
// before declaring the scope unavailable.
func (r *ScopeResolver) listWithRetry(ctx context.Context, filter store.ConfigFilter) ([]models.ServerConfig, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 2 * time.Second

	var configs []models.ServerConfig
	op := func() error {
		var err error
		configs, err = r.store.ListServerConfigs(ctx, filter)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return configs, nil
}
