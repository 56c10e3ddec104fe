package middleware

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/atoms-tech/atomsAgent/pkg/contracts"
	pkgmw "github.com/atoms-tech/atomsAgent/pkg/middleware"
)

// AuthMiddleware is the HTTP middleware that authenticates requests using
// the pluggable AuthProviderChain and stores the resulting Identity in context.
//
// The chain-based approach supports multiple concurrent auth strategies
// (API key + service account + whatever a hosted deployment registers).
type AuthMiddleware struct {
	chain       contracts.AuthProviderChain
	requireAuth bool
}

// NewAuthMiddleware creates the auth middleware.
//
// If requireAuth is true, unauthenticated requests to non-public paths are rejected.
// Config: ATOMS_REQUIRE_AUTH env var (default: false for OSS).
func NewAuthMiddleware(chain contracts.AuthProviderChain) *AuthMiddleware {
	requireAuth := os.Getenv("ATOMS_REQUIRE_AUTH") == "true"
	return &AuthMiddleware{
		chain:       chain,
		requireAuth: requireAuth,
	}
}

// Handler returns the HTTP handler middleware that authenticates requests.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Public paths — skip auth
		if isAuthPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		// Walk the provider chain
		identity, err := am.chain.Authenticate(r.Context(), r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="atoms"`)
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "authentication_failed",
				"message": err.Error(),
			})
			return
		}

		// No identity and auth is required → reject
		if identity == nil && am.requireAuth {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="atoms"`)
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "authentication_required",
				"message": "This endpoint requires authentication. Set Authorization: Bearer <key>, X-API-Key, or X-Service-Token header.",
			})
			return
		}

		// Store identity in context (nil is fine — means anonymous)
		ctx := r.Context()
		if identity != nil {
			ctx = pkgmw.SetIdentity(ctx, identity)

			// If the identity carries an organization claim, it overrides the
			// X-Organization-Id header for downstream composition.
			if identity.Organization != "" {
				ctx = pkgmw.SetOrganization(ctx, identity.Organization)
				composeID := GetComposeIdentity(ctx)
				composeID.OrganizationID = identity.Organization
				ctx = WithComposeIdentity(ctx, composeID)
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// isAuthPublicPath returns true for paths that should skip authentication.
func isAuthPublicPath(path string) bool {
	publicPaths := []string{
		"/health",
		"/version",
	}
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
