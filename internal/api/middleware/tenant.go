package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/atoms-tech/atomsAgent/pkg/models"
)

type contextKey string

// composeIdentityKey is the context key for the composition identity.
const composeIdentityKey contextKey = "compose_identity"

// IdentityExtractor extracts the composition identity from the request.
// It reads the X-User-Id, X-Organization-Id, and X-Project-Id headers, with
// query parameters as a fallback for SSE clients that cannot set headers.
//
// The extractor never rejects: an empty identity is stored as-is and the
// compose layer validates it (user_id is the only required field).
func IdentityExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := models.Identity{
			UserID:         headerOrQuery(r, "X-User-Id", "user_id"),
			OrganizationID: headerOrQuery(r, "X-Organization-Id", "organization_id"),
			ProjectID:      headerOrQuery(r, "X-Project-Id", "project_id"),
		}

		ctx := context.WithValue(r.Context(), composeIdentityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func headerOrQuery(r *http.Request, header, query string) string {
	if h := r.Header.Get(header); h != "" {
		return strings.TrimSpace(h)
	}
	return strings.TrimSpace(r.URL.Query().Get(query))
}

// WithComposeIdentity stores the composition identity in the context.
// Used by the auth middleware when token claims override header values.
func WithComposeIdentity(ctx context.Context, identity models.Identity) context.Context {
	return context.WithValue(ctx, composeIdentityKey, identity)
}

// GetComposeIdentity retrieves the composition identity from the context.
func GetComposeIdentity(ctx context.Context) models.Identity {
	if v, ok := ctx.Value(composeIdentityKey).(models.Identity); ok {
		return v
	}
	return models.Identity{}
}
