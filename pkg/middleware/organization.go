package middleware

import "context"

const organizationKey contextKey = "organization"

// GetOrganization extracts the organization ID from the context.
// Returns "" when the request carries no organization scope.
func GetOrganization(ctx context.Context) string {
	if v, ok := ctx.Value(organizationKey).(string); ok {
		return v
	}
	return ""
}

// SetOrganization stores the organization ID in the context.
// The auth middleware uses it when a token carries an organization claim,
// overriding whatever the request headers said.
func SetOrganization(ctx context.Context, org string) context.Context {
	return context.WithValue(ctx, organizationKey, org)
}
