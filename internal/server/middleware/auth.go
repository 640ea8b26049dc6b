package middleware

import (
	"context"
	"net/http"
	"strings"

	"identity-plane/backend/internal/security"
	"identity-plane/backend/internal/server/httpx"
)

type contextKey string

const identityKey contextKey = "identity"

const bearerPrefix = "bearer "

// Authenticate validates the Bearer access token and stores the caller's
// identity in the request context. Requests without a valid token are
// rejected; mount public routes outside this middleware.
func Authenticate(tokens *security.TokenProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearer(r)
			if token == "" {
				httpx.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing or invalid authorization")
				return
			}
			identity, err := tokens.ValidateAccess(token)
			if err != nil {
				httpx.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing or invalid authorization")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// WithIdentity returns ctx carrying the authenticated identity.
func WithIdentity(ctx context.Context, identity *security.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFrom returns the authenticated identity set by Authenticate.
func IdentityFrom(ctx context.Context) (*security.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*security.Identity)
	return identity, ok
}

// extractBearer returns the Bearer token from the Authorization header, or ""
// if missing or malformed.
func extractBearer(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
