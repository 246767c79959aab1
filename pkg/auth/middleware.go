// Package auth gates the control plane behind static access tokens. When no
// tokens are configured the middleware passes everything through, which is
// the normal single-user sandbox setup.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/fishbowl-sh/fishbowl/pkg/types"
)

type contextKey string

const roleKey contextKey = "auth_role"

// RoleFromContext extracts the authenticated role from the context. Empty
// when authentication is disabled.
func RoleFromContext(ctx context.Context) string {
	v, _ := ctx.Value(roleKey).(string)
	return v
}

// TokenAuth returns middleware that validates access tokens and sets the
// caller's role on the request context.
func TokenAuth(keys *KeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keys.Empty() || r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}

			token := r.Header.Get("X-API-Key")
			if token == "" {
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(auth, "Bearer ") {
					token = strings.TrimPrefix(auth, "Bearer ")
				}
			}

			if token == "" {
				types.ErrUnauthorized("missing access token").WriteJSON(w)
				return
			}

			role, ok := keys.Lookup(token)
			if !ok {
				types.ErrUnauthorized("invalid access token").WriteJSON(w)
				return
			}

			ctx := context.WithValue(r.Context(), roleKey, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole returns middleware that restricts a route to one role. It is a
// no-op when authentication is disabled, since the context carries no role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := RoleFromContext(r.Context())
			if got != "" && got != role {
				types.ErrForbidden("requires " + role + " role").WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
