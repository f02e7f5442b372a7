// Package api implements the kalendae REST API using chi.
package api

import (
	"net/http"
	"strings"

	"github.com/starford/kalendae/internal/authz"
)

// Auth configures request authentication.
type Auth struct {
	// Enabled turns on bearer token checks. When off every request runs as
	// authz.Anonymous.
	Enabled bool
	// Tokens maps each accepted bearer token to the principal it
	// authenticates.
	Tokens map[string]string
}

// AuthMiddleware validates "Authorization: Bearer <token>" against the
// configured tokens and attaches the matching principal to the request
// context.
func AuthMiddleware(auth Auth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			principal, known := auth.Tokens[token]
			if !ok || token == "" || !known {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			next.ServeHTTP(w, r.WithContext(authz.WithPrincipal(r.Context(), principal)))
		})
	}
}
