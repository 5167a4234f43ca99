package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

type contextKey string

const actorKey contextKey = "actor"

// Auth checks the bearer token against token. An empty token disables the
// check; every request is then attributed to "anonymous".
func Auth(token string) func(http.Handler) http.Handler {
	if token == "" {
		log.Warn().Msg("middleware: API_TOKEN is empty, authentication disabled")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := "anonymous"
			if token != "" {
				// Extract token from Authorization header
				authHeader := r.Header.Get("Authorization")
				if authHeader == "" {
					http.Error(w, "Missing authorization header", http.StatusUnauthorized)
					return
				}

				parts := strings.SplitN(authHeader, " ", 2)
				if len(parts) != 2 || parts[0] != "Bearer" {
					http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
					return
				}
				if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
					http.Error(w, "Invalid token", http.StatusUnauthorized)
					return
				}
				actor = "api"
			}

			ctx := context.WithValue(r.Context(), actorKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetActor extracts the authenticated actor from context
func GetActor(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey).(string); ok {
		return actor
	}
	return ""
}
