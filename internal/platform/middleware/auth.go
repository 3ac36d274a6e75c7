package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	id "almoner/pkg/domain"
	"almoner/pkg/requestcontext"
)

// TokenValidator verifies a bearer token and returns the verified claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (*Claims, error)
}

// Claims is the subset of token claims the engine cares about.
type Claims struct {
	UserID id.UserID
	Roles  []id.Role
}

// RequireAuth validates the bearer token and stores the actor identity in the
// request context. Handlers downstream can assume an authenticated actor.
func RequireAuth(validator TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const bearerPrefix = "Bearer "
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), bearerPrefix)
			if !ok || token == "" {
				unauthorized(w)
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(r.Context(), "unauthorized access - invalid token",
					"error", err,
					"request_id", requestcontext.RequestID(r.Context()),
				)
				unauthorized(w)
				return
			}

			ctx := requestcontext.WithUserID(r.Context(), claims.UserID)
			ctx = requestcontext.WithRoles(ctx, claims.Roles)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole gates a route on a verified role claim. Services still re-check
// authorization through the identity port; this guard just fails fast.
func RequireRole(role id.Role, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !requestcontext.HasRole(r.Context(), role) {
				logger.WarnContext(r.Context(), "forbidden - missing role",
					"role", string(role),
					"user_id", requestcontext.UserID(r.Context()).String(),
					"request_id", requestcontext.RequestID(r.Context()),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"forbidden"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"Invalid or expired token"}`))
}
