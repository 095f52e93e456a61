package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"trainshare/internal/token"
	"trainshare/pkg/domain"
	dErrors "trainshare/pkg/domain-errors"
	"trainshare/pkg/platform/httputil"
	"trainshare/pkg/requestcontext"
)

// TokenValidator defines the interface for validating bearer tokens.
type TokenValidator interface {
	ValidateToken(tokenString string) (*token.Claims, error)
}

// RequireAuth validates the bearer token and stores the actor's id and role
// in the request context. Unknown role claims are rejected here so dynamic
// role strings never reach the services.
func RequireAuth(validator TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			authHeader := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid Authorization header"))
				return
			}

			claims, err := validator.ValidateToken(raw)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err.Error(),
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, err)
				return
			}

			role, err := domain.ParseRole(claims.Role)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - unknown role claim",
					"role", claims.Role,
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid role claim"))
				return
			}

			ctx = requestcontext.WithActor(ctx, claims.Subject, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects requests whose authenticated role differs from want.
// Must run after RequireAuth.
func RequireRole(want domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requestcontext.ActorRole(r.Context()) != want {
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "role not permitted for this resource"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
