package middleware

import (
	"context"
	"net/http"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// UserLookup loads the user behind a session. *auth.Store satisfies it.
type UserLookup interface {
	GetByID(ctx context.Context, id int64) (*auth.User, error)
}

// AuthMiddleware provides session authentication
type AuthMiddleware struct {
	tokens *auth.TokenService
	users  UserLookup
}

// NewAuthMiddleware creates the session middleware. When users is non-nil,
// sessions of deactivated users are rejected.
func NewAuthMiddleware(tokens *auth.TokenService, users UserLookup) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens, users: users}
}

// Handler wraps an HTTP handler with session authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := httputil.BearerToken(r)
		if token == "" {
			if c, err := r.Cookie(auth.SessionCookieName); err == nil {
				token = c.Value
			}
		}

		claims, err := m.tokens.Verify(token)
		if err != nil {
			httputil.WriteAppError(w, r, err)
			return
		}

		if m.users != nil {
			u, err := m.users.GetByID(r.Context(), claims.UserID)
			if apperr.Is(err, apperr.KindNotFound) || (err == nil && !u.IsActive) {
				httputil.WriteAppError(w, r, apperr.Auth("invalid token"))
				return
			}
			if err != nil {
				httputil.WriteAppError(w, r, err)
				return
			}
			// Role changes apply without waiting for a new token.
			claims.Role = u.Role
		}

		ctx := auth.WithClaims(r.Context(), claims)
		ctx = observability.WithUserID(ctx, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects sessions whose role ranks below min.
// It must run after AuthMiddleware.
func RequireRole(min auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := auth.ClaimsFromContext(r.Context())
			if claims == nil {
				httputil.WriteAppError(w, r, apperr.Auth("authentication required"))
				return
			}
			if !claims.Role.AtLeast(min) {
				httputil.WriteAppError(w, r, apperr.Forbidden("requires role %s", min).WithDetail("requiredRole", string(min)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Guards builds the session and admin gates handed to RegisterRoutes.
func (m *AuthMiddleware) Guards() httputil.Guards {
	return httputil.Guards{
		Session: m.Handler,
		Admin:   httputil.Chain(m.Handler, RequireRole(auth.RoleAdmin)),
	}
}
