package rbac

import (
	"net/http"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
)

// RequirePermission only lets a request through when the caller's role holds
// every key in the applet. Session claims must already be in the context.
func (r *Resolver) RequirePermission(appletID string, keys ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			claims := auth.ClaimsFromContext(req.Context())
			if claims == nil {
				httputil.WriteAppError(w, req, apperr.Auth("authentication required"))
				return
			}

			missing, err := r.Missing(req.Context(), appletID, claims.Role, keys...)
			if err != nil {
				httputil.WriteAppError(w, req, err)
				return
			}
			if len(missing) > 0 {
				httputil.WriteAppError(w, req, apperr.PermissionDenied(missing))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
