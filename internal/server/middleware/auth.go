package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/keygatehq/keygate/internal/keys"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/rbac"
	"github.com/keygatehq/keygate/internal/service"
)

type contextKeyAuth string

// AuthPrincipalKey is the context key for the authenticated principal.
const AuthPrincipalKey contextKeyAuth = "auth_principal"

// Principal is the authenticated identity behind a management request: the
// workspace it may act on, the root key it traces back to, and that key's
// effective permission names.
type Principal struct {
	WorkspaceID string
	KeyID       string
	Permissions []string

	// Session is true when the request authenticated with a session token
	// rather than the root secret itself.
	Session bool
}

// Authenticate gates management routes. The Authorization header carries
// either the root secret (prefix "kgr_") or a session token previously
// issued for one; both resolve to the same Principal shape.
//
// Permission enforcement happens per-route via RequirePermission; this
// middleware only establishes identity.
func Authenticate(engine *service.Engine, sessions *service.Sessions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer := bearerToken(r)
			if bearer == "" {
				writeAuthError(w, http.StatusUnauthorized,
					"authentication required: provide a root key or session token as a bearer token")
				return
			}

			var principal *Principal
			if keys.IsRootSecret(bearer) {
				auth, res, err := engine.AuthorizeRoot(r.Context(), bearer, nil)
				if err != nil {
					writeAuthError(w, http.StatusInternalServerError, "authorization unavailable")
					return
				}
				if res != nil {
					writeAuthError(w, http.StatusUnauthorized, "invalid root key")
					return
				}
				principal = &Principal{
					WorkspaceID: auth.WorkspaceID,
					KeyID:       auth.KeyID,
				}
			} else {
				claims, err := sessions.Validate(bearer)
				if err != nil {
					writeAuthError(w, http.StatusUnauthorized, "invalid token")
					return
				}
				principal = &Principal{
					WorkspaceID: claims.WorkspaceID,
					KeyID:       claims.KeyID,
					Session:     true,
				}
			}

			ctx := context.WithValue(r.Context(), AuthPrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission enforces a permission query against the principal's root
// key. Must run after Authenticate.
func RequirePermission(engine *service.Engine, query rbac.Query) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			granted, err := engine.PermissionsForKey(r.Context(), principal.KeyID)
			if err != nil {
				writeAuthError(w, http.StatusInternalServerError, "authorization unavailable")
				return
			}
			ok, err := rbac.Evaluate(query, rbac.PermissionSet(granted))
			if err != nil || !ok {
				writeAuthError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			principal.Permissions = granted
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipal extracts the authenticated principal from the context, or nil
// for an unauthenticated request.
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// writeAuthError emits the same envelope as the handler package so clients
// see one error shape regardless of which layer refused the request.
func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Message: message},
	})
}
