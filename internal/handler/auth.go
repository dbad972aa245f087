package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/keygatehq/keygate/internal/service"
)

// AuthHandler exchanges root keys for session tokens.
type AuthHandler struct {
	engine   *service.Engine
	sessions *service.Sessions
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(engine *service.Engine, sessions *service.Sessions) *AuthHandler {
	return &AuthHandler{engine: engine, sessions: sessions}
}

type tokenResponse struct {
	Token     string    `json:"session_token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Token validates the bearer root key and issues a session token scoped to
// the same workspace. Session tokens cannot be exchanged again.
// POST /v1/auth.token
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		writeError(w, http.StatusUnauthorized, "provide the root key as a bearer token")
		return
	}
	secret := strings.TrimPrefix(header, "Bearer ")

	auth, res, err := h.engine.AuthorizeRoot(r.Context(), secret, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "authorization unavailable")
		return
	}
	if res != nil {
		writeError(w, http.StatusUnauthorized, "invalid root key")
		return
	}

	token, expires, err := h.sessions.Issue(auth.WorkspaceID, auth.KeyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		TokenType: "bearer",
		ExpiresAt: expires,
	})
}
