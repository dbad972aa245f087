package service

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
)

// Sessions exchanges a verified root key for a short-lived signed token so
// dashboards and scripts do not have to hold the root secret for the whole
// session. Tokens carry the managed workspace and the issuing key id.
type Sessions struct {
	secret []byte
	ttl    time.Duration
}

// NewSessions creates a session issuer. ttl bounds token lifetime.
func NewSessions(secret string, ttl time.Duration) *Sessions {
	return &Sessions{secret: []byte(secret), ttl: ttl}
}

// SessionClaims is the token payload.
type SessionClaims struct {
	WorkspaceID string `json:"workspace_id"`
	KeyID       string `json:"key_id"`
	jwt.RegisteredClaims
}

// Issue creates a signed session token for an authorized root key.
func (s *Sessions) Issue(workspaceID, keyID string) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(s.ttl)
	claims := SessionClaims{
		WorkspaceID: workspaceID,
		KeyID:       keyID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Issuer:    "keygate",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// Validate verifies a session token and returns its claims.
func (s *Sessions) Validate(tokenStr string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidCredentials
	}
	if !token.Valid {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}
