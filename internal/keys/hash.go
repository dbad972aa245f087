// Package keys provides secret hashing and generation for API keys.
//
// Secrets are hashed with plain SHA-256, not a slow password hash: lookups
// must find the stored record by exact digest equality, so the function has
// to be deterministic across processes and carry no salt.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Secret prefixes distinguish end-user keys from root keys at a glance and
// let the auth middleware route a bearer token without a store round-trip.
const (
	SecretPrefix     = "keygate_"
	RootSecretPrefix = "kgr_"

	// StartLength is how many characters of the raw secret are kept as the
	// display prefix. Enough to identify a key in a list, useless to guess
	// the rest.
	StartLength = 12
)

// Hash returns the hex-encoded SHA-256 digest of a raw secret.
func Hash(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// Generated is a freshly minted secret plus its derived storage fields.
type Generated struct {
	Secret string // shown once, never persisted
	Hash   string
	Start  string
}

// Generate mints a new secret with the given prefix and byteLen random bytes.
// byteLen below 16 is rejected as a client error.
func Generate(prefix string, byteLen int) (Generated, error) {
	if byteLen < 16 {
		return Generated{}, fmt.Errorf("key length %d bytes is below the 16 byte minimum", byteLen)
	}
	buf := make([]byte, byteLen)
	if _, err := rand.Read(buf); err != nil {
		return Generated{}, fmt.Errorf("generate random secret: %w", err)
	}
	secret := prefix + hex.EncodeToString(buf)
	return Generated{
		Secret: secret,
		Hash:   Hash(secret),
		Start:  Start(secret),
	}, nil
}

// Start returns the display prefix of a raw secret.
func Start(secret string) string {
	if len(secret) <= StartLength {
		return secret
	}
	return secret[:StartLength]
}

// IsRootSecret reports whether a bearer token looks like a root key secret.
func IsRootSecret(secret string) bool {
	return strings.HasPrefix(secret, RootSecretPrefix)
}

// NewID returns a prefixed resource id, e.g. NewID("key") -> "key_<uuid7>".
// UUIDv7 keeps ids roughly time-ordered, which keeps index pages warm.
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")
}
