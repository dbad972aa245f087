package model

import "time"

// Key is a verifiable credential. The raw secret is never stored; only a
// SHA-256 hash and a short display prefix are persisted. A key belongs to
// exactly one keyring (keyspace) inside one workspace.
type Key struct {
	ID          string     `json:"id" db:"id"`
	Hash        string     `json:"-" db:"hash"` // SHA-256 hex, never expose
	Start       string     `json:"start" db:"start"`
	WorkspaceID string     `json:"workspace_id" db:"workspace_id"`
	KeyringID   string     `json:"keyring_id" db:"keyring_id"`
	OwnerID     string     `json:"owner_id,omitempty" db:"owner_id"`
	Name        string     `json:"name,omitempty" db:"name"`
	Meta        string     `json:"meta,omitempty" db:"meta"` // opaque JSON blob
	Enabled     bool       `json:"enabled" db:"enabled"`
	Expires     *time.Time `json:"expires,omitempty" db:"expires"`

	// Remaining is the usage quota. nil means unlimited. A non-nil value is
	// never negative: the decrement is a conditional update that refuses to
	// cross zero.
	Remaining *int64 `json:"remaining,omitempty" db:"remaining"`

	// ForWorkspaceID is set only on root keys: it names the workspace the
	// key is authorized to manage.
	ForWorkspaceID string `json:"for_workspace_id,omitempty" db:"for_workspace_id"`

	Refill    *Refill       `json:"refill,omitempty"`
	Ratelimit *KeyRatelimit `json:"ratelimit,omitempty"`

	TotalUses int64      `json:"total_uses" db:"total_uses"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Refill restores a key's remaining quota on a fixed interval. Absence of a
// Refill (nil pointer) means the quota is never restored; a configured refill
// with Amount zero is a distinct, valid state.
type Refill struct {
	Interval     time.Duration `json:"interval"`
	Amount       int64         `json:"amount"`
	LastRefillAt *time.Time    `json:"last_refill_at,omitempty"`
}

// KeyRatelimit is a rate limit carried directly on a key: Limit requests per
// RefillInterval. Type selects enforcement mode ("consistent" checks the
// counter synchronously; "fast" tolerates a stale read for latency).
type KeyRatelimit struct {
	Limit          int64         `json:"limit"`
	RefillRate     int64         `json:"refill_rate"`
	RefillInterval time.Duration `json:"refill_interval"`
	Type           string        `json:"type"`
}

// Keyring groups keys into a keyspace within a workspace. Verification
// resolves a key through its keyring to enforce workspace scoping.
type Keyring struct {
	ID          string     `json:"id" db:"id"`
	WorkspaceID string     `json:"workspace_id" db:"workspace_id"`
	Name        string     `json:"name" db:"name"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Workspace is the tenant boundary. Every resource is scoped to exactly one
// workspace.
type Workspace struct {
	ID        string     `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}
