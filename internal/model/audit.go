package model

import "time"

// AuditRecord is an append-only trace of a management mutation. Only the
// insert is in scope here; querying and retention live elsewhere.
type AuditRecord struct {
	ID          string    `json:"id" db:"id"`
	WorkspaceID string    `json:"workspace_id" db:"workspace_id"`
	ActorKeyID  string    `json:"actor_key_id" db:"actor_key_id"`
	Event       string    `json:"event" db:"event"` // e.g. "ratelimit.override.deleted"
	ResourceID  string    `json:"resource_id" db:"resource_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
