package model

import "time"

// RatelimitNamespace is a named grouping of rate-limit rules within a
// workspace. Namespaces are unique per workspace by id and by name.
type RatelimitNamespace struct {
	ID          string     `json:"id" db:"id"`
	WorkspaceID string     `json:"workspace_id" db:"workspace_id"`
	Name        string     `json:"name" db:"name"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// RatelimitOverride supersedes a namespace's default limit for a specific
// identifier. An identifier ending in '*' is a wildcard-suffix rule: its
// fixed prefix is matched against the start of the requested identifier.
// Exact rules always beat wildcard rules.
type RatelimitOverride struct {
	ID          string     `json:"id" db:"id"`
	WorkspaceID string     `json:"workspace_id" db:"workspace_id"`
	NamespaceID string     `json:"namespace_id" db:"namespace_id"`
	Identifier  string     `json:"identifier" db:"identifier"`
	Limit       int64      `json:"limit" db:"limit_max"`
	Duration    int64      `json:"duration" db:"duration_ms"` // window, milliseconds
	Async       *bool      `json:"async,omitempty" db:"async"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Window returns the override's duration as a time.Duration.
func (o *RatelimitOverride) Window() time.Duration {
	return time.Duration(o.Duration) * time.Millisecond
}
