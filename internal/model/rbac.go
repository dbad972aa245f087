package model

import "time"

// Permission is an RBAC primitive: a dot-segmented capability name such as
// "api.*.create_key". Names and slugs are unique per workspace.
type Permission struct {
	ID          string     `json:"id" db:"id"`
	WorkspaceID string     `json:"workspace_id" db:"workspace_id"`
	Name        string     `json:"name" db:"name"`
	Slug        string     `json:"slug" db:"slug"`
	Description string     `json:"description" db:"description"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Role groups permissions. Roles attach to keys many-to-many; a key's
// effective permission set is the union of its direct permissions and the
// permissions of every attached role.
type Role struct {
	ID          string     `json:"id" db:"id"`
	WorkspaceID string     `json:"workspace_id" db:"workspace_id"`
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description" db:"description"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`

	// Permissions is populated on reads that join roles_permissions.
	Permissions []Permission `json:"permissions,omitempty"`
}
