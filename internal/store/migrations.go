package store

import (
	"fmt"
	"strings"
)

// migrate applies the schema. Statements are written to the portable subset
// the three supported drivers share: app-generated TEXT primary keys, BIGINT
// counters, nullable TIMESTAMP soft-delete markers.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			deleted_at TIMESTAMP NULL,
			UNIQUE (name)
		)`,

		`CREATE TABLE IF NOT EXISTS keyrings (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			deleted_at TIMESTAMP NULL,
			UNIQUE (workspace_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			start TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			keyring_id TEXT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			meta TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			expires TIMESTAMP NULL,
			remaining BIGINT NULL,
			for_workspace_id TEXT NOT NULL DEFAULT '',
			refill_interval_ms BIGINT NULL,
			refill_amount BIGINT NULL,
			last_refill_at TIMESTAMP NULL,
			rl_limit BIGINT NULL,
			rl_refill_rate BIGINT NULL,
			rl_refill_interval_ms BIGINT NULL,
			rl_type TEXT NOT NULL DEFAULT '',
			total_uses BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			deleted_at TIMESTAMP NULL,
			UNIQUE (hash)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_api_keys_keyring ON api_keys (keyring_id)`,

		`CREATE TABLE IF NOT EXISTS permissions (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			deleted_at TIMESTAMP NULL,
			UNIQUE (workspace_id, name),
			UNIQUE (workspace_id, slug)
		)`,

		`CREATE TABLE IF NOT EXISTS roles (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			deleted_at TIMESTAMP NULL,
			UNIQUE (workspace_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS roles_permissions (
			role_id TEXT NOT NULL,
			permission_id TEXT NOT NULL,
			PRIMARY KEY (role_id, permission_id)
		)`,

		`CREATE TABLE IF NOT EXISTS keys_roles (
			key_id TEXT NOT NULL,
			role_id TEXT NOT NULL,
			PRIMARY KEY (key_id, role_id)
		)`,

		`CREATE TABLE IF NOT EXISTS keys_permissions (
			key_id TEXT NOT NULL,
			permission_id TEXT NOT NULL,
			PRIMARY KEY (key_id, permission_id)
		)`,

		`CREATE TABLE IF NOT EXISTS ratelimit_namespaces (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			deleted_at TIMESTAMP NULL,
			UNIQUE (workspace_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS ratelimit_overrides (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			namespace_id TEXT NOT NULL,
			identifier TEXT NOT NULL,
			limit_max BIGINT NOT NULL,
			duration_ms BIGINT NOT NULL,
			async BOOLEAN NULL,
			created_at TIMESTAMP NOT NULL,
			deleted_at TIMESTAMP NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_overrides_namespace ON ratelimit_overrides (namespace_id)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			actor_key_id TEXT NOT NULL DEFAULT '',
			event TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// ADD COLUMN migrations fail when re-applied; treat duplicates
			// as a no-op so the list stays idempotent.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
