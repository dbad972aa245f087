package store

import (
	"context"
	"fmt"

	"github.com/keygatehq/keygate/internal/model"
)

// ---------------------------------------------------------------------------
// Ratelimit namespaces
// ---------------------------------------------------------------------------

// CreateNamespace inserts a ratelimit namespace. CreatedAt is populated.
func (s *Store) CreateNamespace(ctx context.Context, ns *model.RatelimitNamespace) error {
	ns.CreatedAt = now()
	_, err := s.db.ExecContext(ctx, s.rebind(
		"INSERT INTO ratelimit_namespaces (id, workspace_id, name, created_at) VALUES (?, ?, ?, ?)"),
		ns.ID, ns.WorkspaceID, ns.Name, ns.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert namespace: %w", err)
	}
	return nil
}

// GetNamespace returns a live namespace by id within a workspace.
func (s *Store) GetNamespace(ctx context.Context, workspaceID, id string) (*model.RatelimitNamespace, error) {
	var ns model.RatelimitNamespace
	err := s.db.GetContext(ctx, &ns, s.rebind(
		"SELECT * FROM ratelimit_namespaces WHERE id = ? AND workspace_id = ? AND deleted_at IS NULL"),
		id, workspaceID)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get namespace: %w", err)
	}
	return &ns, nil
}

// GetNamespaceByName returns a live namespace by its workspace-unique name.
func (s *Store) GetNamespaceByName(ctx context.Context, workspaceID, name string) (*model.RatelimitNamespace, error) {
	var ns model.RatelimitNamespace
	err := s.db.GetContext(ctx, &ns, s.rebind(
		"SELECT * FROM ratelimit_namespaces WHERE workspace_id = ? AND name = ? AND deleted_at IS NULL"),
		workspaceID, name)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get namespace by name: %w", err)
	}
	return &ns, nil
}

// ListNamespaces returns all live namespaces in a workspace.
func (s *Store) ListNamespaces(ctx context.Context, workspaceID string) ([]model.RatelimitNamespace, error) {
	var nss []model.RatelimitNamespace
	err := s.db.SelectContext(ctx, &nss, s.rebind(
		"SELECT * FROM ratelimit_namespaces WHERE workspace_id = ? AND deleted_at IS NULL ORDER BY name"),
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	return nss, nil
}

// SoftDeleteNamespace marks a namespace deleted.
func (s *Store) SoftDeleteNamespace(ctx context.Context, workspaceID, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE ratelimit_namespaces SET deleted_at = ? WHERE id = ? AND workspace_id = ? AND deleted_at IS NULL"),
		now(), id, workspaceID)
	if err != nil {
		return fmt.Errorf("delete namespace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Ratelimit overrides
// ---------------------------------------------------------------------------

// CreateOverride inserts an override. CreatedAt is populated.
func (s *Store) CreateOverride(ctx context.Context, o *model.RatelimitOverride) error {
	o.CreatedAt = now()
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO ratelimit_overrides
		 (id, workspace_id, namespace_id, identifier, limit_max, duration_ms, async, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		o.ID, o.WorkspaceID, o.NamespaceID, o.Identifier, o.Limit, o.Duration, o.Async, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert override: %w", err)
	}
	return nil
}

// GetOverride returns an override by id within a workspace. Soft-deleted
// overrides report ErrNotFound.
func (s *Store) GetOverride(ctx context.Context, workspaceID, id string) (*model.RatelimitOverride, error) {
	var o model.RatelimitOverride
	err := s.db.GetContext(ctx, &o, s.rebind(
		"SELECT * FROM ratelimit_overrides WHERE id = ? AND workspace_id = ? AND deleted_at IS NULL"),
		id, workspaceID)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get override: %w", err)
	}
	return &o, nil
}

// UpdateOverride replaces an override's limit, duration, and async flag.
func (s *Store) UpdateOverride(ctx context.Context, o *model.RatelimitOverride) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE ratelimit_overrides SET limit_max = ?, duration_ms = ?, async = ?
		 WHERE id = ? AND workspace_id = ? AND deleted_at IS NULL`),
		o.Limit, o.Duration, o.Async, o.ID, o.WorkspaceID)
	if err != nil {
		return fmt.Errorf("update override: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteOverride marks an override deleted. The row stays so audit
// records referencing it remain resolvable.
func (s *Store) SoftDeleteOverride(ctx context.Context, workspaceID, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE ratelimit_overrides SET deleted_at = ? WHERE id = ? AND workspace_id = ? AND deleted_at IS NULL"),
		now(), id, workspaceID)
	if err != nil {
		return fmt.Errorf("delete override: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindOverridesForNamespace returns the live overrides of a namespace. The
// resolver receives this list as its candidate set.
func (s *Store) FindOverridesForNamespace(ctx context.Context, namespaceID string) ([]model.RatelimitOverride, error) {
	var overrides []model.RatelimitOverride
	err := s.db.SelectContext(ctx, &overrides, s.rebind(
		"SELECT * FROM ratelimit_overrides WHERE namespace_id = ? AND deleted_at IS NULL ORDER BY id"),
		namespaceID)
	if err != nil {
		return nil, fmt.Errorf("overrides for namespace: %w", err)
	}
	return overrides, nil
}

// ---------------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------------

// AppendAudit inserts an audit record. CreatedAt is populated.
func (s *Store) AppendAudit(ctx context.Context, rec *model.AuditRecord) error {
	rec.CreatedAt = now()
	_, err := s.db.ExecContext(ctx, s.rebind(
		"INSERT INTO audit_log (id, workspace_id, actor_key_id, event, resource_id, created_at) VALUES (?, ?, ?, ?, ?, ?)"),
		rec.ID, rec.WorkspaceID, rec.ActorKeyID, rec.Event, rec.ResourceID, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// FindAuditByResource returns audit records referencing a resource id,
// newest first.
func (s *Store) FindAuditByResource(ctx context.Context, workspaceID, resourceID string) ([]model.AuditRecord, error) {
	var recs []model.AuditRecord
	err := s.db.SelectContext(ctx, &recs, s.rebind(
		"SELECT * FROM audit_log WHERE workspace_id = ? AND resource_id = ? ORDER BY created_at DESC"),
		workspaceID, resourceID)
	if err != nil {
		return nil, fmt.Errorf("audit by resource: %w", err)
	}
	return recs, nil
}
