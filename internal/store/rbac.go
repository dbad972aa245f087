package store

import (
	"context"
	"fmt"

	"github.com/keygatehq/keygate/internal/model"
)

// ---------------------------------------------------------------------------
// Permissions
// ---------------------------------------------------------------------------

// CreatePermission inserts a permission. CreatedAt is populated. Name and
// slug uniqueness per workspace is enforced by the schema.
func (s *Store) CreatePermission(ctx context.Context, p *model.Permission) error {
	p.CreatedAt = now()
	_, err := s.db.ExecContext(ctx, s.rebind(
		"INSERT INTO permissions (id, workspace_id, name, slug, description, created_at) VALUES (?, ?, ?, ?, ?, ?)"),
		p.ID, p.WorkspaceID, p.Name, p.Slug, p.Description, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert permission: %w", err)
	}
	return nil
}

// GetPermission returns a live permission by id within a workspace.
func (s *Store) GetPermission(ctx context.Context, workspaceID, id string) (*model.Permission, error) {
	var p model.Permission
	err := s.db.GetContext(ctx, &p, s.rebind(
		"SELECT * FROM permissions WHERE id = ? AND workspace_id = ? AND deleted_at IS NULL"), id, workspaceID)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get permission: %w", err)
	}
	return &p, nil
}

// GetPermissionByName returns a live permission by its workspace-unique name.
func (s *Store) GetPermissionByName(ctx context.Context, workspaceID, name string) (*model.Permission, error) {
	var p model.Permission
	err := s.db.GetContext(ctx, &p, s.rebind(
		"SELECT * FROM permissions WHERE workspace_id = ? AND name = ? AND deleted_at IS NULL"), workspaceID, name)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get permission by name: %w", err)
	}
	return &p, nil
}

// ListPermissions returns all live permissions in a workspace.
func (s *Store) ListPermissions(ctx context.Context, workspaceID string) ([]model.Permission, error) {
	var perms []model.Permission
	err := s.db.SelectContext(ctx, &perms, s.rebind(
		"SELECT * FROM permissions WHERE workspace_id = ? AND deleted_at IS NULL ORDER BY name"), workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	return perms, nil
}

// SoftDeletePermission marks a permission deleted.
func (s *Store) SoftDeletePermission(ctx context.Context, workspaceID, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE permissions SET deleted_at = ? WHERE id = ? AND workspace_id = ? AND deleted_at IS NULL"),
		now(), id, workspaceID)
	if err != nil {
		return fmt.Errorf("delete permission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Roles
// ---------------------------------------------------------------------------

// CreateRole inserts a role. CreatedAt is populated.
func (s *Store) CreateRole(ctx context.Context, r *model.Role) error {
	r.CreatedAt = now()
	_, err := s.db.ExecContext(ctx, s.rebind(
		"INSERT INTO roles (id, workspace_id, name, description, created_at) VALUES (?, ?, ?, ?, ?)"),
		r.ID, r.WorkspaceID, r.Name, r.Description, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert role: %w", err)
	}
	return nil
}

// GetRole returns a live role by id, including its permissions.
func (s *Store) GetRole(ctx context.Context, workspaceID, id string) (*model.Role, error) {
	var r model.Role
	err := s.db.GetContext(ctx, &r, s.rebind(
		"SELECT * FROM roles WHERE id = ? AND workspace_id = ? AND deleted_at IS NULL"), id, workspaceID)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get role: %w", err)
	}
	perms, err := s.rolePermissions(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Permissions = perms
	return &r, nil
}

// GetRoleByName returns a live role by its workspace-unique name.
func (s *Store) GetRoleByName(ctx context.Context, workspaceID, name string) (*model.Role, error) {
	var r model.Role
	err := s.db.GetContext(ctx, &r, s.rebind(
		"SELECT * FROM roles WHERE workspace_id = ? AND name = ? AND deleted_at IS NULL"), workspaceID, name)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get role by name: %w", err)
	}
	perms, err := s.rolePermissions(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	r.Permissions = perms
	return &r, nil
}

// ListRoles returns all live roles in a workspace with their permissions.
func (s *Store) ListRoles(ctx context.Context, workspaceID string) ([]model.Role, error) {
	var roles []model.Role
	err := s.db.SelectContext(ctx, &roles, s.rebind(
		"SELECT * FROM roles WHERE workspace_id = ? AND deleted_at IS NULL ORDER BY name"), workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	for i := range roles {
		perms, err := s.rolePermissions(ctx, roles[i].ID)
		if err != nil {
			return nil, err
		}
		roles[i].Permissions = perms
	}
	return roles, nil
}

// SoftDeleteRole marks a role deleted. Attachments stay but stop
// contributing to any key's effective permission set.
func (s *Store) SoftDeleteRole(ctx context.Context, workspaceID, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE roles SET deleted_at = ? WHERE id = ? AND workspace_id = ? AND deleted_at IS NULL"),
		now(), id, workspaceID)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) rolePermissions(ctx context.Context, roleID string) ([]model.Permission, error) {
	var perms []model.Permission
	err := s.db.SelectContext(ctx, &perms, s.rebind(
		`SELECT p.* FROM permissions p
		 JOIN roles_permissions rp ON rp.permission_id = p.id
		 WHERE rp.role_id = ? AND p.deleted_at IS NULL ORDER BY p.name`), roleID)
	if err != nil {
		return nil, fmt.Errorf("role permissions: %w", err)
	}
	return perms, nil
}

// ---------------------------------------------------------------------------
// Attachments
// ---------------------------------------------------------------------------

// attach inserts a pair into a join table, deleting any existing pair first
// so the operation is idempotent across all three drivers.
func (s *Store) attach(ctx context.Context, table, colA, colB, a, b string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	del := fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ?", table, colA, colB)
	if _, err := tx.ExecContext(ctx, s.rebind(del), a, b); err != nil {
		return fmt.Errorf("detach existing: %w", err)
	}
	ins := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, ?)", table, colA, colB)
	if _, err := tx.ExecContext(ctx, s.rebind(ins), a, b); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	return tx.Commit()
}

func (s *Store) detach(ctx context.Context, table, colA, colB, a, b string) error {
	del := fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ?", table, colA, colB)
	res, err := s.db.ExecContext(ctx, s.rebind(del), a, b)
	if err != nil {
		return fmt.Errorf("detach: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddPermissionToRole attaches a permission to a role (idempotent).
func (s *Store) AddPermissionToRole(ctx context.Context, roleID, permissionID string) error {
	return s.attach(ctx, "roles_permissions", "role_id", "permission_id", roleID, permissionID)
}

// RemovePermissionFromRole detaches a permission from a role.
func (s *Store) RemovePermissionFromRole(ctx context.Context, roleID, permissionID string) error {
	return s.detach(ctx, "roles_permissions", "role_id", "permission_id", roleID, permissionID)
}

// AttachRoleToKey attaches a role to a key (idempotent).
func (s *Store) AttachRoleToKey(ctx context.Context, keyID, roleID string) error {
	return s.attach(ctx, "keys_roles", "key_id", "role_id", keyID, roleID)
}

// DetachRoleFromKey detaches a role from a key.
func (s *Store) DetachRoleFromKey(ctx context.Context, keyID, roleID string) error {
	return s.detach(ctx, "keys_roles", "key_id", "role_id", keyID, roleID)
}

// AttachPermissionToKey grants a permission directly to a key (idempotent).
func (s *Store) AttachPermissionToKey(ctx context.Context, keyID, permissionID string) error {
	return s.attach(ctx, "keys_permissions", "key_id", "permission_id", keyID, permissionID)
}

// DetachPermissionFromKey revokes a direct permission grant.
func (s *Store) DetachPermissionFromKey(ctx context.Context, keyID, permissionID string) error {
	return s.detach(ctx, "keys_permissions", "key_id", "permission_id", keyID, permissionID)
}

// ---------------------------------------------------------------------------
// Effective permissions
// ---------------------------------------------------------------------------

// FindPermissionsForKey returns a key's effective permission names: the
// union of direct grants and grants through every live attached role.
func (s *Store) FindPermissionsForKey(ctx context.Context, keyID string) ([]string, error) {
	var names []string
	err := s.db.SelectContext(ctx, &names, s.rebind(
		`SELECT p.name FROM permissions p
		   JOIN keys_permissions kp ON kp.permission_id = p.id
		  WHERE kp.key_id = ? AND p.deleted_at IS NULL
		 UNION
		 SELECT p.name FROM permissions p
		   JOIN roles_permissions rp ON rp.permission_id = p.id
		   JOIN roles r ON r.id = rp.role_id
		   JOIN keys_roles kr ON kr.role_id = rp.role_id
		  WHERE kr.key_id = ? AND p.deleted_at IS NULL AND r.deleted_at IS NULL`),
		keyID, keyID)
	if err != nil {
		return nil, fmt.Errorf("permissions for key: %w", err)
	}
	return names, nil
}

// FindRolesForKey returns the live roles attached to a key.
func (s *Store) FindRolesForKey(ctx context.Context, keyID string) ([]model.Role, error) {
	var roles []model.Role
	err := s.db.SelectContext(ctx, &roles, s.rebind(
		`SELECT r.* FROM roles r
		   JOIN keys_roles kr ON kr.role_id = r.id
		  WHERE kr.key_id = ? AND r.deleted_at IS NULL ORDER BY r.name`), keyID)
	if err != nil {
		return nil, fmt.Errorf("roles for key: %w", err)
	}
	return roles, nil
}
