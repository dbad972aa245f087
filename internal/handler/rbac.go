package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/keygatehq/keygate/internal/keys"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/server/middleware"
	"github.com/keygatehq/keygate/internal/store"
)

// RBACHandler manages permissions and roles within the principal's
// workspace.
type RBACHandler struct {
	store *store.Store
}

// NewRBACHandler creates an RBACHandler.
func NewRBACHandler(st *store.Store) *RBACHandler {
	return &RBACHandler{store: st}
}

// ---------------------------------------------------------------------------
// Permissions
// ---------------------------------------------------------------------------

type createPermissionRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug,omitempty"`
	Description string `json:"description,omitempty"`
}

// CreatePermission registers a permission name.
// POST /v1/permissions
func (h *RBACHandler) CreatePermission(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	var req createPermissionRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	slug := req.Slug
	if slug == "" {
		slug = strings.ReplaceAll(req.Name, ".", "-")
	}

	p := &model.Permission{
		ID:          keys.NewID("perm"),
		WorkspaceID: principal.WorkspaceID,
		Name:        req.Name,
		Slug:        slug,
		Description: req.Description,
	}
	if err := h.store.CreatePermission(r.Context(), p); err != nil {
		status, msg := classifyDBError(err, "failed to create permission")
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListPermissions returns all live permissions in the workspace.
// GET /v1/permissions
func (h *RBACHandler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	perms, err := h.store.ListPermissions(r.Context(), principal.WorkspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list permissions: "+err.Error())
		return
	}
	resources := make([]map[string]interface{}, 0, len(perms))
	for i := range perms {
		resources = append(resources, permissionToMap(&perms[i]))
	}
	writeJSON(w, http.StatusOK, listResponse(resources))
}

// GetPermission returns one permission.
// GET /v1/permissions/{permissionID}
func (h *RBACHandler) GetPermission(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	id := chi.URLParam(r, "permissionID")

	p, err := h.store.GetPermission(r.Context(), principal.WorkspaceID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "permission not found: "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get permission: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeletePermission soft-deletes a permission and appends an audit record.
// DELETE /v1/permissions/{permissionID}
func (h *RBACHandler) DeletePermission(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	id := chi.URLParam(r, "permissionID")

	if err := h.store.SoftDeletePermission(r.Context(), principal.WorkspaceID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "permission not found: "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete permission: "+err.Error())
		return
	}
	h.audit(w, r, "permission.deleted", id)
}

// ---------------------------------------------------------------------------
// Roles
// ---------------------------------------------------------------------------

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CreateRole creates a role.
// POST /v1/roles
func (h *RBACHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	var req createRoleRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	role := &model.Role{
		ID:          keys.NewID("role"),
		WorkspaceID: principal.WorkspaceID,
		Name:        req.Name,
		Description: req.Description,
	}
	if err := h.store.CreateRole(r.Context(), role); err != nil {
		status, msg := classifyDBError(err, "failed to create role")
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

// ListRoles returns all live roles in the workspace with their permissions.
// GET /v1/roles
func (h *RBACHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	roles, err := h.store.ListRoles(r.Context(), principal.WorkspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list roles: "+err.Error())
		return
	}
	resources := make([]map[string]interface{}, 0, len(roles))
	for i := range roles {
		resources = append(resources, roleToMap(&roles[i]))
	}
	writeJSON(w, http.StatusOK, listResponse(resources))
}

// GetRole returns one role with its permissions.
// GET /v1/roles/{roleID}
func (h *RBACHandler) GetRole(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	id := chi.URLParam(r, "roleID")

	role, err := h.store.GetRole(r.Context(), principal.WorkspaceID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "role not found: "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get role: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, role)
}

// DeleteRole soft-deletes a role. Keys attached to it lose its grants on
// their next permission resolution.
// DELETE /v1/roles/{roleID}
func (h *RBACHandler) DeleteRole(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	id := chi.URLParam(r, "roleID")

	if err := h.store.SoftDeleteRole(r.Context(), principal.WorkspaceID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "role not found: "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete role: "+err.Error())
		return
	}
	h.audit(w, r, "role.deleted", id)
}

// AddRolePermission attaches a permission to a role.
// POST /v1/roles/{roleID}/permissions/{permissionID}
func (h *RBACHandler) AddRolePermission(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	roleID := chi.URLParam(r, "roleID")
	permID := chi.URLParam(r, "permissionID")

	if _, err := h.store.GetRole(r.Context(), principal.WorkspaceID, roleID); err != nil {
		writeError(w, http.StatusNotFound, "role not found: "+roleID)
		return
	}
	if _, err := h.store.GetPermission(r.Context(), principal.WorkspaceID, permID); err != nil {
		writeError(w, http.StatusNotFound, "permission not found: "+permID)
		return
	}
	if err := h.store.AddPermissionToRole(r.Context(), roleID, permID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to attach permission: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// RemoveRolePermission detaches a permission from a role.
// DELETE /v1/roles/{roleID}/permissions/{permissionID}
func (h *RBACHandler) RemoveRolePermission(w http.ResponseWriter, r *http.Request) {
	roleID := chi.URLParam(r, "roleID")
	permID := chi.URLParam(r, "permissionID")

	if err := h.store.RemovePermissionFromRole(r.Context(), roleID, permID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "permission not attached: "+permID)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to detach permission: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// audit appends a soft-delete audit record and writes the success envelope.
func (h *RBACHandler) audit(w http.ResponseWriter, r *http.Request, event, resourceID string) {
	principal := middleware.GetPrincipal(r.Context())
	rec := &model.AuditRecord{
		ID:          keys.NewID("audit"),
		WorkspaceID: principal.WorkspaceID,
		ActorKeyID:  principal.KeyID,
		Event:       event,
		ResourceID:  resourceID,
	}
	if err := h.store.AppendAudit(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record audit entry: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func permissionToMap(p *model.Permission) map[string]interface{} {
	m := map[string]interface{}{
		"id":         p.ID,
		"name":       p.Name,
		"slug":       p.Slug,
		"created_at": p.CreatedAt,
	}
	if p.Description != "" {
		m["description"] = p.Description
	}
	return m
}

func roleToMap(role *model.Role) map[string]interface{} {
	return map[string]interface{}{
		"id":          role.ID,
		"name":        role.Name,
		"description": role.Description,
		"permissions": role.Permissions,
		"created_at":  role.CreatedAt,
	}
}
