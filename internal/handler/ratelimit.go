package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keygatehq/keygate/internal/keys"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/ratelimit"
	"github.com/keygatehq/keygate/internal/server/middleware"
	"github.com/keygatehq/keygate/internal/service"
	"github.com/keygatehq/keygate/internal/store"
)

// RatelimitHandler manages namespaces and overrides and serves the
// standalone limit check.
type RatelimitHandler struct {
	store  *store.Store
	engine *service.Engine
}

// NewRatelimitHandler creates a RatelimitHandler.
func NewRatelimitHandler(st *store.Store, engine *service.Engine) *RatelimitHandler {
	return &RatelimitHandler{store: st, engine: engine}
}

// ---------------------------------------------------------------------------
// Limit check
// ---------------------------------------------------------------------------

type limitRequest struct {
	Namespace  string `json:"namespace"`
	Identifier string `json:"identifier"`
	Limit      int64  `json:"limit"`
	Duration   int64  `json:"duration"` // milliseconds
	Cost       int64  `json:"cost,omitempty"`
}

// Limit checks an identifier against a namespace: override resolution first,
// then the window counter.
// POST /v1/ratelimits.limit
func (h *RatelimitHandler) Limit(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	var req limitRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Namespace == "" || req.Identifier == "" {
		writeError(w, http.StatusBadRequest, "namespace and identifier are required")
		return
	}

	res, err := h.engine.Limit(r.Context(), principal.WorkspaceID, service.LimitRequest{
		Namespace:  req.Namespace,
		Identifier: req.Identifier,
		Limit:      req.Limit,
		Duration:   time.Duration(req.Duration) * time.Millisecond,
		Cost:       req.Cost,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "ratelimit check unavailable")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ---------------------------------------------------------------------------
// Namespaces
// ---------------------------------------------------------------------------

// CreateNamespace registers a ratelimit namespace.
// POST /v1/ratelimit-namespaces
func (h *RatelimitHandler) CreateNamespace(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	var req struct {
		Name string `json:"name"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	ns := &model.RatelimitNamespace{
		ID:          keys.NewID("ns"),
		WorkspaceID: principal.WorkspaceID,
		Name:        req.Name,
	}
	if err := h.store.CreateNamespace(r.Context(), ns); err != nil {
		status, msg := classifyDBError(err, "failed to create namespace")
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusCreated, ns)
}

// ListNamespaces returns the workspace's live namespaces.
// GET /v1/ratelimit-namespaces
func (h *RatelimitHandler) ListNamespaces(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	nss, err := h.store.ListNamespaces(r.Context(), principal.WorkspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list namespaces: "+err.Error())
		return
	}
	resources := make([]map[string]interface{}, 0, len(nss))
	for _, ns := range nss {
		resources = append(resources, map[string]interface{}{
			"id":         ns.ID,
			"name":       ns.Name,
			"created_at": ns.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, listResponse(resources))
}

// DeleteNamespace soft-deletes a namespace and appends an audit record.
// DELETE /v1/ratelimit-namespaces/{namespaceID}
func (h *RatelimitHandler) DeleteNamespace(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	id := chi.URLParam(r, "namespaceID")

	if err := h.store.SoftDeleteNamespace(r.Context(), principal.WorkspaceID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "namespace not found: "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete namespace: "+err.Error())
		return
	}
	h.audit(w, r, "ratelimit.namespace.deleted", id)
}

// ---------------------------------------------------------------------------
// Overrides
// ---------------------------------------------------------------------------

type overrideRequest struct {
	NamespaceID string `json:"namespace_id"`
	Identifier  string `json:"identifier"`
	Limit       int64  `json:"limit"`
	Duration    int64  `json:"duration"` // milliseconds
	Async       *bool  `json:"async,omitempty"`
}

// CreateOverride adds a per-identifier override to a namespace.
// POST /v1/ratelimit-overrides
func (h *RatelimitHandler) CreateOverride(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	var req overrideRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.NamespaceID == "" || req.Identifier == "" {
		writeError(w, http.StatusBadRequest, "namespace_id and identifier are required")
		return
	}
	if req.Limit <= 0 || req.Duration <= 0 {
		writeError(w, http.StatusBadRequest, "limit and duration must be positive")
		return
	}
	if _, err := h.store.GetNamespace(r.Context(), principal.WorkspaceID, req.NamespaceID); err != nil {
		writeError(w, http.StatusNotFound, "namespace not found: "+req.NamespaceID)
		return
	}

	o := &model.RatelimitOverride{
		ID:          keys.NewID("ovr"),
		WorkspaceID: principal.WorkspaceID,
		NamespaceID: req.NamespaceID,
		Identifier:  req.Identifier,
		Limit:       req.Limit,
		Duration:    req.Duration,
		Async:       req.Async,
	}
	if err := h.store.CreateOverride(r.Context(), o); err != nil {
		status, msg := classifyDBError(err, "failed to create override")
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ListOverrides returns a namespace's live overrides.
// GET /v1/ratelimit-overrides?namespace_id=...
func (h *RatelimitHandler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	nsID := r.URL.Query().Get("namespace_id")
	if nsID == "" {
		writeError(w, http.StatusBadRequest, "namespace_id query parameter is required")
		return
	}
	if _, err := h.store.GetNamespace(r.Context(), principal.WorkspaceID, nsID); err != nil {
		writeError(w, http.StatusNotFound, "namespace not found: "+nsID)
		return
	}

	overrides, err := h.store.FindOverridesForNamespace(r.Context(), nsID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list overrides: "+err.Error())
		return
	}
	resources := make([]map[string]interface{}, 0, len(overrides))
	for i := range overrides {
		resources = append(resources, overrideToMap(&overrides[i]))
	}
	writeJSON(w, http.StatusOK, listResponse(resources))
}

// GetOverride returns one live override.
// GET /v1/ratelimit-overrides/{overrideID}
func (h *RatelimitHandler) GetOverride(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	id := chi.URLParam(r, "overrideID")

	o, err := h.store.GetOverride(r.Context(), principal.WorkspaceID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "override not found: "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get override: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, overrideToMap(o))
}

// UpdateOverride replaces an override's limit, duration, and async flag.
// PUT /v1/ratelimit-overrides/{overrideID}
func (h *RatelimitHandler) UpdateOverride(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	id := chi.URLParam(r, "overrideID")

	o, err := h.store.GetOverride(r.Context(), principal.WorkspaceID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "override not found: "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get override: "+err.Error())
		return
	}

	var req overrideRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Limit > 0 {
		o.Limit = req.Limit
	}
	if req.Duration > 0 {
		o.Duration = req.Duration
	}
	if req.Async != nil {
		o.Async = req.Async
	}
	if err := h.store.UpdateOverride(r.Context(), o); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update override: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, overrideToMap(o))
}

// DeleteOverride soft-deletes an override and appends an audit record
// referencing the override id.
// DELETE /v1/ratelimit-overrides/{overrideID}
func (h *RatelimitHandler) DeleteOverride(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	id := chi.URLParam(r, "overrideID")

	if err := h.store.SoftDeleteOverride(r.Context(), principal.WorkspaceID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "override not found: "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete override: "+err.Error())
		return
	}
	h.audit(w, r, "ratelimit.override.deleted", id)
}

// ResolveOverride reports which override would apply to an identifier
// without counting anything. Useful for debugging precedence.
// GET /v1/ratelimit-overrides.resolve?namespace_id=...&identifier=...
func (h *RatelimitHandler) ResolveOverride(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	nsID := r.URL.Query().Get("namespace_id")
	identifier := r.URL.Query().Get("identifier")
	if nsID == "" || identifier == "" {
		writeError(w, http.StatusBadRequest, "namespace_id and identifier query parameters are required")
		return
	}
	if _, err := h.store.GetNamespace(r.Context(), principal.WorkspaceID, nsID); err != nil {
		writeError(w, http.StatusNotFound, "namespace not found: "+nsID)
		return
	}

	candidates, err := h.store.FindOverridesForNamespace(r.Context(), nsID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load overrides: "+err.Error())
		return
	}
	o := ratelimit.Resolve(identifier, candidates)
	if o == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"override": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"override": overrideToMap(o)})
}

func (h *RatelimitHandler) audit(w http.ResponseWriter, r *http.Request, event, resourceID string) {
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

func overrideToMap(o *model.RatelimitOverride) map[string]interface{} {
	m := map[string]interface{}{
		"id":           o.ID,
		"namespace_id": o.NamespaceID,
		"identifier":   o.Identifier,
		"limit":        o.Limit,
		"duration":     o.Duration,
		"created_at":   o.CreatedAt,
	}
	if o.Async != nil {
		m["async"] = *o.Async
	}
	return m
}
