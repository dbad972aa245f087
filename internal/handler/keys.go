package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keygatehq/keygate/internal/keys"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/server/middleware"
	"github.com/keygatehq/keygate/internal/service"
	"github.com/keygatehq/keygate/internal/store"
)

// KeyHandler manages end-user keys: minting, listing, limit edits, role and
// permission attachments, revocation.
type KeyHandler struct {
	store  *store.Store
	engine *service.Engine
}

// NewKeyHandler creates a KeyHandler.
func NewKeyHandler(st *store.Store, engine *service.Engine) *KeyHandler {
	return &KeyHandler{store: st, engine: engine}
}

// loadKey fetches a live key and enforces the principal's workspace scope.
// Keys outside the workspace read as not found, never as forbidden, so the
// endpoint does not leak which ids exist.
func (h *KeyHandler) loadKey(w http.ResponseWriter, r *http.Request) *model.Key {
	id := chi.URLParam(r, "keyID")
	principal := middleware.GetPrincipal(r.Context())

	k, err := h.store.GetKey(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "key not found: "+id)
			return nil
		}
		writeError(w, http.StatusInternalServerError, "failed to load key: "+err.Error())
		return nil
	}
	if k.DeletedAt != nil || principal == nil || k.WorkspaceID != principal.WorkspaceID {
		writeError(w, http.StatusNotFound, "key not found: "+id)
		return nil
	}
	return k
}

// createKeyRequest is the payload for CreateKey.
type createKeyRequest struct {
	KeyringID  string `json:"keyring_id"`
	Name       string `json:"name,omitempty"`
	OwnerID    string `json:"owner_id,omitempty"`
	Meta       string `json:"meta,omitempty"`
	ByteLength int    `json:"byte_length,omitempty"`

	Expires   *time.Time `json:"expires,omitempty"`
	Remaining *int64     `json:"remaining,omitempty"`
	Refill    *struct {
		IntervalMs int64 `json:"interval"`
		Amount     int64 `json:"amount"`
	} `json:"refill,omitempty"`
	Ratelimit *struct {
		Limit      int64  `json:"limit"`
		RefillRate int64  `json:"refill_rate"`
		IntervalMs int64  `json:"refill_interval"`
		Type       string `json:"type"`
	} `json:"ratelimit,omitempty"`
}

// createKeyResponse carries the plaintext secret, shown exactly once.
type createKeyResponse struct {
	Key    string    `json:"key"` // plaintext, never persisted
	Record model.Key `json:"record"`
}

// CreateKey mints a secret, stores its hash, and returns the plaintext once.
// POST /v1/keys
func (h *KeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.KeyringID == "" {
		writeError(w, http.StatusBadRequest, "keyring_id is required")
		return
	}

	kr, err := h.store.GetKeyring(r.Context(), req.KeyringID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "keyring not found: "+req.KeyringID)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load keyring: "+err.Error())
		return
	}
	if kr.WorkspaceID != principal.WorkspaceID {
		writeError(w, http.StatusBadRequest, "keyring not found: "+req.KeyringID)
		return
	}

	byteLen := req.ByteLength
	if byteLen == 0 {
		byteLen = 24
	}
	gen, err := keys.Generate(keys.SecretPrefix, byteLen)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	k := &model.Key{
		ID:          keys.NewID("key"),
		Hash:        gen.Hash,
		Start:       gen.Start,
		WorkspaceID: principal.WorkspaceID,
		KeyringID:   kr.ID,
		OwnerID:     req.OwnerID,
		Name:        req.Name,
		Meta:        req.Meta,
		Enabled:     true,
		Expires:     req.Expires,
		Remaining:   req.Remaining,
	}
	if req.Refill != nil {
		k.Refill = &model.Refill{
			Interval: time.Duration(req.Refill.IntervalMs) * time.Millisecond,
			Amount:   req.Refill.Amount,
		}
	}
	if req.Ratelimit != nil {
		k.Ratelimit = &model.KeyRatelimit{
			Limit:          req.Ratelimit.Limit,
			RefillRate:     req.Ratelimit.RefillRate,
			RefillInterval: time.Duration(req.Ratelimit.IntervalMs) * time.Millisecond,
			Type:           req.Ratelimit.Type,
		}
	}

	if err := h.store.CreateKey(r.Context(), k); err != nil {
		status, msg := classifyDBError(err, "failed to create key")
		writeError(w, status, msg)
		return
	}

	// A freshly minted hash may sit in the cache as a negative entry from a
	// premature verify; drop it so the key is usable immediately.
	h.engine.InvalidateKey(k.Hash)

	writeJSON(w, http.StatusCreated, createKeyResponse{Key: gen.Secret, Record: *k})
}

// ListKeys returns the live keys of a keyring.
// GET /v1/keys?keyring_id=...
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	keyringID := r.URL.Query().Get("keyring_id")
	if keyringID == "" {
		writeError(w, http.StatusBadRequest, "keyring_id query parameter is required")
		return
	}

	kr, err := h.store.GetKeyring(r.Context(), keyringID)
	if err != nil || kr.WorkspaceID != principal.WorkspaceID {
		writeError(w, http.StatusNotFound, "keyring not found: "+keyringID)
		return
	}

	list, err := h.store.ListKeys(r.Context(), keyringID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list keys: "+err.Error())
		return
	}

	resources := make([]map[string]interface{}, 0, len(list))
	for i := range list {
		resources = append(resources, keyToMap(&list[i]))
	}
	writeJSON(w, http.StatusOK, listResponse(resources))
}

// GetKey returns one key.
// GET /v1/keys/{keyID}
func (h *KeyHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	k := h.loadKey(w, r)
	if k == nil {
		return
	}
	writeJSON(w, http.StatusOK, keyToMap(k))
}

// updateKeyRequest carries limit edits. Pointer fields distinguish "leave
// unchanged" (absent) from "clear" (null) where that matters.
type updateKeyRequest struct {
	Enabled   *bool      `json:"enabled,omitempty"`
	Expires   *time.Time `json:"expires,omitempty"`
	Remaining *int64     `json:"remaining,omitempty"`
	Refill    *struct {
		IntervalMs int64 `json:"interval"`
		Amount     int64 `json:"amount"`
	} `json:"refill,omitempty"`
	Ratelimit *struct {
		Limit      int64  `json:"limit"`
		RefillRate int64  `json:"refill_rate"`
		IntervalMs int64  `json:"refill_interval"`
		Type       string `json:"type"`
	} `json:"ratelimit,omitempty"`
}

// UpdateKey edits a key's enabled flag, quota, refill, and ratelimit.
// PUT /v1/keys/{keyID}
func (h *KeyHandler) UpdateKey(w http.ResponseWriter, r *http.Request) {
	k := h.loadKey(w, r)
	if k == nil {
		return
	}

	var req updateKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Enabled != nil {
		k.Enabled = *req.Enabled
	}
	if req.Expires != nil {
		k.Expires = req.Expires
	}
	if req.Remaining != nil {
		k.Remaining = req.Remaining
	}
	if req.Refill != nil {
		k.Refill = &model.Refill{
			Interval: time.Duration(req.Refill.IntervalMs) * time.Millisecond,
			Amount:   req.Refill.Amount,
		}
	}
	if req.Ratelimit != nil {
		k.Ratelimit = &model.KeyRatelimit{
			Limit:          req.Ratelimit.Limit,
			RefillRate:     req.Ratelimit.RefillRate,
			RefillInterval: time.Duration(req.Ratelimit.IntervalMs) * time.Millisecond,
			Type:           req.Ratelimit.Type,
		}
	}

	if err := h.store.UpdateKeyLimits(r.Context(), k); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update key: "+err.Error())
		return
	}
	h.engine.InvalidateKey(k.Hash)
	writeJSON(w, http.StatusOK, keyToMap(k))
}

// RevokeKey soft-deletes a key and appends an audit record.
// DELETE /v1/keys/{keyID}
func (h *KeyHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	k := h.loadKey(w, r)
	if k == nil {
		return
	}
	principal := middleware.GetPrincipal(r.Context())

	if err := h.store.SoftDeleteKey(r.Context(), k.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to revoke key: "+err.Error())
		return
	}
	h.engine.InvalidateKey(k.Hash)

	rec := &model.AuditRecord{
		ID:          keys.NewID("audit"),
		WorkspaceID: k.WorkspaceID,
		ActorKeyID:  principal.KeyID,
		Event:       "key.revoked",
		ResourceID:  k.ID,
	}
	if err := h.store.AppendAudit(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record audit entry: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "key revoked",
	})
}

// AttachRole attaches a role to a key.
// POST /v1/keys/{keyID}/roles/{roleID}
func (h *KeyHandler) AttachRole(w http.ResponseWriter, r *http.Request) {
	k := h.loadKey(w, r)
	if k == nil {
		return
	}
	principal := middleware.GetPrincipal(r.Context())
	roleID := chi.URLParam(r, "roleID")

	if _, err := h.store.GetRole(r.Context(), principal.WorkspaceID, roleID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "role not found: "+roleID)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load role: "+err.Error())
		return
	}
	if err := h.store.AttachRoleToKey(r.Context(), k.ID, roleID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to attach role: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// DetachRole detaches a role from a key.
// DELETE /v1/keys/{keyID}/roles/{roleID}
func (h *KeyHandler) DetachRole(w http.ResponseWriter, r *http.Request) {
	k := h.loadKey(w, r)
	if k == nil {
		return
	}
	roleID := chi.URLParam(r, "roleID")
	if err := h.store.DetachRoleFromKey(r.Context(), k.ID, roleID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "role not attached: "+roleID)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to detach role: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// AttachPermission grants a permission directly to a key.
// POST /v1/keys/{keyID}/permissions/{permissionID}
func (h *KeyHandler) AttachPermission(w http.ResponseWriter, r *http.Request) {
	k := h.loadKey(w, r)
	if k == nil {
		return
	}
	principal := middleware.GetPrincipal(r.Context())
	permID := chi.URLParam(r, "permissionID")

	if _, err := h.store.GetPermission(r.Context(), principal.WorkspaceID, permID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "permission not found: "+permID)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load permission: "+err.Error())
		return
	}
	if err := h.store.AttachPermissionToKey(r.Context(), k.ID, permID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to attach permission: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// DetachPermission revokes a direct permission grant.
// DELETE /v1/keys/{keyID}/permissions/{permissionID}
func (h *KeyHandler) DetachPermission(w http.ResponseWriter, r *http.Request) {
	k := h.loadKey(w, r)
	if k == nil {
		return
	}
	permID := chi.URLParam(r, "permissionID")
	if err := h.store.DetachPermissionFromKey(r.Context(), k.ID, permID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "permission not attached: "+permID)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to detach permission: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// keyToMap serializes a key without the hash.
func keyToMap(k *model.Key) map[string]interface{} {
	m := map[string]interface{}{
		"id":           k.ID,
		"start":        k.Start,
		"workspace_id": k.WorkspaceID,
		"keyring_id":   k.KeyringID,
		"enabled":      k.Enabled,
		"total_uses":   k.TotalUses,
		"created_at":   k.CreatedAt,
	}
	if k.Name != "" {
		m["name"] = k.Name
	}
	if k.OwnerID != "" {
		m["owner_id"] = k.OwnerID
	}
	if k.Meta != "" {
		m["meta"] = k.Meta
	}
	if k.Expires != nil {
		m["expires"] = k.Expires
	}
	if k.Remaining != nil {
		m["remaining"] = *k.Remaining
	}
	if k.Refill != nil {
		m["refill"] = map[string]interface{}{
			"interval": k.Refill.Interval.Milliseconds(),
			"amount":   k.Refill.Amount,
		}
	}
	if k.Ratelimit != nil {
		m["ratelimit"] = map[string]interface{}{
			"limit":           k.Ratelimit.Limit,
			"refill_rate":     k.Ratelimit.RefillRate,
			"refill_interval": k.Ratelimit.RefillInterval.Milliseconds(),
			"type":            k.Ratelimit.Type,
		}
	}
	return m
}
