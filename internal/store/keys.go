package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/keygatehq/keygate/internal/model"
)

// keyRow is a flat struct that maps 1:1 to the api_keys table columns. The
// model.Key has nested Refill/Ratelimit structs that don't map directly.
type keyRow struct {
	ID                 string     `db:"id"`
	Hash               string     `db:"hash"`
	Start              string     `db:"start"`
	WorkspaceID        string     `db:"workspace_id"`
	KeyringID          string     `db:"keyring_id"`
	OwnerID            string     `db:"owner_id"`
	Name               string     `db:"name"`
	Meta               string     `db:"meta"`
	Enabled            bool       `db:"enabled"`
	Expires            *time.Time `db:"expires"`
	Remaining          *int64     `db:"remaining"`
	ForWorkspaceID     string     `db:"for_workspace_id"`
	RefillIntervalMs   *int64     `db:"refill_interval_ms"`
	RefillAmount       *int64     `db:"refill_amount"`
	LastRefillAt       *time.Time `db:"last_refill_at"`
	RlLimit            *int64     `db:"rl_limit"`
	RlRefillRate       *int64     `db:"rl_refill_rate"`
	RlRefillIntervalMs *int64     `db:"rl_refill_interval_ms"`
	RlType             string     `db:"rl_type"`
	TotalUses          int64      `db:"total_uses"`
	CreatedAt          time.Time  `db:"created_at"`
	DeletedAt          *time.Time `db:"deleted_at"`
}

func keyRowFromModel(k *model.Key) keyRow {
	row := keyRow{
		ID:             k.ID,
		Hash:           k.Hash,
		Start:          k.Start,
		WorkspaceID:    k.WorkspaceID,
		KeyringID:      k.KeyringID,
		OwnerID:        k.OwnerID,
		Name:           k.Name,
		Meta:           k.Meta,
		Enabled:        k.Enabled,
		Expires:        k.Expires,
		Remaining:      k.Remaining,
		ForWorkspaceID: k.ForWorkspaceID,
		TotalUses:      k.TotalUses,
		CreatedAt:      k.CreatedAt,
		DeletedAt:      k.DeletedAt,
	}
	if k.Refill != nil {
		interval := k.Refill.Interval.Milliseconds()
		amount := k.Refill.Amount
		row.RefillIntervalMs = &interval
		row.RefillAmount = &amount
		row.LastRefillAt = k.Refill.LastRefillAt
	}
	if k.Ratelimit != nil {
		limit := k.Ratelimit.Limit
		rate := k.Ratelimit.RefillRate
		interval := k.Ratelimit.RefillInterval.Milliseconds()
		row.RlLimit = &limit
		row.RlRefillRate = &rate
		row.RlRefillIntervalMs = &interval
		row.RlType = k.Ratelimit.Type
	}
	return row
}

func (r keyRow) toModel() model.Key {
	k := model.Key{
		ID:             r.ID,
		Hash:           r.Hash,
		Start:          r.Start,
		WorkspaceID:    r.WorkspaceID,
		KeyringID:      r.KeyringID,
		OwnerID:        r.OwnerID,
		Name:           r.Name,
		Meta:           r.Meta,
		Enabled:        r.Enabled,
		Expires:        r.Expires,
		Remaining:      r.Remaining,
		ForWorkspaceID: r.ForWorkspaceID,
		TotalUses:      r.TotalUses,
		CreatedAt:      r.CreatedAt,
		DeletedAt:      r.DeletedAt,
	}
	if r.RefillIntervalMs != nil && r.RefillAmount != nil {
		k.Refill = &model.Refill{
			Interval:     time.Duration(*r.RefillIntervalMs) * time.Millisecond,
			Amount:       *r.RefillAmount,
			LastRefillAt: r.LastRefillAt,
		}
	}
	if r.RlLimit != nil && r.RlRefillIntervalMs != nil {
		rate := *r.RlLimit
		if r.RlRefillRate != nil {
			rate = *r.RlRefillRate
		}
		k.Ratelimit = &model.KeyRatelimit{
			Limit:          *r.RlLimit,
			RefillRate:     rate,
			RefillInterval: time.Duration(*r.RlRefillIntervalMs) * time.Millisecond,
			Type:           r.RlType,
		}
	}
	return k
}

// ---------------------------------------------------------------------------
// Workspaces and keyrings
// ---------------------------------------------------------------------------

// CreateWorkspace inserts a workspace. CreatedAt is populated.
func (s *Store) CreateWorkspace(ctx context.Context, ws *model.Workspace) error {
	ws.CreatedAt = now()
	_, err := s.db.ExecContext(ctx,
		s.rebind("INSERT INTO workspaces (id, name, created_at) VALUES (?, ?, ?)"),
		ws.ID, ws.Name, ws.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

// GetWorkspace returns a live workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	var ws model.Workspace
	err := s.db.GetContext(ctx, &ws,
		s.rebind("SELECT * FROM workspaces WHERE id = ? AND deleted_at IS NULL"), id)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return &ws, nil
}

// GetWorkspaceByName returns a live workspace by its unique name.
func (s *Store) GetWorkspaceByName(ctx context.Context, name string) (*model.Workspace, error) {
	var ws model.Workspace
	err := s.db.GetContext(ctx, &ws,
		s.rebind("SELECT * FROM workspaces WHERE name = ? AND deleted_at IS NULL"), name)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get workspace by name: %w", err)
	}
	return &ws, nil
}

// CreateKeyring inserts a keyring. CreatedAt is populated.
func (s *Store) CreateKeyring(ctx context.Context, kr *model.Keyring) error {
	kr.CreatedAt = now()
	_, err := s.db.ExecContext(ctx,
		s.rebind("INSERT INTO keyrings (id, workspace_id, name, created_at) VALUES (?, ?, ?, ?)"),
		kr.ID, kr.WorkspaceID, kr.Name, kr.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert keyring: %w", err)
	}
	return nil
}

// GetKeyring returns a live keyring by id.
func (s *Store) GetKeyring(ctx context.Context, id string) (*model.Keyring, error) {
	var kr model.Keyring
	err := s.db.GetContext(ctx, &kr,
		s.rebind("SELECT * FROM keyrings WHERE id = ? AND deleted_at IS NULL"), id)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get keyring: %w", err)
	}
	return &kr, nil
}

// GetKeyringByName returns a live keyring by name within a workspace.
func (s *Store) GetKeyringByName(ctx context.Context, workspaceID, name string) (*model.Keyring, error) {
	var kr model.Keyring
	err := s.db.GetContext(ctx, &kr,
		s.rebind("SELECT * FROM keyrings WHERE workspace_id = ? AND name = ? AND deleted_at IS NULL"),
		workspaceID, name)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get keyring by name: %w", err)
	}
	return &kr, nil
}

// ---------------------------------------------------------------------------
// Keys
// ---------------------------------------------------------------------------

const keyInsert = `INSERT INTO api_keys
	(id, hash, start, workspace_id, keyring_id, owner_id, name, meta, enabled,
	 expires, remaining, for_workspace_id,
	 refill_interval_ms, refill_amount, last_refill_at,
	 rl_limit, rl_refill_rate, rl_refill_interval_ms, rl_type,
	 total_uses, created_at)
	VALUES
	(:id, :hash, :start, :workspace_id, :keyring_id, :owner_id, :name, :meta, :enabled,
	 :expires, :remaining, :for_workspace_id,
	 :refill_interval_ms, :refill_amount, :last_refill_at,
	 :rl_limit, :rl_refill_rate, :rl_refill_interval_ms, :rl_type,
	 :total_uses, :created_at)`

// CreateKey inserts a key record. ID and Hash must already be set; CreatedAt
// is populated.
func (s *Store) CreateKey(ctx context.Context, k *model.Key) error {
	k.CreatedAt = now()
	if _, err := s.db.NamedExecContext(ctx, keyInsert, keyRowFromModel(k)); err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	return nil
}

// FindKeyByHash looks a key up by its SHA-256 hash. Soft-deleted keys are
// returned too: the verification engine distinguishes "deleted" from
// "never existed" by inspecting DeletedAt, and the cache needs the row to
// do that without a second query.
func (s *Store) FindKeyByHash(ctx context.Context, hash string) (*model.Key, error) {
	var row keyRow
	err := s.db.GetContext(ctx, &row, s.rebind("SELECT * FROM api_keys WHERE hash = ?"), hash)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find key by hash: %w", err)
	}
	k := row.toModel()
	return &k, nil
}

// GetKey returns a key by id, including soft-deleted records.
func (s *Store) GetKey(ctx context.Context, id string) (*model.Key, error) {
	var row keyRow
	err := s.db.GetContext(ctx, &row, s.rebind("SELECT * FROM api_keys WHERE id = ?"), id)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get key: %w", err)
	}
	k := row.toModel()
	return &k, nil
}

// ListKeys returns all live keys in a keyring, newest first.
func (s *Store) ListKeys(ctx context.Context, keyringID string) ([]model.Key, error) {
	var rows []keyRow
	err := s.db.SelectContext(ctx, &rows,
		s.rebind("SELECT * FROM api_keys WHERE keyring_id = ? AND deleted_at IS NULL ORDER BY created_at DESC"),
		keyringID)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	keys := make([]model.Key, len(rows))
	for i, r := range rows {
		keys[i] = r.toModel()
	}
	return keys, nil
}

// ListRootKeys returns the live root keys managing a workspace, newest
// first.
func (s *Store) ListRootKeys(ctx context.Context, workspaceID string) ([]model.Key, error) {
	var rows []keyRow
	err := s.db.SelectContext(ctx, &rows,
		s.rebind("SELECT * FROM api_keys WHERE for_workspace_id = ? AND deleted_at IS NULL ORDER BY created_at DESC"),
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list root keys: %w", err)
	}
	keys := make([]model.Key, len(rows))
	for i, r := range rows {
		keys[i] = r.toModel()
	}
	return keys, nil
}

// UpdateKeyLimits replaces a key's enabled flag, remaining quota, and refill
// policy in one statement.
func (s *Store) UpdateKeyLimits(ctx context.Context, k *model.Key) error {
	row := keyRowFromModel(k)
	res, err := s.db.NamedExecContext(ctx, `UPDATE api_keys SET
		enabled = :enabled, remaining = :remaining, expires = :expires,
		refill_interval_ms = :refill_interval_ms, refill_amount = :refill_amount,
		last_refill_at = :last_refill_at,
		rl_limit = :rl_limit, rl_refill_rate = :rl_refill_rate,
		rl_refill_interval_ms = :rl_refill_interval_ms, rl_type = :rl_type
		WHERE id = :id AND deleted_at IS NULL`, row)
	if err != nil {
		return fmt.Errorf("update key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteKey marks a key deleted. The record stays for audit joins.
func (s *Store) SoftDeleteKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE api_keys SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL"), now(), id)
	if err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DecrementRemaining atomically consumes `by` units of a key's quota.
// Returns false when the quota is insufficient; the update refuses to cross
// zero, so two concurrent callers can never drive remaining negative.
func (s *Store) DecrementRemaining(ctx context.Context, id string, by int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE api_keys SET remaining = remaining - ? WHERE id = ? AND remaining IS NOT NULL AND remaining >= ?"),
		by, id, by)
	if err != nil {
		return false, fmt.Errorf("decrement remaining: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("decrement remaining rows affected: %w", err)
	}
	return n == 1, nil
}

// KeyRemaining returns the current remaining quota (nil = unlimited).
func (s *Store) KeyRemaining(ctx context.Context, id string) (*int64, error) {
	var remaining sql.NullInt64
	err := s.db.GetContext(ctx, &remaining, s.rebind("SELECT remaining FROM api_keys WHERE id = ?"), id)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("key remaining: %w", err)
	}
	if !remaining.Valid {
		return nil, nil
	}
	return &remaining.Int64, nil
}

// ApplyRefillIfDue resets remaining to the refill amount when the configured
// interval has elapsed since the last refill. The elapsed check is repeated
// in the WHERE clause so concurrent callers collapse to a single reset.
func (s *Store) ApplyRefillIfDue(ctx context.Context, id string) error {
	k, err := s.GetKey(ctx, id)
	if err != nil {
		return err
	}
	if k.Refill == nil || k.Remaining == nil {
		return nil
	}

	ts := now()
	cutoff := ts.Add(-k.Refill.Interval)
	if k.Refill.LastRefillAt != nil && k.Refill.LastRefillAt.After(cutoff) {
		return nil
	}

	_, err = s.db.ExecContext(ctx, s.rebind(
		`UPDATE api_keys SET remaining = refill_amount, last_refill_at = ?
		 WHERE id = ? AND refill_amount IS NOT NULL
		   AND (last_refill_at IS NULL OR last_refill_at <= ?)`),
		ts, id, cutoff)
	if err != nil {
		return fmt.Errorf("apply refill: %w", err)
	}
	return nil
}

// RecordUse bumps the monotonic use counter. Called fire-and-forget after a
// successful verification.
func (s *Store) RecordUse(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE api_keys SET total_uses = total_uses + 1 WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("record use: %w", err)
	}
	return nil
}
