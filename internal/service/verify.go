// Package service holds the verification and authorization engine: the
// pipeline every inbound secret passes through before any data-returning or
// mutating logic runs.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keygatehq/keygate/internal/cache"
	"github.com/keygatehq/keygate/internal/keys"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/ratelimit"
	"github.com/keygatehq/keygate/internal/rbac"
	"github.com/keygatehq/keygate/internal/store"
)

// Datastore is what the engine needs from the data-access layer. *store.Store
// satisfies it; tests can substitute a narrower fake.
type Datastore interface {
	FindKeyByHash(ctx context.Context, hash string) (*model.Key, error)
	FindPermissionsForKey(ctx context.Context, keyID string) ([]string, error)
	GetNamespaceByName(ctx context.Context, workspaceID, name string) (*model.RatelimitNamespace, error)
	FindOverridesForNamespace(ctx context.Context, namespaceID string) ([]model.RatelimitOverride, error)
	DecrementRemaining(ctx context.Context, id string, by int64) (bool, error)
	KeyRemaining(ctx context.Context, id string) (*int64, error)
	ApplyRefillIfDue(ctx context.Context, id string) error
	RecordUse(ctx context.Context, id string) error
}

// Engine runs the verification pipeline: hash, cached lookup, state checks,
// permission check, ratelimit check, quota consumption. All collaborators
// are injected; the engine holds no ambient state.
type Engine struct {
	store   Datastore
	cache   *cache.Cache[model.Key]
	counter ratelimit.CounterStore
	logger  *slog.Logger
}

// NewEngine wires the engine to its collaborators.
func NewEngine(st Datastore, c *cache.Cache[model.Key], counter ratelimit.CounterStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, cache: c, counter: counter, logger: logger}
}

// VerifyRequest is one verification attempt.
type VerifyRequest struct {
	// Secret is the raw bearer secret presented by the end user.
	Secret string

	// Authorization, when non-nil, is the permission requirement the key's
	// effective permission set must satisfy.
	Authorization *rbac.Query

	// Ratelimit, when non-nil, asks for a namespace ratelimit check as part
	// of verification.
	Ratelimit *LimitRequest
}

// LimitRequest names a namespace check: the identifier to count under plus
// the caller's default limit and window, used only when no override applies.
type LimitRequest struct {
	Namespace  string
	Identifier string
	Limit      int64
	Duration   time.Duration
	Cost       int64
}

// Result is the outcome of a verification or authorization attempt. Code is
// the stable contract callers branch on; Valid is true only for CodeValid.
type Result struct {
	Valid       bool     `json:"valid"`
	Code        Code     `json:"code"`
	KeyID       string   `json:"key_id,omitempty"`
	WorkspaceID string   `json:"workspace_id,omitempty"`
	Remaining   *int64   `json:"remaining,omitempty"`
	Permissions []string `json:"permissions,omitempty"`

	Ratelimit *LimitResult `json:"ratelimit,omitempty"`
}

// LimitResult reports the effective limit a check was counted against.
type LimitResult struct {
	Allowed    bool          `json:"allowed"`
	Limit      int64         `json:"limit"`
	Remaining  int64         `json:"remaining"`
	Window     time.Duration `json:"-"`
	WindowMs   int64         `json:"duration"`
	OverrideID string        `json:"override_id,omitempty"`
}

func invalid(code Code) *Result { return &Result{Valid: false, Code: code} }

// Verify runs the full pipeline against an end-user secret.
//
// The ratelimit check runs before the quota decrement: a rate-limited
// request does not consume remaining. A rejected decrement likewise does not
// count against the ratelimit window of a later retry having consumed quota.
//
// Expected outcomes (unknown key, disabled, expired, rejected permission,
// over limit, exhausted quota) come back as a Result with Valid=false; a
// non-nil error means the decision could not be made and the caller must
// deny.
func (e *Engine) Verify(ctx context.Context, req VerifyRequest) (*Result, error) {
	k, found, err := e.lookup(ctx, req.Secret)
	if err != nil {
		return nil, err
	}
	if !found || k.DeletedAt != nil {
		return invalid(CodeNotFound), nil
	}
	if !k.Enabled {
		return invalid(CodeDisabled), nil
	}
	if k.Expires != nil && k.Expires.Before(time.Now()) {
		return invalid(CodeExpired), nil
	}

	var granted []string
	if req.Authorization != nil {
		granted, err = e.store.FindPermissionsForKey(ctx, k.ID)
		if err != nil {
			return nil, fmt.Errorf("load permissions: %w", err)
		}
		ok, err := rbac.Evaluate(*req.Authorization, rbac.PermissionSet(granted))
		if err != nil {
			return nil, err
		}
		if !ok {
			return invalid(CodeInsufficientPermissions), nil
		}
	}

	var limitRes *LimitResult
	switch {
	case req.Ratelimit != nil:
		limitRes, err = e.Limit(ctx, k.WorkspaceID, *req.Ratelimit)
		if err != nil {
			return nil, err
		}
	case k.Ratelimit != nil:
		allowed, left := e.counter.CheckAndIncrement("key:"+k.ID, k.Ratelimit.Limit, k.Ratelimit.RefillInterval)
		limitRes = &LimitResult{
			Allowed:   allowed,
			Limit:     k.Ratelimit.Limit,
			Remaining: left,
			Window:    k.Ratelimit.RefillInterval,
			WindowMs:  k.Ratelimit.RefillInterval.Milliseconds(),
		}
	}
	if limitRes != nil && !limitRes.Allowed {
		r := invalid(CodeRatelimited)
		r.Ratelimit = limitRes
		return r, nil
	}

	remaining, code, err := e.consume(ctx, k)
	if err != nil {
		return nil, err
	}
	if code != CodeValid {
		return invalid(code), nil
	}

	go func() {
		if err := e.store.RecordUse(context.Background(), k.ID); err != nil {
			e.logger.Warn("record key use", "key_id", k.ID, "error", err)
		}
	}()

	return &Result{
		Valid:       true,
		Code:        CodeValid,
		KeyID:       k.ID,
		WorkspaceID: k.WorkspaceID,
		Remaining:   remaining,
		Permissions: granted,
		Ratelimit:   limitRes,
	}, nil
}

// PermissionsForKey returns a key's effective permission names: direct
// grants plus grants through every live attached role.
func (e *Engine) PermissionsForKey(ctx context.Context, keyID string) ([]string, error) {
	return e.store.FindPermissionsForKey(ctx, keyID)
}

// InvalidateKey drops the cached record for a key hash. Mutating handlers
// call this so their changes take effect without waiting out the TTL.
func (e *Engine) InvalidateKey(hash string) {
	e.cache.Invalidate(hash)
}

// lookup hashes the secret and resolves the key record through the
// read-through cache. "Not found" is cached too, under the negative TTL.
func (e *Engine) lookup(ctx context.Context, secret string) (model.Key, bool, error) {
	hash := keys.Hash(secret)
	return e.cache.GetOrLoad(ctx, hash, func(ctx context.Context) (model.Key, bool, error) {
		k, err := e.store.FindKeyByHash(ctx, hash)
		if errors.Is(err, store.ErrNotFound) {
			return model.Key{}, false, nil
		}
		if err != nil {
			return model.Key{}, false, fmt.Errorf("find key: %w", err)
		}
		return *k, true, nil
	})
}

// consume applies the quota step: refill first when due, then a conditional
// decrement that refuses to cross zero. Keys without a remaining counter are
// unlimited and skip the step entirely.
func (e *Engine) consume(ctx context.Context, k model.Key) (*int64, Code, error) {
	if k.Remaining == nil {
		return nil, CodeValid, nil
	}

	if k.Refill != nil {
		if err := e.store.ApplyRefillIfDue(ctx, k.ID); err != nil {
			return nil, "", fmt.Errorf("apply refill: %w", err)
		}
	}

	ok, err := e.store.DecrementRemaining(ctx, k.ID, 1)
	if err != nil {
		return nil, "", fmt.Errorf("decrement remaining: %w", err)
	}
	if !ok {
		return nil, CodeUsageExceeded, nil
	}

	left, err := e.store.KeyRemaining(ctx, k.ID)
	if err != nil {
		return nil, "", fmt.Errorf("read remaining: %w", err)
	}
	return left, CodeValid, nil
}

// Limit runs a standalone namespace ratelimit check: resolve the most
// specific override for the identifier, fall back to the caller's default,
// then count against the window.
func (e *Engine) Limit(ctx context.Context, workspaceID string, req LimitRequest) (*LimitResult, error) {
	ns, err := e.store.GetNamespaceByName(ctx, workspaceID, req.Namespace)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: ratelimit namespace %q", store.ErrNotFound, req.Namespace)
		}
		return nil, fmt.Errorf("load namespace: %w", err)
	}

	candidates, err := e.store.FindOverridesForNamespace(ctx, ns.ID)
	if err != nil {
		return nil, fmt.Errorf("load overrides: %w", err)
	}

	limit, window := req.Limit, req.Duration
	overrideID := ""
	if o := ratelimit.Resolve(req.Identifier, candidates); o != nil {
		limit, window = o.Limit, o.Window()
		overrideID = o.ID
	}

	cost := req.Cost
	if cost <= 0 {
		cost = 1
	}

	// Cost spends unit increments; the loop stops at the first refusal.
	bucket := ns.ID + ":" + req.Identifier
	ok, left := true, int64(0)
	for i := int64(0); i < cost && ok; i++ {
		ok, left = e.counter.CheckAndIncrement(bucket, limit, window)
	}

	return &LimitResult{
		Allowed:    ok,
		Limit:      limit,
		Remaining:  left,
		Window:     window,
		WindowMs:   window.Milliseconds(),
		OverrideID: overrideID,
	}, nil
}
