package service

import (
	"context"
	"fmt"
	"time"

	"github.com/keygatehq/keygate/internal/rbac"
)

// RootAuthorization is the product of a successful root-key check: the
// workspace the bearer may manage, plus the identity of the root key itself
// for audit attribution.
type RootAuthorization struct {
	WorkspaceID string
	KeyID       string
	Permissions []string
}

// AuthorizeRoot gates a management operation. It runs the same hash, lookup,
// state-check, and permission-check steps as Verify but never touches quota
// or ratelimit counters; root keys are not metered.
//
// A live key without a managed workspace is not a root key; presenting one
// here yields CodePreconditionFailed rather than CodeForbidden so the two
// misuses stay distinguishable.
func (e *Engine) AuthorizeRoot(ctx context.Context, secret string, query *rbac.Query) (*RootAuthorization, *Result, error) {
	k, found, err := e.lookup(ctx, secret)
	if err != nil {
		return nil, nil, err
	}
	if !found || k.DeletedAt != nil {
		return nil, invalid(CodeNotFound), nil
	}
	if !k.Enabled {
		return nil, invalid(CodeDisabled), nil
	}
	if k.Expires != nil && k.Expires.Before(time.Now()) {
		return nil, invalid(CodeExpired), nil
	}
	if k.ForWorkspaceID == "" {
		return nil, invalid(CodePreconditionFailed), nil
	}

	var granted []string
	if query != nil {
		granted, err = e.store.FindPermissionsForKey(ctx, k.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("load permissions: %w", err)
		}
		ok, err := rbac.Evaluate(*query, rbac.PermissionSet(granted))
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, invalid(CodeInsufficientPermissions), nil
		}
	}

	return &RootAuthorization{
		WorkspaceID: k.ForWorkspaceID,
		KeyID:       k.ID,
		Permissions: granted,
	}, nil, nil
}

// AuthorizeRootForWorkspace additionally pins the authorization to a
// specific workspace; a root key scoped elsewhere is CodeForbidden.
func (e *Engine) AuthorizeRootForWorkspace(ctx context.Context, secret, workspaceID string, query *rbac.Query) (*RootAuthorization, *Result, error) {
	auth, res, err := e.AuthorizeRoot(ctx, secret, query)
	if err != nil || res != nil {
		return nil, res, err
	}
	if auth.WorkspaceID != workspaceID {
		return nil, invalid(CodeForbidden), nil
	}
	return auth, nil, nil
}
