package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keygatehq/keygate/internal/cache"
	"github.com/keygatehq/keygate/internal/keys"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/ratelimit"
	"github.com/keygatehq/keygate/internal/rbac"
	"github.com/keygatehq/keygate/internal/service"
	"github.com/keygatehq/keygate/internal/store"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const testSessionSecret = "test-secret-for-session-integration-tests"

// testEnv holds the shared state for integration tests: an in-memory store,
// a wired server, and a seeded workspace with one keyring.
type testEnv struct {
	server *Server
	store  *store.Store
	engine *service.Engine
	wsID   string
	krID   string
}

// newTestEnv creates a fresh environment with an in-memory SQLite store, a
// seeded workspace and keyring, and a fully wired Server.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open("") // in-memory SQLite
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := service.NewEngine(st, cache.New[model.Key](time.Minute, time.Second), ratelimit.NewCounter(), logger)
	sessions := service.NewSessions(testSessionSecret, time.Hour)
	srv := New(DefaultConfig(), st, engine, sessions, logger)

	env := &testEnv{server: srv, store: st, engine: engine}

	ctx := context.Background()
	ws := &model.Workspace{ID: keys.NewID("ws"), Name: "acme"}
	if err := st.CreateWorkspace(ctx, ws); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	kr := &model.Keyring{ID: keys.NewID("ring"), WorkspaceID: ws.ID, Name: "prod"}
	if err := st.CreateKeyring(ctx, kr); err != nil {
		t.Fatalf("create keyring: %v", err)
	}
	env.wsID = ws.ID
	env.krID = kr.ID
	return env
}

// seedRootKey mints a fully granted root key managing the env workspace and
// returns its plaintext secret and record.
func (e *testEnv) seedRootKey(t *testing.T) (string, *model.Key) {
	t.Helper()
	return e.mintRootKey(t, rbac.BootstrapGrants())
}

// mintRootKey creates a root key carrying exactly the given granted names.
// Grants are created as permission rows on first use and attached directly.
func (e *testEnv) mintRootKey(t *testing.T, grants []string) (string, *model.Key) {
	t.Helper()
	gen, err := keys.Generate(keys.RootSecretPrefix, 16)
	if err != nil {
		t.Fatalf("generate root secret: %v", err)
	}
	k := &model.Key{
		ID:             keys.NewID("key"),
		Hash:           gen.Hash,
		Start:          gen.Start,
		WorkspaceID:    e.wsID,
		KeyringID:      e.krID,
		Enabled:        true,
		ForWorkspaceID: e.wsID,
	}
	ctx := context.Background()
	if err := e.store.CreateKey(ctx, k); err != nil {
		t.Fatalf("create root key: %v", err)
	}
	for _, name := range grants {
		p, err := e.store.GetPermissionByName(ctx, e.wsID, name)
		if err != nil {
			p = &model.Permission{
				ID:          keys.NewID("perm"),
				WorkspaceID: e.wsID,
				Name:        name,
				Slug:        strings.ReplaceAll(name, ".", "-"),
			}
			if err := e.store.CreatePermission(ctx, p); err != nil {
				t.Fatalf("create grant %q: %v", name, err)
			}
		}
		if err := e.store.AttachPermissionToKey(ctx, k.ID, p.ID); err != nil {
			t.Fatalf("attach grant %q: %v", name, err)
		}
	}
	return gen.Secret, k
}

// seedKey mints an end-user key in the env keyring.
func (e *testEnv) seedKey(t *testing.T) (string, *model.Key) {
	t.Helper()
	gen, err := keys.Generate(keys.SecretPrefix, 16)
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	k := &model.Key{
		ID:          keys.NewID("key"),
		Hash:        gen.Hash,
		Start:       gen.Start,
		WorkspaceID: e.wsID,
		KeyringID:   e.krID,
		Enabled:     true,
	}
	if err := e.store.CreateKey(context.Background(), k); err != nil {
		t.Fatalf("create key: %v", err)
	}
	return gen.Secret, k
}

// do executes an HTTP request against the test server and returns the
// recorder. headers is an optional map of header key-value pairs.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

// doAuth executes a request with a bearer credential (root key secret or
// session token).
func (e *testEnv) doAuth(t *testing.T, method, path string, body io.Reader, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"Authorization": "Bearer " + bearer,
	})
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

// verify posts a secret to the verification endpoint and decodes the result.
func (e *testEnv) verify(t *testing.T, payload map[string]interface{}) map[string]interface{} {
	t.Helper()
	rr := e.do(t, "POST", "/v1/keys.verifyKey", jsonBody(t, payload), nil)
	assertStatus(t, rr, http.StatusOK)
	var res map[string]interface{}
	decodeJSON(t, rr, &res)
	return res
}

// ---------------------------------------------------------------------------
// Health check tests
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want %q", resp["status"], "ok")
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]interface{}
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want %q", resp["status"], "ok")
	}
	checks, ok := resp["checks"].(map[string]interface{})
	if !ok || checks["store"] != "ok" {
		t.Errorf("checks = %v, want store ok", resp["checks"])
	}
}

// ---------------------------------------------------------------------------
// Verification endpoint tests
// ---------------------------------------------------------------------------

func TestVerifyKey_Valid(t *testing.T) {
	env := newTestEnv(t)
	secret, k := env.seedKey(t)

	res := env.verify(t, map[string]interface{}{"key": secret})
	if res["valid"] != true {
		t.Errorf("valid = %v, want true; body = %v", res["valid"], res)
	}
	if res["code"] != "VALID" {
		t.Errorf("code = %v, want VALID", res["code"])
	}
	if res["key_id"] != k.ID {
		t.Errorf("key_id = %v, want %s", res["key_id"], k.ID)
	}
	if res["workspace_id"] != env.wsID {
		t.Errorf("workspace_id = %v, want %s", res["workspace_id"], env.wsID)
	}
}

func TestVerifyKey_Unknown(t *testing.T) {
	env := newTestEnv(t)

	res := env.verify(t, map[string]interface{}{"key": "keygate_doesnotexist"})
	if res["valid"] != false || res["code"] != "NOT_FOUND" {
		t.Errorf("res = %v, want NOT_FOUND", res)
	}
	// Identifying fields stay empty on a miss.
	if _, present := res["key_id"]; present {
		t.Errorf("unexpected key_id on miss: %v", res)
	}
}

func TestVerifyKey_MissingKey(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/v1/keys.verifyKey", jsonBody(t, map[string]interface{}{}), nil)
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestVerifyKey_MalformedAuthorization(t *testing.T) {
	env := newTestEnv(t)
	secret, _ := env.seedKey(t)

	// "and" and "or" in one node is rejected at the boundary, before the
	// pipeline runs.
	rr := env.do(t, "POST", "/v1/keys.verifyKey", jsonBody(t, map[string]interface{}{
		"key": secret,
		"authorization": map[string]interface{}{
			"and": []interface{}{"a"},
			"or":  []interface{}{"b"},
		},
	}), nil)
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestVerifyKey_PermissionCheck(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	secret, k := env.seedKey(t)

	p := &model.Permission{
		ID:          keys.NewID("perm"),
		WorkspaceID: env.wsID,
		Name:        "api.*.read",
		Slug:        "api-read",
	}
	if err := env.store.CreatePermission(ctx, p); err != nil {
		t.Fatalf("create permission: %v", err)
	}
	if err := env.store.AttachPermissionToKey(ctx, k.ID, p.ID); err != nil {
		t.Fatalf("attach permission: %v", err)
	}

	res := env.verify(t, map[string]interface{}{
		"key":           secret,
		"authorization": "api.orders.read",
	})
	if res["valid"] != true {
		t.Errorf("wildcard grant rejected: %v", res)
	}

	res = env.verify(t, map[string]interface{}{
		"key":           secret,
		"authorization": "billing.orders.write",
	})
	if res["valid"] != false || res["code"] != "INSUFFICIENT_PERMISSIONS" {
		t.Errorf("res = %v, want INSUFFICIENT_PERMISSIONS", res)
	}
}

func TestVerifyKey_RevokedKey(t *testing.T) {
	env := newTestEnv(t)
	secret, k := env.seedKey(t)

	if err := env.store.SoftDeleteKey(context.Background(), k.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	env.engine.InvalidateKey(k.Hash)

	res := env.verify(t, map[string]interface{}{"key": secret})
	if res["valid"] != false || res["code"] != "NOT_FOUND" {
		t.Errorf("res = %v, want NOT_FOUND after revocation", res)
	}
}

// ---------------------------------------------------------------------------
// Authentication tests
// ---------------------------------------------------------------------------

func TestManagementEndpoints_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)

	endpoints := []struct {
		method string
		path   string
	}{
		{"GET", "/v1/permissions"},
		{"POST", "/v1/permissions"},
		{"GET", "/v1/roles"},
		{"POST", "/v1/keys"},
		{"GET", "/v1/ratelimit-namespaces"},
		{"POST", "/v1/ratelimits.limit"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			var body io.Reader
			if ep.method == "POST" {
				body = jsonBody(t, map[string]string{})
			}
			rr := env.do(t, ep.method, ep.path, body, nil)
			assertStatus(t, rr, http.StatusUnauthorized)
		})
	}
}

func TestManagementEndpoints_PlainKeyRejected(t *testing.T) {
	env := newTestEnv(t)

	// An end-user secret verifies but carries no management grant.
	secret, _ := env.seedKey(t)
	rr := env.doAuth(t, "GET", "/v1/permissions", nil, secret)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestManagementEndpoints_RootKey(t *testing.T) {
	env := newTestEnv(t)
	root, _ := env.seedRootKey(t)

	rr := env.doAuth(t, "GET", "/v1/permissions", nil, root)
	assertStatus(t, rr, http.StatusOK)
}

func TestManagementEndpoints_PermissionEnforced(t *testing.T) {
	env := newTestEnv(t)
	full, _ := env.seedRootKey(t)

	// A second root key with no grants authenticates but passes no gate.
	bare, bareKey := env.mintRootKey(t, nil)

	rr := env.doAuth(t, "POST", "/v1/ratelimit-namespaces",
		jsonBody(t, map[string]interface{}{"name": "uploads"}), full)
	assertStatus(t, rr, http.StatusCreated)
	var ns model.RatelimitNamespace
	decodeJSON(t, rr, &ns)

	rr = env.doAuth(t, "POST", "/v1/ratelimit-overrides", jsonBody(t, map[string]interface{}{
		"namespace_id": ns.ID,
		"identifier":   "tenant_1",
		"limit":        int64(10),
		"duration":     int64(60000),
	}), full)
	assertStatus(t, rr, http.StatusCreated)
	var ovr model.RatelimitOverride
	decodeJSON(t, rr, &ovr)

	// Reads and destructive calls alike refuse the ungranted key.
	rr = env.doAuth(t, "GET", "/v1/keys", nil, bare)
	assertStatus(t, rr, http.StatusForbidden)

	rr = env.doAuth(t, "DELETE", "/v1/ratelimit-overrides/"+ovr.ID, nil, bare)
	assertStatus(t, rr, http.StatusForbidden)
	var errResp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeJSON(t, rr, &errResp)
	if errResp.Error.Code != 403 {
		t.Errorf("error.code = %d, want 403", errResp.Error.Code)
	}

	// The override survived the refused delete.
	rr = env.doAuth(t, "GET", "/v1/ratelimit-overrides/"+ovr.ID, nil, full)
	assertStatus(t, rr, http.StatusOK)

	// Granting the operation through a role opens the gate.
	rr = env.doAuth(t, "POST", "/v1/permissions",
		jsonBody(t, map[string]interface{}{"name": rbac.PermDeleteOverride}), full)
	assertStatus(t, rr, http.StatusCreated)
	var perm model.Permission
	decodeJSON(t, rr, &perm)

	rr = env.doAuth(t, "POST", "/v1/roles",
		jsonBody(t, map[string]interface{}{"name": "override-admin"}), full)
	assertStatus(t, rr, http.StatusCreated)
	var role model.Role
	decodeJSON(t, rr, &role)

	rr = env.doAuth(t, "POST", "/v1/roles/"+role.ID+"/permissions/"+perm.ID, nil, full)
	assertStatus(t, rr, http.StatusOK)
	rr = env.doAuth(t, "POST", "/v1/keys/"+bareKey.ID+"/roles/"+role.ID, nil, full)
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAuth(t, "DELETE", "/v1/ratelimit-overrides/"+ovr.ID, nil, bare)
	assertStatus(t, rr, http.StatusOK)
}

func TestAuthToken_Exchange(t *testing.T) {
	env := newTestEnv(t)
	root, _ := env.seedRootKey(t)

	rr := env.doAuth(t, "POST", "/v1/auth.token", nil, root)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Token     string    `json:"session_token"`
		TokenType string    `json:"token_type"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Token == "" {
		t.Fatal("expected non-empty session_token")
	}
	if resp.TokenType != "bearer" {
		t.Errorf("token_type = %q, want bearer", resp.TokenType)
	}
	if !resp.ExpiresAt.After(time.Now()) {
		t.Errorf("expires_at = %v, want future", resp.ExpiresAt)
	}

	// The session token works on management routes.
	rr = env.doAuth(t, "GET", "/v1/roles", nil, resp.Token)
	assertStatus(t, rr, http.StatusOK)
}

func TestAuthToken_PlainKeyRejected(t *testing.T) {
	env := newTestEnv(t)
	secret, _ := env.seedKey(t)

	rr := env.doAuth(t, "POST", "/v1/auth.token", nil, secret)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestAuthToken_NoCredential(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/v1/auth.token", nil, nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

// ---------------------------------------------------------------------------
// Key management tests
// ---------------------------------------------------------------------------

func TestKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	root, _ := env.seedRootKey(t)

	// --- Create ---
	createBody := jsonBody(t, map[string]interface{}{
		"keyring_id": env.krID,
		"name":       "ci-bot",
		"remaining":  int64(5),
	})
	rr := env.doAuth(t, "POST", "/v1/keys", createBody, root)
	assertStatus(t, rr, http.StatusCreated)

	var created struct {
		Key    string `json:"key"`
		Record struct {
			ID    string `json:"id"`
			Start string `json:"start"`
		} `json:"record"`
	}
	decodeJSON(t, rr, &created)
	if created.Key == "" {
		t.Fatal("expected plaintext key in create response")
	}
	if created.Key[:len(keys.SecretPrefix)] != keys.SecretPrefix {
		t.Errorf("secret = %q, want %q prefix", created.Key, keys.SecretPrefix)
	}

	// --- Verify consumes quota ---
	res := env.verify(t, map[string]interface{}{"key": created.Key})
	if res["valid"] != true {
		t.Fatalf("fresh key rejected: %v", res)
	}
	if res["remaining"] != float64(4) {
		t.Errorf("remaining = %v, want 4", res["remaining"])
	}

	// --- Get ---
	rr = env.doAuth(t, "GET", "/v1/keys/"+created.Record.ID, nil, root)
	assertStatus(t, rr, http.StatusOK)
	var got map[string]interface{}
	decodeJSON(t, rr, &got)
	if got["name"] != "ci-bot" {
		t.Errorf("name = %v, want ci-bot", got["name"])
	}
	if _, present := got["hash"]; present {
		t.Error("hash must never appear in responses")
	}

	// --- Disable via update ---
	updateBody := jsonBody(t, map[string]interface{}{"enabled": false})
	rr = env.doAuth(t, "PUT", "/v1/keys/"+created.Record.ID, updateBody, root)
	assertStatus(t, rr, http.StatusOK)

	res = env.verify(t, map[string]interface{}{"key": created.Key})
	if res["code"] != "DISABLED" {
		t.Errorf("code = %v, want DISABLED after update", res["code"])
	}

	// --- Revoke ---
	rr = env.doAuth(t, "DELETE", "/v1/keys/"+created.Record.ID, nil, root)
	assertStatus(t, rr, http.StatusOK)

	res = env.verify(t, map[string]interface{}{"key": created.Key})
	if res["code"] != "NOT_FOUND" {
		t.Errorf("code = %v, want NOT_FOUND after revoke", res["code"])
	}

	// Revocation left an audit record.
	records, err := env.store.FindAuditByResource(context.Background(), env.wsID, created.Record.ID)
	if err != nil {
		t.Fatalf("find audit: %v", err)
	}
	if len(records) != 1 || records[0].Event != "key.revoked" {
		t.Errorf("audit = %+v, want one key.revoked record", records)
	}
}

func TestCreateKey_UnknownKeyring(t *testing.T) {
	env := newTestEnv(t)
	root, _ := env.seedRootKey(t)

	body := jsonBody(t, map[string]interface{}{"keyring_id": "ring_nope"})
	rr := env.doAuth(t, "POST", "/v1/keys", body, root)
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestGetKey_CrossWorkspace(t *testing.T) {
	env := newTestEnv(t)
	root, _ := env.seedRootKey(t)
	ctx := context.Background()

	// A key in another workspace reads as not found, not forbidden.
	other := &model.Workspace{ID: keys.NewID("ws"), Name: "rival"}
	if err := env.store.CreateWorkspace(ctx, other); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	otherRing := &model.Keyring{ID: keys.NewID("ring"), WorkspaceID: other.ID, Name: "prod"}
	if err := env.store.CreateKeyring(ctx, otherRing); err != nil {
		t.Fatalf("create keyring: %v", err)
	}
	gen, _ := keys.Generate(keys.SecretPrefix, 16)
	foreign := &model.Key{
		ID:          keys.NewID("key"),
		Hash:        gen.Hash,
		Start:       gen.Start,
		WorkspaceID: other.ID,
		KeyringID:   otherRing.ID,
		Enabled:     true,
	}
	if err := env.store.CreateKey(ctx, foreign); err != nil {
		t.Fatalf("create key: %v", err)
	}

	rr := env.doAuth(t, "GET", "/v1/keys/"+foreign.ID, nil, root)
	assertStatus(t, rr, http.StatusNotFound)
}

// ---------------------------------------------------------------------------
// RBAC management tests
// ---------------------------------------------------------------------------

func TestPermissionCRUD(t *testing.T) {
	env := newTestEnv(t)
	root, _ := env.seedRootKey(t)

	// The root key's own grants occupy the permission list already.
	rr := env.doAuth(t, "GET", "/v1/permissions", nil, root)
	assertStatus(t, rr, http.StatusOK)
	var listResp struct {
		Resource []map[string]interface{} `json:"resource"`
	}
	decodeJSON(t, rr, &listResp)
	baseline := len(listResp.Resource)

	// --- Create ---
	body := jsonBody(t, map[string]interface{}{"name": "api.orders.read"})
	rr = env.doAuth(t, "POST", "/v1/permissions", body, root)
	assertStatus(t, rr, http.StatusCreated)

	var created model.Permission
	decodeJSON(t, rr, &created)
	if created.Name != "api.orders.read" {
		t.Errorf("name = %q, want api.orders.read", created.Name)
	}

	// --- Duplicate name conflicts ---
	body = jsonBody(t, map[string]interface{}{"name": "api.orders.read"})
	rr = env.doAuth(t, "POST", "/v1/permissions", body, root)
	assertStatus(t, rr, http.StatusConflict)

	// --- List ---
	rr = env.doAuth(t, "GET", "/v1/permissions", nil, root)
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &listResp)
	if len(listResp.Resource) != baseline+1 {
		t.Fatalf("list count = %d, want %d", len(listResp.Resource), baseline+1)
	}

	// --- Delete ---
	rr = env.doAuth(t, "DELETE", "/v1/permissions/"+created.ID, nil, root)
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAuth(t, "GET", "/v1/permissions/"+created.ID, nil, root)
	assertStatus(t, rr, http.StatusNotFound)
}

func TestRoleGrantFlow(t *testing.T) {
	env := newTestEnv(t)
	root, _ := env.seedRootKey(t)
	secret, k := env.seedKey(t)

	// Create a permission and a role, link them, attach the role to a key.
	rr := env.doAuth(t, "POST", "/v1/permissions",
		jsonBody(t, map[string]interface{}{"name": "api.orders.write"}), root)
	assertStatus(t, rr, http.StatusCreated)
	var perm model.Permission
	decodeJSON(t, rr, &perm)

	rr = env.doAuth(t, "POST", "/v1/roles",
		jsonBody(t, map[string]interface{}{"name": "writer"}), root)
	assertStatus(t, rr, http.StatusCreated)
	var role model.Role
	decodeJSON(t, rr, &role)

	rr = env.doAuth(t, "POST", "/v1/roles/"+role.ID+"/permissions/"+perm.ID, nil, root)
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAuth(t, "POST", "/v1/keys/"+k.ID+"/roles/"+role.ID, nil, root)
	assertStatus(t, rr, http.StatusOK)

	// The grant is visible through verification.
	res := env.verify(t, map[string]interface{}{
		"key":           secret,
		"authorization": "api.orders.write",
	})
	if res["valid"] != true {
		t.Fatalf("role grant not effective: %v", res)
	}

	// Deleting the role withdraws the grant.
	rr = env.doAuth(t, "DELETE", "/v1/roles/"+role.ID, nil, root)
	assertStatus(t, rr, http.StatusOK)

	res = env.verify(t, map[string]interface{}{
		"key":           secret,
		"authorization": "api.orders.write",
	})
	if res["code"] != "INSUFFICIENT_PERMISSIONS" {
		t.Errorf("code = %v, want INSUFFICIENT_PERMISSIONS after role delete", res["code"])
	}
}

// ---------------------------------------------------------------------------
// Ratelimit management tests
// ---------------------------------------------------------------------------

func TestRatelimitNamespaceAndLimit(t *testing.T) {
	env := newTestEnv(t)
	root, _ := env.seedRootKey(t)

	rr := env.doAuth(t, "POST", "/v1/ratelimit-namespaces",
		jsonBody(t, map[string]interface{}{"name": "email.send"}), root)
	assertStatus(t, rr, http.StatusCreated)

	// Two checks against a limit of 2 pass; the third is refused.
	limitBody := func() *bytes.Buffer {
		return jsonBody(t, map[string]interface{}{
			"namespace":  "email.send",
			"identifier": "user_42",
			"limit":      int64(2),
			"duration":   int64(60000),
		})
	}
	for i := 0; i < 2; i++ {
		rr = env.doAuth(t, "POST", "/v1/ratelimits.limit", limitBody(), root)
		assertStatus(t, rr, http.StatusOK)
		var res map[string]interface{}
		decodeJSON(t, rr, &res)
		if res["allowed"] != true {
			t.Fatalf("check %d refused: %v", i+1, res)
		}
	}
	rr = env.doAuth(t, "POST", "/v1/ratelimits.limit", limitBody(), root)
	assertStatus(t, rr, http.StatusOK)
	var res map[string]interface{}
	decodeJSON(t, rr, &res)
	if res["allowed"] != false {
		t.Errorf("third check allowed, want refusal: %v", res)
	}
}

func TestRatelimitLimit_UnknownNamespace(t *testing.T) {
	env := newTestEnv(t)
	root, _ := env.seedRootKey(t)

	rr := env.doAuth(t, "POST", "/v1/ratelimits.limit", jsonBody(t, map[string]interface{}{
		"namespace":  "never.created",
		"identifier": "user_1",
		"limit":      int64(10),
		"duration":   int64(60000),
	}), root)
	assertStatus(t, rr, http.StatusNotFound)
}

func TestOverridePrecedenceAndDeleteAudit(t *testing.T) {
	env := newTestEnv(t)
	root, _ := env.seedRootKey(t)

	rr := env.doAuth(t, "POST", "/v1/ratelimit-namespaces",
		jsonBody(t, map[string]interface{}{"name": "search"}), root)
	assertStatus(t, rr, http.StatusCreated)
	var ns model.RatelimitNamespace
	decodeJSON(t, rr, &ns)

	// A wildcard override and a more specific exact one.
	rr = env.doAuth(t, "POST", "/v1/ratelimit-overrides", jsonBody(t, map[string]interface{}{
		"namespace_id": ns.ID,
		"identifier":   "tenant_*",
		"limit":        int64(100),
		"duration":     int64(60000),
	}), root)
	assertStatus(t, rr, http.StatusCreated)

	rr = env.doAuth(t, "POST", "/v1/ratelimit-overrides", jsonBody(t, map[string]interface{}{
		"namespace_id": ns.ID,
		"identifier":   "tenant_7",
		"limit":        int64(500),
		"duration":     int64(60000),
	}), root)
	assertStatus(t, rr, http.StatusCreated)
	var exact model.RatelimitOverride
	decodeJSON(t, rr, &exact)

	// The exact override wins resolution.
	rr = env.doAuth(t, "GET",
		"/v1/ratelimit-overrides.resolve?namespace_id="+ns.ID+"&identifier=tenant_7", nil, root)
	assertStatus(t, rr, http.StatusOK)
	var resolved struct {
		Override map[string]interface{} `json:"override"`
	}
	decodeJSON(t, rr, &resolved)
	if resolved.Override == nil || resolved.Override["id"] != exact.ID {
		t.Errorf("resolved = %v, want exact override %s", resolved.Override, exact.ID)
	}

	// The limit check counts against the override's limit.
	rr = env.doAuth(t, "POST", "/v1/ratelimits.limit", jsonBody(t, map[string]interface{}{
		"namespace":  "search",
		"identifier": "tenant_7",
		"limit":      int64(5),
		"duration":   int64(1000),
	}), root)
	assertStatus(t, rr, http.StatusOK)
	var limitRes map[string]interface{}
	decodeJSON(t, rr, &limitRes)
	if limitRes["limit"] != float64(500) {
		t.Errorf("effective limit = %v, want 500", limitRes["limit"])
	}
	if limitRes["override_id"] != exact.ID {
		t.Errorf("override_id = %v, want %s", limitRes["override_id"], exact.ID)
	}

	// --- Delete the exact override ---
	rr = env.doAuth(t, "DELETE", "/v1/ratelimit-overrides/"+exact.ID, nil, root)
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAuth(t, "GET", "/v1/ratelimit-overrides/"+exact.ID, nil, root)
	assertStatus(t, rr, http.StatusNotFound)

	// The wildcard takes over for the identifier.
	rr = env.doAuth(t, "GET",
		"/v1/ratelimit-overrides.resolve?namespace_id="+ns.ID+"&identifier=tenant_7", nil, root)
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &resolved)
	if resolved.Override == nil || resolved.Override["limit"] != float64(100) {
		t.Errorf("resolved after delete = %v, want wildcard limit 100", resolved.Override)
	}

	// The deletion left an audit record naming the override.
	records, err := env.store.FindAuditByResource(context.Background(), env.wsID, exact.ID)
	if err != nil {
		t.Fatalf("find audit: %v", err)
	}
	if len(records) != 1 || records[0].Event != "ratelimit.override.deleted" {
		t.Errorf("audit = %+v, want one ratelimit.override.deleted record", records)
	}
}

// ---------------------------------------------------------------------------
// Error response format
// ---------------------------------------------------------------------------

func TestErrorResponseFormat(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/v1/permissions", nil, nil)
	assertStatus(t, rr, http.StatusUnauthorized)

	var errResp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeJSON(t, rr, &errResp)
	if errResp.Error.Code != 401 {
		t.Errorf("error.code = %d, want 401", errResp.Error.Code)
	}
	if errResp.Error.Message == "" {
		t.Error("expected non-empty error.message")
	}
}

// ---------------------------------------------------------------------------
// CORS headers
// ---------------------------------------------------------------------------

func TestCORSHeaders(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "OPTIONS", "/healthz", nil, map[string]string{
		"Origin":                         "http://localhost:3000",
		"Access-Control-Request-Method":  "GET",
		"Access-Control-Request-Headers": "Authorization,Content-Type",
	})

	if rr.Code < 200 || rr.Code >= 300 {
		t.Errorf("CORS preflight status = %d, want 2xx", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("expected Access-Control-Allow-Origin header")
	}
}
