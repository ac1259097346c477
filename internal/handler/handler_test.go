package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"prodflow-access/internal/audit"
	"prodflow-access/internal/csrf"
	"prodflow-access/internal/gateway"
	"prodflow-access/internal/hashing"
	"prodflow-access/internal/models"
	"prodflow-access/internal/permission"
	"prodflow-access/internal/ratelimit"
	"prodflow-access/internal/service"
	"prodflow-access/internal/session"
	"prodflow-access/internal/store"
	"prodflow-access/internal/util"
)

const testSecret = "fedcba9876543210fedcba9876543210"

type testEnv struct {
	router  http.Handler
	store   *store.MemoryStore
	hasher  *hashing.Hasher
	gateway *gateway.Gateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	hasher := hashing.NewHasher(4)

	log := audit.NewLogger(st,
		audit.WithSideEffectRunner(func(fn func()) { fn() }))

	verifier := session.NewVerifier(st,
		session.WithSideEffectRunner(func(fn func()) { fn() }))
	codec, err := csrf.NewCodec(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	gw := gateway.New(verifier, codec)

	limStore := ratelimit.NewMemoryStore()
	loginLimiter := ratelimit.NewLimiter(limStore, 100, time.Minute, time.Minute)
	apiLimiter := ratelimit.NewLimiter(limStore, 1000, time.Minute, time.Minute)

	authSvc := service.NewAuthService(st, hasher, log)
	permAdmin := permission.NewAdmin(st, log)
	adminSvc := service.NewAdminService(st, permAdmin, log, hasher)

	authHandler := NewAuthHandler(gw, authSvc, loginLimiter, apiLimiter, 30*24*time.Hour, false, false)
	adminHandler := NewAdminHandler(gw, adminSvc, apiLimiter, false)
	permHandler := NewPermissionHandler(gw, permission.NewEngine(st, permission.WithCatalogTTL(0)), apiLimiter, false)

	router := NewRouter(authHandler, adminHandler, permHandler, util.Get(), RouterOptions{
		AllowedOrigins: []string{"http://localhost:3000"},
	})
	return &testEnv{router: router, store: st, hasher: hasher, gateway: gw}
}

func (e *testEnv) seedUser(t *testing.T, username, password string, root bool) *models.User {
	t.Helper()
	hash, err := e.hasher.Hash(password)
	if err != nil {
		t.Fatal(err)
	}
	u := &models.User{
		ID:           "u-" + username,
		Username:     username,
		Email:        username + "@plant.example.com",
		PasswordHash: hash,
		Status:       models.UserStatusActive,
		IsRootAdmin:  root,
		AccessScope:  models.AccessScopeUniversal,
	}
	if err := e.store.CreateUser(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, mutate func(*http.Request)) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	r.RemoteAddr = "192.168.1.20:40000"
	r.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(r)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)

	var resp Response
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
	}
	return w, resp
}

// login runs the full login flow and returns the session and CSRF
// tokens from the response body.
func (e *testEnv) login(t *testing.T, username, password string) (sessionToken, csrfToken string) {
	t.Helper()
	w, resp := e.do(t, http.MethodPost, "/api/auth/login",
		map[string]string{"username": username, "password": password}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d body = %s", w.Code, w.Body.String())
	}
	data := resp.Data.(map[string]interface{})
	return data["sessionToken"].(string), data["csrfToken"].(string)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w, _ := env.do(t, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestLoginFlow(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "operator1", "correct-horse", false)

	w, resp := env.do(t, http.MethodPost, "/api/auth/login",
		map[string]string{"username": "operator1", "password": "correct-horse"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if !resp.Success {
		t.Fatal("success = false")
	}

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookieName {
			cookie = c
		}
	}
	if cookie == nil || !cookie.HttpOnly {
		t.Fatalf("session cookie = %+v", cookie)
	}

	// Wrong password comes back generic
	w, resp = env.do(t, http.MethodPost, "/api/auth/login",
		map[string]string{"username": "operator1", "password": "nope-nope"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	if resp.Error != service.ErrInvalidCredentials.Error() {
		t.Fatalf("error = %q", resp.Error)
	}
}

func TestSessionAndLogout(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "operator1", "correct-horse", false)
	token, csrfToken := env.login(t, "operator1", "correct-horse")

	w, resp := env.do(t, http.MethodGet, "/api/auth/session", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("session status = %d", w.Code)
	}
	user := resp.Data.(map[string]interface{})["user"].(map[string]interface{})
	if user["username"] != "operator1" {
		t.Fatalf("username = %v", user["username"])
	}

	// Logout without a CSRF token is refused
	w, _ = env.do(t, http.MethodPost, "/api/auth/logout", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("logout without csrf status = %d", w.Code)
	}

	w, _ = env.do(t, http.MethodPost, "/api/auth/logout", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
		r.Header.Set(gateway.CSRFHeader, csrfToken)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("logout status = %d body = %s", w.Code, w.Body.String())
	}

	// Session is gone
	w, _ = env.do(t, http.MethodGet, "/api/auth/session", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("post-logout status = %d", w.Code)
	}
}

func TestAdminRequiresRoot(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "operator1", "correct-horse", false)
	token, _ := env.login(t, "operator1", "correct-horse")

	w, _ := env.do(t, http.MethodGet, "/api/admin/permissions/schema", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestAdminApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "plantmgr", "root-password", true)
	rootToken, rootCSRF := env.login(t, "plantmgr", "root-password")

	env.store.AddResource(models.Resource{
		ID: "res-machines", Key: "machineMaster", Name: "Machine Master",
		Module: "masterData", IsActive: true,
	})
	env.store.AddPermission(models.Permission{
		ID: "p-read-machines", Name: "masterData.machineMaster.read",
		Action: models.ActionRead, ResourceID: "res-machines",
		ScopeLevel: models.ScopeResource, IsAllow: true,
	})

	pending := &models.User{
		ID: "u-new", Username: "newhire", Email: "newhire@plant.example.com",
		Status: models.UserStatusPending, Department: "production", JobTitle: "operator",
	}
	if err := env.store.CreateUser(context.Background(), pending); err != nil {
		t.Fatal(err)
	}

	authed := func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+rootToken)
		r.Header.Set(gateway.CSRFHeader, rootCSRF)
	}

	// Approval before any grant is refused
	w, resp := env.do(t, http.MethodPost, "/api/admin/users/u-new/approve", nil, authed)
	if w.Code != http.StatusConflict {
		t.Fatalf("premature approve status = %d body = %s", w.Code, w.Body.String())
	}
	if resp.Error == "" {
		t.Fatal("no error message")
	}

	w, _ = env.do(t, http.MethodPut, "/api/admin/users/u-new/permissions",
		map[string]interface{}{"action": "grant", "permissionIds": []string{"p-read-machines"}}, authed)
	if w.Code != http.StatusOK {
		t.Fatalf("grant status = %d body = %s", w.Code, w.Body.String())
	}

	w, resp = env.do(t, http.MethodPost, "/api/admin/users/u-new/approve", nil, authed)
	if w.Code != http.StatusOK {
		t.Fatalf("approve status = %d body = %s", w.Code, w.Body.String())
	}
	user := resp.Data.(map[string]interface{})["user"].(map[string]interface{})
	if user["username"] != "newhire" {
		t.Fatalf("approved user = %v", user)
	}

	stored, _ := env.store.FindUser(context.Background(), "u-new")
	if stored.Status != models.UserStatusActive {
		t.Fatalf("status = %s", stored.Status)
	}

	// Unknown permission id rejects the whole call
	w, _ = env.do(t, http.MethodPut, "/api/admin/users/u-new/permissions",
		map[string]interface{}{"action": "grant", "permissionIds": []string{"p-ghost"}}, authed)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown permission status = %d", w.Code)
	}

	// Schema endpoint lists the module
	w, resp = env.do(t, http.MethodGet, "/api/admin/permissions/schema", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+rootToken)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("schema status = %d", w.Code)
	}
	modules := resp.Data.(map[string]interface{})["modules"].([]interface{})
	if len(modules) != 1 {
		t.Fatalf("modules = %d", len(modules))
	}
}

func TestAdminDeactivateOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "plantmgr", "root-password", true)
	env.seedUser(t, "operator1", "correct-horse", false)
	rootToken, rootCSRF := env.login(t, "plantmgr", "root-password")

	authed := func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+rootToken)
		r.Header.Set(gateway.CSRFHeader, rootCSRF)
	}

	w, _ := env.do(t, http.MethodPost, "/api/admin/users/u-operator1/deactivate",
		map[string]string{"reason": "left the company"}, authed)
	if w.Code != http.StatusOK {
		t.Fatalf("deactivate status = %d body = %s", w.Code, w.Body.String())
	}

	stored, _ := env.store.FindUser(context.Background(), "u-operator1")
	if stored.Status != models.UserStatusDeactivated {
		t.Fatalf("status = %s", stored.Status)
	}

	// A deactivated account cannot log in
	w, _ = env.do(t, http.MethodPost, "/api/auth/login",
		map[string]string{"username": "operator1", "password": "correct-horse"}, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("login after deactivation status = %d", w.Code)
	}

	// Deactivating twice conflicts
	w, _ = env.do(t, http.MethodPost, "/api/admin/users/u-operator1/deactivate",
		map[string]string{"reason": "again"}, authed)
	if w.Code != http.StatusConflict {
		t.Fatalf("second deactivate status = %d", w.Code)
	}
}

func TestTemporaryGrantOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "plantmgr", "root-password", true)
	user := env.seedUser(t, "operator1", "correct-horse", false)
	rootToken, rootCSRF := env.login(t, "plantmgr", "root-password")
	opToken, _ := env.login(t, "operator1", "correct-horse")

	env.store.AddResource(models.Resource{
		ID: "res-machines", Key: "machineMaster", Name: "Machine Master",
		Module: "masterData", IsActive: true,
	})
	env.store.AddPermission(models.Permission{
		ID: "p-read-machines", Name: "masterData.machineMaster.read",
		Action: models.ActionRead, ResourceID: "res-machines",
		ScopeLevel: models.ScopeResource, IsAllow: true,
	})

	rootAuthed := func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+rootToken)
		r.Header.Set(gateway.CSRFHeader, rootCSRF)
	}
	check := func() bool {
		_, resp := env.do(t, http.MethodPost, "/api/permissions/check",
			map[string]string{"resource": "machineMaster", "action": "read"},
			func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+opToken) })
		return resp.Data.(map[string]interface{})["allowed"] == true
	}

	w, _ := env.do(t, http.MethodPut, "/api/admin/users/"+user.ID+"/permissions",
		map[string]interface{}{
			"action":        "grant",
			"permissionIds": []string{"p-read-machines"},
			"expiresAt":     time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		}, rootAuthed)
	if w.Code != http.StatusOK {
		t.Fatalf("grant status = %d body = %s", w.Code, w.Body.String())
	}
	if !check() {
		t.Fatal("unexpired grant denied")
	}

	// Re-grant with an expiry that already passed
	w, _ = env.do(t, http.MethodPut, "/api/admin/users/"+user.ID+"/permissions",
		map[string]interface{}{
			"action":        "grant",
			"permissionIds": []string{"p-read-machines"},
			"expiresAt":     time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
		}, rootAuthed)
	if w.Code != http.StatusOK {
		t.Fatalf("grant status = %d body = %s", w.Code, w.Body.String())
	}
	if check() {
		t.Fatal("expired grant still authorizes")
	}
}

func TestAdminAuditUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "plantmgr", "root-password", true)
	token, _ := env.login(t, "plantmgr", "root-password")

	w, _ := env.do(t, http.MethodGet, "/api/admin/audit?limit=10", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestPasswordChangeOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "operator1", "old-password", false)
	token, csrfToken := env.login(t, "operator1", "old-password")

	w, _ := env.do(t, http.MethodPost, "/api/auth/password",
		map[string]string{"currentPassword": "old-password", "newPassword": "new-password"},
		func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+token)
			r.Header.Set(gateway.CSRFHeader, csrfToken)
		})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	// The new password works at the next login
	env.login(t, "operator1", "new-password")
}

func TestPermissionCheckOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "operator1", "correct-horse", false)
	token, _ := env.login(t, "operator1", "correct-horse")

	env.store.AddResource(models.Resource{
		ID: "res-machines", Key: "machineMaster", Name: "Machine Master",
		Module: "masterData", IsActive: true,
	})
	env.store.AddPermission(models.Permission{
		ID: "p-read-machines", Name: "masterData.machineMaster.read",
		Action: models.ActionRead, ResourceID: "res-machines",
		ScopeLevel: models.ScopeResource, IsAllow: true,
	})

	authed := func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}

	// No check without a session
	w, _ := env.do(t, http.MethodPost, "/api/permissions/check",
		map[string]string{"resource": "machineMaster", "action": "read"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", w.Code)
	}

	// Missing action is a validation error
	w, _ = env.do(t, http.MethodPost, "/api/permissions/check",
		map[string]string{"resource": "machineMaster"}, authed)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing action status = %d", w.Code)
	}

	// No grant yet
	w, resp := env.do(t, http.MethodPost, "/api/permissions/check",
		map[string]string{"resource": "machineMaster", "action": "read"}, authed)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if resp.Data.(map[string]interface{})["allowed"] != false {
		t.Fatal("allowed before grant")
	}

	if err := env.store.UpsertGrant(context.Background(), models.Grant{
		UserID: user.ID, PermissionID: "p-read-machines",
		GrantedBy: "u-plantmgr", GrantedAt: time.Now(), IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}

	_, resp = env.do(t, http.MethodPost, "/api/permissions/check",
		map[string]string{"resource": "machineMaster", "action": "read"}, authed)
	if resp.Data.(map[string]interface{})["allowed"] != true {
		t.Fatalf("allowed = %v after grant", resp.Data)
	}

	// A different action on the same resource stays denied
	_, resp = env.do(t, http.MethodPost, "/api/permissions/check",
		map[string]string{"resource": "machineMaster", "action": "delete"}, authed)
	if resp.Data.(map[string]interface{})["allowed"] != false {
		t.Fatal("delete allowed with only a read grant")
	}
}

func TestUnknownEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w, _ := env.do(t, http.MethodGet, "/api/nope", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestLoginRateLimitOverHTTP(t *testing.T) {
	st := store.NewMemoryStore()
	hasher := hashing.NewHasher(4)
	log := audit.NewLogger(st, audit.WithSideEffectRunner(func(fn func()) { fn() }))
	verifier := session.NewVerifier(st, session.WithSideEffectRunner(func(fn func()) { fn() }))
	codec, _ := csrf.NewCodec(testSecret)
	gw := gateway.New(verifier, codec)

	loginLimiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), 2, time.Minute, time.Minute)
	apiLimiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), 1000, time.Minute, time.Minute)
	authSvc := service.NewAuthService(st, hasher, log)
	permAdmin := permission.NewAdmin(st, log)
	adminSvc := service.NewAdminService(st, permAdmin, log, hasher)

	router := NewRouter(
		NewAuthHandler(gw, authSvc, loginLimiter, apiLimiter, time.Hour, false, false),
		NewAdminHandler(gw, adminSvc, apiLimiter, false),
		NewPermissionHandler(gw, permission.NewEngine(st), apiLimiter, false),
		util.Get(), RouterOptions{})

	body := func() *bytes.Buffer {
		b, _ := json.Marshal(map[string]string{"username": "ghost_user", "password": "whatever1"})
		return bytes.NewBuffer(b)
	}
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodPost, "/api/auth/login", body())
		r.RemoteAddr = "203.0.113.9:1000"
		r.Header.Set("User-Agent", "load-test")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)

		want := http.StatusUnauthorized
		if i >= 2 {
			want = http.StatusTooManyRequests
		}
		if w.Code != want {
			t.Fatalf("attempt %d: status = %d, want %d", i+1, w.Code, want)
		}
		if i >= 2 && w.Header().Get("Retry-After") == "" {
			t.Fatal("Retry-After missing")
		}
	}
}
