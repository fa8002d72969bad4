package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	audithttp "github.com/odyssey-erp/odyssey-access/internal/audit/http"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	rbachttp "github.com/odyssey-erp/odyssey-access/internal/rbac/http"
	"github.com/odyssey-erp/odyssey-access/internal/rbac/rbactest"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

type emptyReader struct{}

func (emptyReader) UserAccessLogs(context.Context, int64, int) []audit.AccessCheck {
	return []audit.AccessCheck{}
}

func (emptyReader) PermissionChangeHistory(context.Context, int64, int) []audit.PermissionChange {
	return []audit.PermissionChange{}
}

func (emptyReader) SecurityAnalytics(context.Context, int) audit.SecurityAnalytics {
	return audit.SecurityAnalytics{}
}

type routerEnv struct {
	router   http.Handler
	tokens   *shared.TokenManager
	sessions *shared.SessionManager
	trail    *rbactest.Trail
}

func newRouterEnv(t *testing.T) routerEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := rbactest.NewStore()
	store.AddUser(1, "Admin", rbac.RoleAdmin, rbac.StatusActive)
	store.AddUser(7, "Sari", rbac.RoleStaff, rbac.StatusActive)
	store.Grant(rbac.RoleStaff, rbac.ModuleInventory, rbac.ActionRead)
	store.SetExplicit(7, rbac.ModuleReports, true)
	store.SetExplicit(1, rbac.ModuleBackups, false)
	trail := &rbactest.Trail{}
	svc := rbac.NewService(store, store, trail, rbac.ServiceConfig{})

	sessions := shared.NewSessionManager(client, "test_session", time.Hour, false)
	tokens := shared.NewTokenManager(strings.Repeat("k", 32), time.Minute)
	router := NewRouter(RouterParams{
		Config:             &Config{AppEnv: "production", RateLimitPerMinute: 1000},
		SessionManager:     sessions,
		TokenManager:       tokens,
		PermissionsHandler: rbachttp.NewHandler(nil, svc),
		AuditHandler:       audithttp.NewHandler(nil, emptyReader{}, svc),
		JobHandler:         jobs.NewHandler(nil, nil),
		RBACMiddleware:     rbac.Middleware{Service: svc},
		Metrics:            observability.NewMetrics(),
	})
	return routerEnv{router: router, tokens: tokens, sessions: sessions, trail: trail}
}

func (e routerEnv) do(t *testing.T, method, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e routerEnv) token(t *testing.T, userID int64) string {
	t.Helper()
	raw, _, err := e.tokens.Issue(userID)
	require.NoError(t, err)
	return raw
}

func TestHealthz(t *testing.T) {
	env := newRouterEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Empty(t, rec.Result().Cookies())
}

func TestPermissionsRequireActor(t *testing.T) {
	env := newRouterEnv(t)
	for _, path := range []string{"/permissions/configuration", "/permissions/me", "/permissions/history"} {
		assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, path, "").Code, path)
	}
}

func TestBearerTokenResolvesActor(t *testing.T) {
	env := newRouterEnv(t)

	rec := env.do(t, http.MethodGet, "/permissions/me", env.token(t, 7))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data rbac.UserPermissions `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data.Explicit, 1)
	assert.Equal(t, int64(7), body.Data.Explicit[0].UserID)
	assert.Equal(t, rbac.ModuleReports, body.Data.Explicit[0].Module)
	require.Len(t, body.Data.RoleBased, 1)
	assert.Equal(t, rbac.ModuleInventory, body.Data.RoleBased[0].Resource)
	assert.ElementsMatch(t, []rbac.Module{rbac.ModuleInventory, rbac.ModuleReports}, body.Data.Effective)

	rec = env.do(t, http.MethodGet, "/permissions/me", env.token(t, 1))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data.Explicit, 1)
	assert.Equal(t, int64(1), body.Data.Explicit[0].UserID)

	// The audit routes share the /permissions prefix.
	rec = env.do(t, http.MethodGet, "/permissions/analytics/user/7", env.token(t, 7))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInvalidBearerIsRejected(t *testing.T) {
	env := newRouterEnv(t)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/healthz", "garbage").Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionResolvesActor(t *testing.T) {
	env := newRouterEnv(t)

	sess, err := env.sessions.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.SetUser(1)
	rec := httptest.NewRecorder()
	require.NoError(t, env.sessions.Commit(context.Background(), rec, httptest.NewRequest(http.MethodGet, "/", nil), sess))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	req := httptest.NewRequest(http.MethodGet, "/permissions/history", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJobsHealthRequiresSystemPreferences(t *testing.T) {
	env := newRouterEnv(t)

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/jobs/health", "").Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/jobs/health", env.token(t, 7)).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/jobs/health", env.token(t, 1)).Code)

	checks := env.trail.Checks()
	require.Len(t, checks, 2)
	assert.Equal(t, "system_preferences", checks[0].Resource)
	assert.NotEmpty(t, checks[0].IPAddress)
}

func TestUnknownRouteIsJSON(t *testing.T) {
	env := newRouterEnv(t)
	rec := env.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newRouterEnv(t)
	env.do(t, http.MethodGet, "/healthz", "")
	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `odyssey_http_requests_total{code="200",route="/healthz"}`)
}
