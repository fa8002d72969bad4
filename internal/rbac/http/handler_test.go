package rbachttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/rbac/rbactest"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const (
	adminID   int64 = 1
	staffID   int64 = 7
	auditorID int64 = 8
)

type testEnv struct {
	store  *rbactest.Store
	trail  *rbactest.Trail
	router http.Handler
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	store := rbactest.NewStore()
	store.AddUser(adminID, "Admin", rbac.RoleAdmin, rbac.StatusActive)
	store.AddUser(staffID, "Sari", rbac.RoleStaff, rbac.StatusActive)
	store.AddUser(auditorID, "Dewi", rbac.RoleManager, rbac.StatusActive)
	store.Grant(rbac.RoleStaff, rbac.ModuleInventory, rbac.ActionRead)
	store.Grant(rbac.RoleManager, rbac.ModuleUserManagement, rbac.ActionRead)

	trail := &rbactest.Trail{}
	svc := rbac.NewService(store, store, trail, rbac.ServiceConfig{})
	h := NewHandler(nil, svc)
	h.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if raw := req.Header.Get("X-Actor"); raw != "" {
				id, _ := strconv.ParseInt(raw, 10, 64)
				req = req.WithContext(shared.ContextWithActor(req.Context(), shared.Actor{UserID: id, Via: shared.ActorViaToken}))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/permissions", h.MountRoutes)
	return testEnv{store: store, trail: trail, router: r}
}

func (e testEnv) do(t *testing.T, method, path string, actor int64, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if actor > 0 {
		req.Header.Set("X-Actor", strconv.FormatInt(actor, 10))
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCheckEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/permissions/check/7", staffID, `{"resource":"inventory","action":"read"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"granted":true,"reason":"Role-based permission: staff can read inventory","timestamp":"2025-01-02T03:04:05Z"}`, rec.Body.String())

	checks := env.trail.Checks()
	require.Len(t, checks, 1)
	assert.Equal(t, "192.0.2.1", checks[0].IPAddress)
}

func TestCheckEndpointValidation(t *testing.T) {
	env := newTestEnv(t)

	for name, tc := range map[string]struct {
		path  string
		body  string
		field string
	}{
		"non numeric id": {"/permissions/check/abc", `{"resource":"inventory","action":"read"}`, "userId"},
		"zero id":        {"/permissions/check/0", `{"resource":"inventory","action":"read"}`, "userId"},
		"missing action": {"/permissions/check/7", `{"resource":"inventory"}`, "action"},
		"unknown module": {"/permissions/check/7", `{"resource":"payroll","action":"read"}`, "resource"},
		"unknown action": {"/permissions/check/7", `{"resource":"inventory","action":"destroy"}`, "action"},
		"malformed":      {"/permissions/check/7", `{"resource":`, "body"},
	} {
		t.Run(name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tc.path, adminID, tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, false, body["success"])
			fields, _ := body["fields"].(map[string]any)
			assert.Contains(t, fields, tc.field)
		})
	}
}

func TestCheckEndpointRequiresActor(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/permissions/check/7", 0, `{"resource":"inventory","action":"read"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, env.trail.Checks())
}

func TestCompleteEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.store.SetExplicit(staffID, rbac.ModuleReports, true)

	rec := env.do(t, http.MethodGet, "/permissions/users/7/complete", staffID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool                 `json:"success"`
		Data    rbac.UserPermissions `json:"data"`
		Modules []rbac.CatalogEntry  `json:"modules"`
		Actions []rbac.CatalogEntry  `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.ElementsMatch(t, []rbac.Module{rbac.ModuleReports, rbac.ModuleInventory}, resp.Data.Effective)
	assert.Len(t, resp.Modules, 15)
	assert.Len(t, resp.Actions, 6)
}

func TestCompleteEndpointGuardsOtherUsers(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/permissions/users/1/complete", staffID, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/permissions/users/7/complete", auditorID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/permissions/users/404/complete", adminID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMeEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/permissions/me", staffID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	data := body["data"].(map[string]any)
	assert.Equal(t, []any{"inventory"}, data["effective"])

	rec = env.do(t, http.MethodGet, "/permissions/me", 0, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSetPermissionEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/permissions/users/7/modules/inventory", adminID, `{"accessGranted":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Permission denied for Inventory", body["message"])
	data := body["data"].(map[string]any)
	assert.Equal(t, "inventory", data["moduleName"])
	assert.Equal(t, false, data["accessGranted"])

	changes := env.trail.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, adminID, changes[0].AdminUserID)
	assert.Equal(t, audit.ChangeCreated, changes[0].Action)
}

func TestSetPermissionEndpointErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/permissions/users/7/modules/inventory", staffID, `{"accessGranted":true}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, env.store.ExplicitCount(staffID, rbac.ModuleInventory))

	rec = env.do(t, http.MethodPost, "/permissions/users/7/modules/payroll", adminID, `{"accessGranted":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/permissions/users/7/modules/inventory", adminID, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/permissions/users/7/modules/inventory", adminID, `{"accessGranted":"yes"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/permissions/users/404/modules/inventory", adminID, `{"accessGranted":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/permissions/users/7/modules/inventory", 0, `{"accessGranted":true}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeletePermissionEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.store.SetExplicit(staffID, rbac.ModuleInventory, false)

	rec := env.do(t, http.MethodDelete, "/permissions/users/7/modules/inventory", adminID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, env.store.ExplicitCount(staffID, rbac.ModuleInventory))

	rec = env.do(t, http.MethodDelete, "/permissions/users/7/modules/inventory", adminID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBulkEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/permissions/users/7/bulk", adminID,
		`{"permissions":[{"moduleName":"reports","accessGranted":true},{"moduleName":"payroll","accessGranted":true},{"moduleName":"orders","accessGranted":false}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool            `json:"success"`
		Data    rbac.BulkResult `json:"data"`
		Message string          `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.Data.Updated)
	assert.Equal(t, 1, resp.Data.Failed)
	require.Len(t, resp.Data.Errors, 1)
	assert.Equal(t, "payroll", resp.Data.Errors[0].ModuleName)
	assert.Equal(t, "Updated 2 permissions, 1 failed", resp.Message)
}

func TestBulkEndpointValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/permissions/users/7/bulk", adminID, `{"permissions":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/permissions/users/7/bulk", adminID, `{"permissions":[{"moduleName":"reports"}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	fields := decodeBody(t, rec)["fields"].(map[string]any)
	assert.Contains(t, fields, "permissions[0].accessGranted")

	rec = env.do(t, http.MethodPost, "/permissions/users/7/bulk", staffID, `{"permissions":[{"moduleName":"reports","accessGranted":true}]}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestConfigurationEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/permissions/configuration", staffID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool         `json:"success"`
		Data    rbac.Catalog `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Len(t, resp.Data.Modules, 15)
	assert.Len(t, resp.Data.Roles, 6)
}

func TestFieldName(t *testing.T) {
	assert.Equal(t, "permissions[0].moduleName", fieldName("bulkRequest.Permissions[0].ModuleName"))
	assert.Equal(t, "accessGranted", fieldName("setRequest.AccessGranted"))
}
