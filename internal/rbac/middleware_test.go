package rbac_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

func serveGuarded(f fixture, actor *shared.Actor, module rbac.Module, action rbac.Action) *httptest.ResponseRecorder {
	mw := rbac.Middleware{Service: f.svc}
	h := mw.RequireModule(module, action)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
	req.RemoteAddr = "192.0.2.10:4411"
	req.Header.Set("User-Agent", "erp-ui/1.0")
	if actor != nil {
		req = req.WithContext(shared.ContextWithActor(context.Background(), *actor))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequireModule(t *testing.T) {
	f := newFixture(t)

	rec := serveGuarded(f, nil, rbac.ModuleInventory, rbac.ActionRead)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.trail.Checks())

	rec = serveGuarded(f, &shared.Actor{UserID: staffID}, rbac.ModuleInventory, rbac.ActionRead)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serveGuarded(f, &shared.Actor{UserID: staffID}, rbac.ModuleBackups, rbac.ActionRead)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"forbidden"}`, rec.Body.String())

	checks := f.trail.Checks()
	require.Len(t, checks, 2)
	assert.Equal(t, "192.0.2.10", checks[0].IPAddress)
	assert.Equal(t, "erp-ui/1.0", checks[0].UserAgent)
}

func TestRequireActor(t *testing.T) {
	mw := rbac.Middleware{}
	h := mw.RequireActor(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(shared.ContextWithActor(req.Context(), shared.Actor{UserID: 3}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCaptureClient(t *testing.T) {
	var ip, ua string
	h := rbac.CaptureClient(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		ip, ua = rbac.ClientFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9"
	req.Header.Set("User-Agent", "probe")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "203.0.113.9", ip)
	assert.Equal(t, "probe", ua)
}
