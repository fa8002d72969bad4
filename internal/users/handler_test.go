package users_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/rbac/rbactest"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
	"github.com/odyssey-erp/odyssey-access/internal/users"
)

type stubRepo struct {
	users  []users.User
	filter users.ListFilter
}

func (s *stubRepo) ListUsers(_ context.Context, filter users.ListFilter) ([]users.User, int, error) {
	s.filter = filter
	return s.users, len(s.users), nil
}

func newUsersRouter(t *testing.T, repo *stubRepo) (http.Handler, *rbactest.Trail) {
	t.Helper()
	store := rbactest.NewStore()
	store.AddUser(1, "Admin", rbac.RoleAdmin, rbac.StatusActive)
	store.AddUser(7, "Sari", rbac.RoleStaff, rbac.StatusActive)
	trail := &rbactest.Trail{}
	svc := rbac.NewService(store, store, trail, rbac.ServiceConfig{})

	h := users.NewHandler(nil, users.NewService(repo), rbac.Middleware{Service: svc})
	r := chi.NewRouter()
	r.Route("/users", h.MountRoutes)
	return r, trail
}

func getAs(router http.Handler, path string, actor int64) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if actor > 0 {
		req = req.WithContext(shared.ContextWithActor(req.Context(), shared.Actor{UserID: actor}))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestListUsersRequiresUsersRead(t *testing.T) {
	router, trail := newUsersRouter(t, &stubRepo{})

	assert.Equal(t, http.StatusUnauthorized, getAs(router, "/users/", 0).Code)
	assert.Equal(t, http.StatusForbidden, getAs(router, "/users/", 7).Code)

	checks := trail.Checks()
	require.Len(t, checks, 1)
	assert.Equal(t, "users", checks[0].Resource)
	assert.False(t, checks[0].Granted)
}

func TestListUsers(t *testing.T) {
	repo := &stubRepo{users: []users.User{{ID: 7, Email: "sari@test.local", Name: "Sari", Role: "staff", Status: "active"}}}
	router, _ := newUsersRouter(t, repo)

	rec := getAs(router, "/users/?role=Staff&status=active&q=sar&limit=500&offset=10", 1)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, users.ListFilter{Role: "staff", Status: "active", Search: "sar", Limit: 200, Offset: 10}, repo.filter)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Users []users.User `json:"users"`
			Total int          `json:"total"`
			Limit int          `json:"limit"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.Data.Total)
	assert.Equal(t, 200, resp.Data.Limit)
	assert.Equal(t, "sari@test.local", resp.Data.Users[0].Email)
}

func TestListUsersEmptyIsArray(t *testing.T) {
	router, _ := newUsersRouter(t, &stubRepo{})
	rec := getAs(router, "/users/", 1)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"users":[]`)
}

func TestListUsersRejectsBadFilters(t *testing.T) {
	router, _ := newUsersRouter(t, &stubRepo{})
	for _, path := range []string{"/users/?role=janitor", "/users/?status=deleted", "/users/?limit=x", "/users/?offset=-1"} {
		assert.Equal(t, http.StatusBadRequest, getAs(router, path, 1).Code, path)
	}
}
