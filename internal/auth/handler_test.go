package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-access/internal/auth"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

type stubRepo struct {
	user     *auth.User
	sessions map[string]int64
	findErr  error
}

func (s *stubRepo) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.user == nil || !strings.EqualFold(s.user.Email, email) {
		return nil, shared.ErrNotFound
	}
	return s.user, nil
}

func (s *stubRepo) CreateSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	s.sessions[id] = userID
	return nil
}

func (s *stubRepo) DeleteSession(ctx context.Context, id string) error {
	delete(s.sessions, id)
	return nil
}

type authEnv struct {
	repo     *stubRepo
	sessions *shared.SessionManager
	tokens   *shared.TokenManager
	router   http.Handler
}

func newAuthEnv(t *testing.T, status string) authEnv {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte("correctpass"), bcrypt.MinCost)
	require.NoError(t, err)
	repo := &stubRepo{
		user:     &auth.User{ID: 7, Email: "sari@test.local", Name: "Sari", PasswordHash: string(hashed), Role: "staff", Status: status},
		sessions: map[string]int64{},
	}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sessions := shared.NewSessionManager(client, "test_session", time.Hour, false)
	tokens := shared.NewTokenManager("token-secret", 15*time.Minute)
	handler := auth.NewHandler(nil, auth.NewService(repo), sessions, tokens)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			sess, err := sessions.Load(req.Context(), req)
			require.NoError(t, err)
			ctx := shared.ContextWithSession(req.Context(), sess)
			if id, ok := sess.User(); ok {
				ctx = shared.ContextWithActor(ctx, shared.Actor{UserID: id, Via: shared.ActorViaSession})
			}
			// Commit before the body is written so cookies reach the recorder.
			cw := &commitWriter{ResponseWriter: w, commit: func() {
				require.NoError(t, sessions.Commit(ctx, w, req, sess))
			}}
			next.ServeHTTP(cw, req.WithContext(ctx))
		})
	})
	r.Route("/auth", handler.MountRoutes)
	return authEnv{repo: repo, sessions: sessions, tokens: tokens, router: r}
}

type commitWriter struct {
	http.ResponseWriter
	commit    func()
	committed bool
}

func (w *commitWriter) WriteHeader(status int) {
	if !w.committed {
		w.committed = true
		w.commit()
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *commitWriter) Write(b []byte) (int, error) {
	if !w.committed {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (e authEnv) post(path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestLoginSetsSessionUser(t *testing.T) {
	env := newAuthEnv(t, "active")

	rec := env.post("/auth/login", `{"email":"sari@test.local","password":"correctpass"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"data":{"userId":7,"name":"Sari","role":"staff"}}`, rec.Body.String())

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, int64(7), env.repo.sessions[cookies[0].Value])

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	sess, err := env.sessions.Load(context.Background(), req)
	require.NoError(t, err)
	id, ok := sess.User()
	require.True(t, ok)
	assert.Equal(t, int64(7), id)
}

func TestLoginInvalidCredentials(t *testing.T) {
	env := newAuthEnv(t, "active")

	rec := env.post("/auth/login", `{"email":"sari@test.local","password":"wrongpass"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid credentials")
	assert.Empty(t, rec.Result().Cookies())
	assert.Empty(t, env.repo.sessions)
}

func TestLoginUnknownEmail(t *testing.T) {
	env := newAuthEnv(t, "active")
	rec := env.post("/auth/login", `{"email":"nobody@test.local","password":"correctpass"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid credentials")
}

func TestLoginRepositoryFailure(t *testing.T) {
	env := newAuthEnv(t, "active")
	env.repo.findErr = errors.New("connection refused")
	rec := env.post("/auth/login", `{"email":"sari@test.local","password":"correctpass"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, env.repo.sessions)
}

func TestLoginInactiveAccount(t *testing.T) {
	env := newAuthEnv(t, "suspended")
	rec := env.post("/auth/login", `{"email":"sari@test.local","password":"correctpass"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginValidation(t *testing.T) {
	env := newAuthEnv(t, "active")
	rec := env.post("/auth/login", `{"email":"not-an-email","password":"short"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "email", body.Fields["Email"])
	assert.Equal(t, "min", body.Fields["Password"])
}

func TestTokenRequiresSessionAndLogoutEndsIt(t *testing.T) {
	env := newAuthEnv(t, "active")

	rec := env.post("/auth/token", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	login := env.post("/auth/login", `{"email":"sari@test.local","password":"correctpass"}`)
	require.Equal(t, http.StatusOK, login.Code)
	cookie := login.Result().Cookies()[0]

	rec = env.post("/auth/token", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data struct {
			Token     string `json:"token"`
			TokenType string `json:"tokenType"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp.Data.TokenType)
	id, err := env.tokens.Verify(resp.Data.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	rec = env.post("/auth/logout", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.repo.sessions)

	rec = env.post("/auth/token", "", cookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
