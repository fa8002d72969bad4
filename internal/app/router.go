package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/odyssey-erp/odyssey-access/internal/audit/http"
	"github.com/odyssey-erp/odyssey-access/internal/auth"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	rbachttp "github.com/odyssey-erp/odyssey-access/internal/rbac/http"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
	"github.com/odyssey-erp/odyssey-access/internal/users"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	SessionManager     *shared.SessionManager
	TokenManager       *shared.TokenManager
	AuthHandler        *auth.Handler
	UsersHandler       *users.Handler
	PermissionsHandler *rbachttp.Handler
	AuditHandler       *audithttp.Handler
	JobHandler         *jobs.Handler
	RBACMiddleware     rbac.Middleware
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with Odyssey defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		TokenManager:   params.TokenManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	if params.Config == nil || !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondError(w, httpx.ErrNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusMethodNotAllowed, httpx.Failure{Error: http.StatusText(http.StatusMethodNotAllowed)})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if params.AuthHandler != nil {
		r.Route("/auth", params.AuthHandler.MountRoutes)
	}
	if params.UsersHandler != nil {
		r.Route("/users", params.UsersHandler.MountRoutes)
	}
	// Both handlers share the /permissions prefix, so they mount onto one subrouter.
	if params.PermissionsHandler != nil || params.AuditHandler != nil {
		r.Route("/permissions", func(pr chi.Router) {
			pr.Use(params.RBACMiddleware.RequireActor)
			params.PermissionsHandler.MountRoutes(pr)
			params.AuditHandler.MountRoutes(pr)
		})
	}
	if params.JobHandler != nil {
		r.Route("/jobs", func(jr chi.Router) {
			jr.Use(params.RBACMiddleware.RequireModule(rbac.ModuleSystemPreferences, rbac.ActionRead))
			params.JobHandler.MountRoutes(jr)
		})
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
