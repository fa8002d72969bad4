package rbachttp

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const (
	defaultMutationLimit = 60
	mutationRateWindow   = time.Minute
)

// WithMutationLimit sets how many permission changes one actor may submit per minute.
func (h *Handler) WithMutationLimit(perMinute int) *Handler {
	if h != nil && perMinute > 0 {
		h.mutationLimit = perMinute
	}
	return h
}

// MountRoutes registers the permission administration endpoints. The caller is expected
// to mount them behind actor resolution.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limit := h.mutationLimit
	if limit <= 0 {
		limit = defaultMutationLimit
	}
	limiter := httprate.Limit(limit, mutationRateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.JSON(w, http.StatusTooManyRequests, httpx.Failure{Error: http.StatusText(http.StatusTooManyRequests)})
		}),
	)
	r.Get("/configuration", h.handleConfiguration)
	r.Get("/me", h.handleMe)
	r.Post("/check/{userId}", h.handleCheck)
	r.Get("/users/{userId}/complete", h.handleComplete)
	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Post("/users/{userId}/modules/{moduleName}", h.handleSet)
		gr.Delete("/users/{userId}/modules/{moduleName}", h.handleDelete)
		gr.Post("/users/{userId}/bulk", h.handleBulk)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if actor, ok := shared.ActorFromContext(r.Context()); ok {
		return "user:" + strconv.FormatInt(actor.UserID, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
