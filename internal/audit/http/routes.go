package audithttp

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const rateLimit = 30
const rateWindow = time.Minute

// MountRoutes mendaftarkan endpoint analitik dan riwayat izin.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(rateLimit, rateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.JSON(w, http.StatusTooManyRequests, httpx.Failure{Error: http.StatusText(http.StatusTooManyRequests)})
		}),
	)
	r.Get("/analytics/user/{userId}", h.handleUserLogs)
	r.Get("/history", h.handleHistory)
	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Get("/analytics/security", h.handleSecurity)
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
