package users

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// Handler manages user directory endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireModule(rbac.ModuleUsers, rbac.ActionRead))
		r.Get("/", h.listUsers)
	})
}

type listResponse struct {
	Success bool     `json:"success"`
	Data    listData `json:"data"`
}

type listData struct {
	Users  []User `json:"users"`
	Total  int    `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	users, total, err := h.service.ListUsers(r.Context(), filter)
	if err != nil {
		h.logger.Error("list users failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	filter = filter.normalized()
	httpx.JSON(w, http.StatusOK, listResponse{
		Success: true,
		Data:    listData{Users: users, Total: total, Limit: filter.Limit, Offset: filter.Offset},
	})
}

func parseFilter(r *http.Request) (ListFilter, error) {
	q := r.URL.Query()
	filter := ListFilter{Search: strings.TrimSpace(q.Get("q"))}
	if raw := strings.TrimSpace(q.Get("role")); raw != "" {
		role, ok := rbac.ParseRole(raw)
		if !ok {
			return ListFilter{}, httpx.Invalid("role", "unknown role")
		}
		filter.Role = string(role)
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		switch status := rbac.Status(strings.ToLower(raw)); status {
		case rbac.StatusActive, rbac.StatusInactive, rbac.StatusSuspended:
			filter.Status = string(status)
		default:
			return ListFilter{}, httpx.Invalid("status", "unknown status")
		}
	}
	for field, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := strings.TrimSpace(q.Get(field))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return ListFilter{}, httpx.Invalid(field, "must be a non-negative integer")
		}
		*dst = v
	}
	return filter, nil
}
