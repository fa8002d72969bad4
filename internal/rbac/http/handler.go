package rbachttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// PermissionService is the slice of rbac.Service the handlers use.
type PermissionService interface {
	CheckPermission(ctx context.Context, req rbac.CheckRequest) rbac.Decision
	Allowed(ctx context.Context, userID int64, resource rbac.Module, action rbac.Action) bool
	GetUserPermissions(ctx context.Context, userID int64) (rbac.UserPermissions, error)
	SetUserPermission(ctx context.Context, userID int64, module rbac.Module, granted bool, adminID int64) (rbac.ExplicitPermission, error)
	DeleteUserPermission(ctx context.Context, userID int64, module rbac.Module, adminID int64) (rbac.ExplicitPermission, error)
	BulkSetUserPermissions(ctx context.Context, userID int64, items []rbac.BulkItem, adminID int64) (rbac.BulkResult, error)
}

// Handler serves the permission administration API.
type Handler struct {
	logger        *slog.Logger
	service       PermissionService
	validator     *validator.Validate
	now           func() time.Time
	mutationLimit int
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service PermissionService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
		now:       time.Now,
	}
}

type checkRequest struct {
	Resource string `json:"resource" validate:"required"`
	Action   string `json:"action" validate:"required"`
}

type checkResponse struct {
	Granted   bool      `json:"granted"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type setRequest struct {
	AccessGranted *bool `json:"accessGranted" validate:"required"`
}

type bulkRequest struct {
	Permissions []rbac.BulkItem `json:"permissions" validate:"required,min=1,max=100,dive"`
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Message string `json:"message,omitempty"`
}

type completeResponse struct {
	Success bool                 `json:"success"`
	Data    rbac.UserPermissions `json:"data"`
	Modules []rbac.CatalogEntry  `json:"modules"`
	Actions []rbac.CatalogEntry  `json:"actions"`
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.authorizeRead(r, userID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req checkRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	module, err := rbac.ParseModule(req.Resource)
	if err != nil {
		httpx.RespondError(w, httpx.Invalid("resource", err.Error()))
		return
	}
	action, err := rbac.ParseAction(req.Action)
	if err != nil {
		httpx.RespondError(w, httpx.Invalid("action", err.Error()))
		return
	}
	decision := h.service.CheckPermission(r.Context(), rbac.CheckRequest{
		UserID:    userID,
		Resource:  module,
		Action:    action,
		IPAddress: rbac.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	httpx.JSON(w, http.StatusOK, checkResponse{
		Granted:   decision.Granted,
		Reason:    decision.Reason,
		Timestamp: h.now().UTC(),
	})
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.authorizeRead(r, userID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.writeComplete(w, r, userID)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	h.writeComplete(w, r, actor.UserID)
}

func (h *Handler) writeComplete(w http.ResponseWriter, r *http.Request, userID int64) {
	perms, err := h.service.GetUserPermissions(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, "get user permissions", err)
		return
	}
	catalog := rbac.Configuration()
	httpx.JSON(w, http.StatusOK, completeResponse{
		Success: true,
		Data:    perms,
		Modules: catalog.Modules,
		Actions: catalog.Actions,
	})
}

func (h *Handler) handleSet(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	userID, err := userIDParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	module, err := moduleParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req setRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	perm, err := h.service.SetUserPermission(r.Context(), userID, module, *req.AccessGranted, actor.UserID)
	if err != nil {
		h.respondServiceError(w, "set user permission", err)
		return
	}
	verb := "granted"
	if !perm.AccessGranted {
		verb = "denied"
	}
	httpx.JSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    perm,
		Message: fmt.Sprintf("Permission %s for %s", verb, module.Label()),
	})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	userID, err := userIDParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	module, err := moduleParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	removed, err := h.service.DeleteUserPermission(r.Context(), userID, module, actor.UserID)
	if err != nil {
		h.respondServiceError(w, "delete user permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    removed,
		Message: fmt.Sprintf("Explicit permission for %s removed", module.Label()),
	})
}

func (h *Handler) handleBulk(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	userID, err := userIDParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req bulkRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.BulkSetUserPermissions(r.Context(), userID, req.Permissions, actor.UserID)
	if err != nil {
		h.respondServiceError(w, "bulk set user permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    result,
		Message: fmt.Sprintf("Updated %d permissions, %d failed", result.Updated, result.Failed),
	})
}

func (h *Handler) handleConfiguration(w http.ResponseWriter, _ *http.Request) {
	httpx.JSON(w, http.StatusOK, envelope{Success: true, Data: rbac.Configuration()})
}

// authorizeRead lets actors read their own permission data; reading anyone else's
// requires user_management:read.
func (h *Handler) authorizeRead(r *http.Request, userID int64) error {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		return httpx.ErrUnauthorized
	}
	if actor.UserID == userID {
		return nil
	}
	if h.service.Allowed(r.Context(), actor.UserID, rbac.ModuleUserManagement, rbac.ActionRead) {
		return nil
	}
	return httpx.ErrForbidden
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return err
	}
	if err := h.validator.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fieldName(fe.Namespace())] = fe.Tag()
			}
			return &httpx.FieldError{Fields: fields}
		}
		return httpx.Invalid("body", err.Error())
	}
	return nil
}

func (h *Handler) respondServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, rbac.ErrInsufficientPermission):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrForbidden, err))
	case errors.Is(err, rbac.ErrNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: user", httpx.ErrNotFound))
	case errors.Is(err, rbac.ErrUnknownModule), errors.Is(err, rbac.ErrUnknownAction):
		httpx.RespondError(w, httpx.Invalid("moduleName", err.Error()))
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func userIDParam(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "userId"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, httpx.Invalid("userId", "must be a positive integer")
	}
	return id, nil
}

func moduleParam(r *http.Request) (rbac.Module, error) {
	module, err := rbac.ParseModule(chi.URLParam(r, "moduleName"))
	if err != nil {
		return "", httpx.Invalid("moduleName", err.Error())
	}
	return module, nil
}

// fieldName turns "bulkRequest.Permissions[0].ModuleName" into "permissions[0].moduleName".
func fieldName(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToLower(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, ".")
}
