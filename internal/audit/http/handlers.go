package audithttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Reader mendefinisikan kontrak baca log audit.
type Reader interface {
	UserAccessLogs(ctx context.Context, userID int64, limit int) []audit.AccessCheck
	PermissionChangeHistory(ctx context.Context, targetUserID int64, limit int) []audit.PermissionChange
	SecurityAnalytics(ctx context.Context, days int) audit.SecurityAnalytics
}

// Authorizer memeriksa izin aktor saat ini.
type Authorizer interface {
	Allowed(ctx context.Context, userID int64, resource rbac.Module, action rbac.Action) bool
}

// Handler menangani endpoint analitik dan riwayat izin.
type Handler struct {
	logger *slog.Logger
	reader Reader
	authz  Authorizer
}

// NewHandler membuat handler audit baru.
func NewHandler(logger *slog.Logger, reader Reader, authz Authorizer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, reader: reader, authz: authz}
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Period  string `json:"period,omitempty"`
}

type userLogsData struct {
	UserID    int64               `json:"userId"`
	Logs      []audit.AccessCheck `json:"logs"`
	TotalLogs int                 `json:"totalLogs"`
}

type historyData struct {
	Changes        []audit.PermissionChange `json:"changes"`
	TotalChanges   int                      `json:"totalChanges"`
	FilteredByUser bool                     `json:"filteredByUser"`
}

func (h *Handler) handleUserLogs(w http.ResponseWriter, r *http.Request) {
	userID, err := positiveInt(chi.URLParam(r, "userId"), "userId")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	limit, err := optionalInt(r, "limit")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.authorize(r, userID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	logs := h.reader.UserAccessLogs(r.Context(), userID, limit)
	httpx.JSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    userLogsData{UserID: userID, Logs: logs, TotalLogs: len(logs)},
	})
}

func (h *Handler) handleSecurity(w http.ResponseWriter, r *http.Request) {
	days, err := optionalInt(r, "days")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.authorize(r, 0); err != nil {
		httpx.RespondError(w, err)
		return
	}
	days = audit.ClampDays(days)
	httpx.JSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    h.reader.SecurityAnalytics(r.Context(), days),
		Period:  fmt.Sprintf("Last %d days", days),
	})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	var targetID int64
	if raw := strings.TrimSpace(r.URL.Query().Get("userId")); raw != "" {
		id, err := positiveInt(raw, "userId")
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		targetID = id
	}
	limit, err := optionalInt(r, "limit")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.authorize(r, targetID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	changes := h.reader.PermissionChangeHistory(r.Context(), targetID, limit)
	httpx.JSON(w, http.StatusOK, envelope{
		Success: true,
		Data: historyData{
			Changes:        changes,
			TotalChanges:   len(changes),
			FilteredByUser: targetID > 0,
		},
	})
}

// authorize mengizinkan aktor membaca datanya sendiri; subjectID 0 berarti data lintas
// user sehingga selalu butuh user_management:read.
func (h *Handler) authorize(r *http.Request, subjectID int64) error {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		return httpx.ErrUnauthorized
	}
	if subjectID > 0 && actor.UserID == subjectID {
		return nil
	}
	if h.authz != nil && h.authz.Allowed(r.Context(), actor.UserID, rbac.ModuleUserManagement, rbac.ActionRead) {
		return nil
	}
	h.logger.Info("audit: read denied", slog.Int64("user_id", actor.UserID), slog.String("path", r.URL.Path))
	return httpx.ErrForbidden
}

func positiveInt(raw, field string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, httpx.Invalid(field, "must be a positive integer")
	}
	return id, nil
}

func optionalInt(r *http.Request, field string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(field))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, httpx.Invalid(field, "must be a positive integer")
	}
	return v, nil
}
