package rbac

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// CaptureClient records the caller's IP address and user agent so every check made
// while serving the request is logged with them.
func CaptureClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithClient(r.Context(), ClientIP(r), r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIP strips the port from RemoteAddr when present.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequireActor rejects requests without an authenticated actor.
func (m Middleware) RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := shared.ActorFromContext(r.Context()); !ok {
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireModule ensures the current actor may perform action on module. Every call
// runs a full permission check, so each guarded request leaves one access log entry.
func (m Middleware) RequireModule(module Module, action Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			decision := m.Service.CheckPermission(r.Context(), CheckRequest{
				UserID:    actor.UserID,
				Resource:  module,
				Action:    action,
				IPAddress: ClientIP(r),
				UserAgent: r.UserAgent(),
			})
			if !decision.Granted {
				if m.Logger != nil {
					m.Logger.Info("rbac: request denied",
						slog.Int64("user_id", actor.UserID),
						slog.String("resource", string(module)),
						slog.String("action", string(action)),
						slog.String("reason", decision.Reason))
				}
				httpx.RespondError(w, httpx.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
