package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultWriteTimeout = 2 * time.Second

// Logger adalah jejak audit best-effort untuk pengecekan dan perubahan izin.
// Metode tulis tidak pernah mengembalikan error; kegagalan hanya dicatat ke slog.
type Logger struct {
	store        Store
	logger       *slog.Logger
	writeTimeout time.Duration
	now          func() time.Time
}

// Option mengubah konfigurasi Logger.
type Option func(*Logger)

// WithWriteTimeout membatasi durasi satu penulisan log.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.writeTimeout = d
		}
	}
}

// WithClock mengganti sumber waktu, dipakai oleh test.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLogger membuat audit logger baru.
func NewLogger(store Store, logger *slog.Logger, opts ...Option) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		store:        store,
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LogPermissionCheck appends one access check entry. The write is detached from the
// caller's cancellation so a finished request still leaves its audit row.
func (l *Logger) LogPermissionCheck(ctx context.Context, entry AccessCheck) {
	if l == nil || l.store == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}
	ctx, cancel := l.writeContext(ctx)
	defer cancel()
	if err := l.store.InsertAccessCheck(ctx, entry); err != nil {
		l.logger.Warn("audit: log permission check",
			slog.Int64("user_id", entry.UserID),
			slog.String("resource", entry.Resource),
			slog.String("action", entry.Action),
			slog.Bool("granted", entry.Granted),
			slog.Any("error", err))
	}
}

// LogPermissionChange appends one permission change entry with the same failure policy.
func (l *Logger) LogPermissionChange(ctx context.Context, entry PermissionChange) {
	if l == nil || l.store == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}
	ctx, cancel := l.writeContext(ctx)
	defer cancel()
	if err := l.store.InsertPermissionChange(ctx, entry); err != nil {
		l.logger.Warn("audit: log permission change",
			slog.Int64("admin_user_id", entry.AdminUserID),
			slog.Int64("target_user_id", entry.TargetUserID),
			slog.String("module", entry.ModuleName),
			slog.String("action", string(entry.Action)),
			slog.Any("error", err))
	}
}

// UserAccessLogs mengembalikan log terbaru milik user, terbaru lebih dulu.
func (l *Logger) UserAccessLogs(ctx context.Context, userID int64, limit int) []AccessCheck {
	if l == nil || l.store == nil {
		return []AccessCheck{}
	}
	rows, err := l.store.ListAccessChecks(ctx, userID, ClampLimit(limit, DefaultAccessLogLimit))
	if err != nil {
		l.logger.Error("audit: list access logs", slog.Int64("user_id", userID), slog.Any("error", err))
		return []AccessCheck{}
	}
	if rows == nil {
		return []AccessCheck{}
	}
	return rows
}

// PermissionChangeHistory mengembalikan riwayat perubahan izin. targetUserID <= 0
// berarti tanpa filter.
func (l *Logger) PermissionChangeHistory(ctx context.Context, targetUserID int64, limit int) []PermissionChange {
	if l == nil || l.store == nil {
		return []PermissionChange{}
	}
	rows, err := l.store.ListPermissionChanges(ctx, targetUserID, ClampLimit(limit, DefaultHistoryLimit))
	if err != nil {
		l.logger.Error("audit: list permission changes", slog.Int64("target_user_id", targetUserID), slog.Any("error", err))
		return []PermissionChange{}
	}
	if rows == nil {
		return []PermissionChange{}
	}
	return rows
}

// SecurityAnalytics mengagregasi pengecekan dalam jendela days hari terakhir.
// Bila salah satu query gagal, hasilnya kosong.
func (l *Logger) SecurityAnalytics(ctx context.Context, days int) SecurityAnalytics {
	if l == nil || l.store == nil {
		return emptyAnalytics()
	}
	since := l.now().UTC().Add(-time.Duration(ClampDays(days)) * 24 * time.Hour)

	var (
		totals  CheckTotals
		top     []ResourceCount
		denials []AccessCheck
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		totals, err = l.store.CheckTotals(gctx, since)
		if err != nil {
			return fmt.Errorf("totals: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		top, err = l.store.TopResources(gctx, since, topResourcesLimit)
		if err != nil {
			return fmt.Errorf("top resources: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		denials, err = l.store.RecentDenials(gctx, since, recentDenialsLimit)
		if err != nil {
			return fmt.Errorf("recent denials: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		l.logger.Error("audit: security analytics", slog.Int("days", days), slog.Any("error", err))
		return emptyAnalytics()
	}

	result := SecurityAnalytics{
		TotalChecks:           totals.Total,
		DeniedAttempts:        totals.Denied,
		UniqueUsers:           totals.UniqueUsers,
		MostAccessedResources: top,
		RecentDenials:         denials,
	}
	if result.MostAccessedResources == nil {
		result.MostAccessedResources = []ResourceCount{}
	}
	if result.RecentDenials == nil {
		result.RecentDenials = []AccessCheck{}
	}
	return result
}

// PurgeAccessChecks menghapus log pengecekan yang lebih tua dari retention.
// Riwayat perubahan izin tidak pernah dihapus.
func (l *Logger) PurgeAccessChecks(ctx context.Context, retention time.Duration) (int64, error) {
	if l == nil || l.store == nil {
		return 0, fmt.Errorf("audit: store not configured")
	}
	if retention <= 0 {
		return 0, fmt.Errorf("audit: retention must be positive")
	}
	return l.store.PurgeAccessChecks(ctx, l.now().UTC().Add(-retention))
}

func (l *Logger) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), l.writeTimeout)
}
