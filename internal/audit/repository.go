package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store menyediakan akses persisten untuk kedua tabel log.
type Store interface {
	InsertAccessCheck(ctx context.Context, entry AccessCheck) error
	InsertPermissionChange(ctx context.Context, entry PermissionChange) error
	ListAccessChecks(ctx context.Context, userID int64, limit int) ([]AccessCheck, error)
	ListPermissionChanges(ctx context.Context, targetUserID int64, limit int) ([]PermissionChange, error)
	CheckTotals(ctx context.Context, since time.Time) (CheckTotals, error)
	TopResources(ctx context.Context, since time.Time, limit int) ([]ResourceCount, error)
	RecentDenials(ctx context.Context, since time.Time, limit int) ([]AccessCheck, error)
	PurgeAccessChecks(ctx context.Context, before time.Time) (int64, error)
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var accessCheckColumns = []string{
	"l.id", "l.user_id", "COALESCE(u.name, '')", "l.resource", "l.action", "l.granted", "l.reason",
	"l.ip_address", "l.user_agent", "l.response_time_ms", "l.error", "l.created_at",
}

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PostgreSQL backed store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// InsertAccessCheck appends a single access check row.
func (s *PGStore) InsertAccessCheck(ctx context.Context, e AccessCheck) error {
	const q = `INSERT INTO access_check_logs
		(user_id, resource, action, granted, reason, ip_address, user_agent, response_time_ms, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.pool.Exec(ctx, q, e.UserID, e.Resource, e.Action, e.Granted, e.Reason,
		e.IPAddress, e.UserAgent, e.ResponseTimeMs, optionalText(e.Error), e.CreatedAt)
	return err
}

// InsertPermissionChange appends a single permission change row.
func (s *PGStore) InsertPermissionChange(ctx context.Context, e PermissionChange) error {
	const q = `INSERT INTO permission_change_logs
		(admin_user_id, target_user_id, module_name, access_granted, action, previous_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, q, e.AdminUserID, e.TargetUserID, e.ModuleName, e.AccessGranted,
		string(e.Action), optionalBool(e.PreviousValue), e.CreatedAt)
	return err
}

// ListAccessChecks returns the newest checks for a user.
func (s *PGStore) ListAccessChecks(ctx context.Context, userID int64, limit int) ([]AccessCheck, error) {
	stmt := psql.Select(accessCheckColumns...).
		From("access_check_logs l").
		LeftJoin("users u ON u.id = l.user_id").
		Where(sq.Eq{"l.user_id": userID}).
		OrderBy("l.created_at DESC", "l.id DESC").
		Limit(uint64(limit))
	return s.queryAccessChecks(ctx, stmt)
}

// ListPermissionChanges returns the newest changes, optionally for one target user.
func (s *PGStore) ListPermissionChanges(ctx context.Context, targetUserID int64, limit int) ([]PermissionChange, error) {
	stmt := psql.Select(
		"c.id", "c.admin_user_id", "COALESCE(a.name, '')", "c.target_user_id", "COALESCE(t.name, '')",
		"c.module_name", "c.access_granted", "c.action", "c.previous_value", "c.created_at",
	).
		From("permission_change_logs c").
		LeftJoin("users a ON a.id = c.admin_user_id").
		LeftJoin("users t ON t.id = c.target_user_id").
		OrderBy("c.created_at DESC", "c.id DESC").
		Limit(uint64(limit))
	if targetUserID > 0 {
		stmt = stmt.Where(sq.Eq{"c.target_user_id": targetUserID})
	}
	query, args, err := stmt.ToSql()
	if err != nil {
		return nil, fmt.Errorf("audit: build change query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	changes := make([]PermissionChange, 0, limit)
	for rows.Next() {
		var (
			c        PermissionChange
			action   string
			previous pgtype.Bool
		)
		if err := rows.Scan(&c.ID, &c.AdminUserID, &c.AdminName, &c.TargetUserID, &c.TargetName,
			&c.ModuleName, &c.AccessGranted, &action, &previous, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Action = ChangeAction(action)
		if previous.Valid {
			v := previous.Bool
			c.PreviousValue = &v
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// CheckTotals counts all, denied, and distinct-user checks since the cutoff.
func (s *PGStore) CheckTotals(ctx context.Context, since time.Time) (CheckTotals, error) {
	query, args, err := psql.Select("COUNT(*)", "COUNT(*) FILTER (WHERE NOT granted)", "COUNT(DISTINCT user_id)").
		From("access_check_logs").
		Where(sq.GtOrEq{"created_at": since}).
		ToSql()
	if err != nil {
		return CheckTotals{}, fmt.Errorf("audit: build totals query: %w", err)
	}
	var totals CheckTotals
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&totals.Total, &totals.Denied, &totals.UniqueUsers); err != nil {
		return CheckTotals{}, err
	}
	return totals, nil
}

// TopResources ranks resources by check count.
func (s *PGStore) TopResources(ctx context.Context, since time.Time, limit int) ([]ResourceCount, error) {
	query, args, err := psql.Select("resource", "COUNT(*) AS checks").
		From("access_check_logs").
		Where(sq.GtOrEq{"created_at": since}).
		GroupBy("resource").
		OrderBy("checks DESC", "resource").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("audit: build top resources query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ResourceCount, error) {
		var rc ResourceCount
		err := row.Scan(&rc.Resource, &rc.Count)
		return rc, err
	})
}

// RecentDenials lists the newest denied checks with the user's name.
func (s *PGStore) RecentDenials(ctx context.Context, since time.Time, limit int) ([]AccessCheck, error) {
	stmt := psql.Select(accessCheckColumns...).
		From("access_check_logs l").
		LeftJoin("users u ON u.id = l.user_id").
		Where(sq.Eq{"l.granted": false}).
		Where(sq.GtOrEq{"l.created_at": since}).
		OrderBy("l.created_at DESC", "l.id DESC").
		Limit(uint64(limit))
	return s.queryAccessChecks(ctx, stmt)
}

// PurgeAccessChecks deletes check rows created before the cutoff.
func (s *PGStore) PurgeAccessChecks(ctx context.Context, before time.Time) (int64, error) {
	query, args, err := psql.Delete("access_check_logs").Where(sq.Lt{"created_at": before}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("audit: build purge query: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) queryAccessChecks(ctx context.Context, stmt sq.SelectBuilder) ([]AccessCheck, error) {
	query, args, err := stmt.ToSql()
	if err != nil {
		return nil, fmt.Errorf("audit: build access query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanAccessCheck)
}

func scanAccessCheck(row pgx.CollectableRow) (AccessCheck, error) {
	var (
		e       AccessCheck
		errText pgtype.Text
	)
	err := row.Scan(&e.ID, &e.UserID, &e.UserName, &e.Resource, &e.Action, &e.Granted, &e.Reason,
		&e.IPAddress, &e.UserAgent, &e.ResponseTimeMs, &errText, &e.CreatedAt)
	if errText.Valid {
		e.Error = errText.String
	}
	return e, err
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}

func optionalBool(value *bool) pgtype.Bool {
	if value == nil {
		return pgtype.Bool{}
	}
	return pgtype.Bool{Bool: *value, Valid: true}
}

var _ Store = (*PGStore)(nil)
