package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
)

const pgForeignKeyViolation = "23503"

const explicitColumns = `id, user_id, module_name, access_granted, created_at, updated_at`

// PGRepository implements Repository and RoleSource using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// GetSubject loads the user attributes the resolver needs.
func (r *PGRepository) GetSubject(ctx context.Context, userID int64) (Subject, error) {
	var (
		s      Subject
		status string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, name, role, status FROM users WHERE id = $1`, userID).
		Scan(&s.ID, &s.Name, &s.Role, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Subject{}, ErrNotFound
		}
		return Subject{}, err
	}
	s.Status = Status(status)
	return s, nil
}

// GetExplicit fetches the explicit row for (userID, module).
func (r *PGRepository) GetExplicit(ctx context.Context, userID int64, module Module) (ExplicitPermission, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+explicitColumns+` FROM user_permissions WHERE user_id = $1 AND module_name = $2`, userID, string(module))
	perm, err := scanExplicit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ExplicitPermission{}, ErrNotFound
		}
		return ExplicitPermission{}, err
	}
	return perm, nil
}

// ListExplicit returns all explicit rows for a user ordered by module.
func (r *PGRepository) ListExplicit(ctx context.Context, userID int64) ([]ExplicitPermission, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+explicitColumns+` FROM user_permissions WHERE user_id = $1 ORDER BY module_name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	perms := []ExplicitPermission{}
	for rows.Next() {
		perm, err := scanExplicit(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

// UpsertExplicit locks the existing row (if any), then inserts or updates it in one
// transaction so the returned previous value matches what was overwritten.
func (r *PGRepository) UpsertExplicit(ctx context.Context, userID int64, module Module, granted bool) (ExplicitPermission, *bool, error) {
	var (
		perm     ExplicitPermission
		previous *bool
	)
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var prior pgtype.Bool
		err := tx.QueryRow(ctx, `SELECT access_granted FROM user_permissions WHERE user_id = $1 AND module_name = $2 FOR UPDATE`, userID, string(module)).
			Scan(&prior)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if prior.Valid {
			v := prior.Bool
			previous = &v
		}
		row := tx.QueryRow(ctx, `INSERT INTO user_permissions (user_id, module_name, access_granted)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, module_name)
			DO UPDATE SET access_granted = EXCLUDED.access_granted, updated_at = NOW()
			RETURNING `+explicitColumns, userID, string(module), granted)
		perm, err = scanExplicit(row)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return ExplicitPermission{}, nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
		}
		return ExplicitPermission{}, nil, err
	}
	return perm, previous, nil
}

// DeleteExplicit removes and returns the explicit row.
func (r *PGRepository) DeleteExplicit(ctx context.Context, userID int64, module Module) (ExplicitPermission, error) {
	row := r.pool.QueryRow(ctx, `DELETE FROM user_permissions WHERE user_id = $1 AND module_name = $2 RETURNING `+explicitColumns, userID, string(module))
	perm, err := scanExplicit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ExplicitPermission{}, ErrNotFound
		}
		return ExplicitPermission{}, err
	}
	return perm, nil
}

// RolePermissions lists the seeded defaults for a role. Rows naming modules or actions
// outside the catalog are skipped.
func (r *PGRepository) RolePermissions(ctx context.Context, role Role) ([]RolePermission, error) {
	rows, err := r.pool.Query(ctx, `SELECT resource, action FROM role_permissions WHERE role = $1 ORDER BY resource, action`, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	perms := []RolePermission{}
	for rows.Next() {
		var resource, action string
		if err := rows.Scan(&resource, &action); err != nil {
			return nil, err
		}
		m, errM := ParseModule(resource)
		a, errA := ParseAction(action)
		if errM != nil || errA != nil {
			continue
		}
		perms = append(perms, RolePermission{Role: role, Resource: m, Action: a})
	}
	return perms, rows.Err()
}

func scanExplicit(row pgx.Row) (ExplicitPermission, error) {
	var (
		p      ExplicitPermission
		module string
	)
	if err := row.Scan(&p.ID, &p.UserID, &module, &p.AccessGranted, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return ExplicitPermission{}, err
	}
	p.Module = Module(module)
	return p, nil
}

var (
	_ Repository = (*PGRepository)(nil)
	_ RoleSource = (*PGRepository)(nil)
)
