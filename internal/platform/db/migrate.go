package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" //nolint:blank-imports
	goose "github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every pending migration. Safe to run from several processes at once:
// goose serialises on its version table and each statement is idempotent.
func Migrate(ctx context.Context, dsn string, logger *slog.Logger) error {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("platform/db: open migrate conn: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("platform/db: goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, conn, "migrations"); err != nil && !errors.Is(err, goose.ErrNoNextVersion) {
		return fmt.Errorf("platform/db: migrate up: %w", err)
	}

	if logger != nil {
		version, err := goose.GetDBVersionContext(ctx, conn)
		if err == nil {
			logger.Info("database migrated", slog.Int64("version", version))
		}
	}
	return nil
}
