package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// FlushRoleCache bumps the role cache version directly in Redis so every API
// instance drops its cached role permission sets on the next lookup.
func FlushRoleCache(ctx context.Context, client *redis.Client, logger *slog.Logger) (int64, error) {
	if client == nil {
		return 0, errors.New("rbac cli: redis client required")
	}
	cache := rbac.NewRoleCache(nil, client, rbac.DefaultRoleCacheTTL, logger)
	return cache.Bump(ctx)
}
