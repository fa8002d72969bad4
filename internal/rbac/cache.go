package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	roleCacheVersionKey = "rbac:roles:version"
	roleCacheChannel    = "rbac.bump"

	// DefaultRoleCacheTTL bounds how long a role's defaults stay cached without a bump.
	DefaultRoleCacheTTL = 5 * time.Minute

	// roleCacheFillTimeout bounds one shared load from the source.
	roleCacheFillTimeout = 5 * time.Second
	// versionSnapshotMaxAge caps how long a subscribed process trusts its local
	// version before reading it from Redis again, in case a bump message was lost.
	versionSnapshotMaxAge = 30 * time.Second
)

// RoleCache fronts a RoleSource with versioned Redis entries. Redis failures fall back
// to the underlying source so checks keep working when the cache is down.
type RoleCache struct {
	source RoleSource
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group

	// listening is set while the bump subscription is live; only then is snap trusted.
	listening atomic.Bool
	snap      versionSnapshot
	now       func() time.Time
}

type versionSnapshot struct {
	mu  sync.Mutex
	ver int64
	at  time.Time
}

func (s *versionSnapshot) get(now time.Time) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ver == 0 || now.Sub(s.at) > versionSnapshotMaxAge {
		return 0, false
	}
	return s.ver, true
}

// set records a version read from Redis, which is authoritative even when lower.
func (s *versionSnapshot) set(ver int64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ver, s.at = ver, now
}

// advance records a version announced by a bump. Versions only move forward, so an
// older announcement arriving late is ignored.
func (s *versionSnapshot) advance(ver int64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ver >= s.ver {
		s.ver, s.at = ver, now
	}
}

// NewRoleCache wraps source. A nil client disables caching.
func NewRoleCache(source RoleSource, client *redis.Client, ttl time.Duration, logger *slog.Logger) *RoleCache {
	if ttl <= 0 {
		ttl = DefaultRoleCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RoleCache{source: source, client: client, ttl: ttl, logger: logger, now: time.Now}
}

// RolePermissions returns the cached defaults for role, loading them on a miss.
func (c *RoleCache) RolePermissions(ctx context.Context, role Role) ([]RolePermission, error) {
	if c.client == nil {
		return c.source.RolePermissions(ctx, role)
	}
	key, err := c.key(ctx, role)
	if err != nil {
		c.logger.Warn("rbac: role cache version", slog.Any("error", err))
		return c.source.RolePermissions(ctx, role)
	}

	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var perms []RolePermission
		if err := json.Unmarshal(payload, &perms); err == nil {
			return perms, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("rbac: role cache read", slog.String("key", key), slog.Any("error", err))
		return c.source.RolePermissions(ctx, role)
	}

	// The shared load outlives any one caller's cancellation; each caller still
	// returns as soon as its own ctx is done.
	ch := c.group.DoChan(key, func() (interface{}, error) {
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), roleCacheFillTimeout)
		defer cancel()
		perms, err := c.source.RolePermissions(fillCtx, role)
		if err != nil {
			return nil, err
		}
		if perms == nil {
			perms = []RolePermission{}
		}
		raw, err := json.Marshal(perms)
		if err == nil {
			err = c.client.Set(fillCtx, key, raw, c.ttl).Err()
		}
		if err != nil {
			c.logger.Warn("rbac: role cache write", slog.String("key", key), slog.Any("error", err))
		}
		return perms, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]RolePermission), nil
	}
}

// Version returns the current cache generation, initialising it when missing.
func (c *RoleCache) Version(ctx context.Context) (int64, error) {
	if c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, roleCacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, roleCacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, roleCacheVersionKey).Int64()
	}
	return ver, err
}

// Bump invalidates every cached role by advancing the version and announcing it.
func (c *RoleCache) Bump(ctx context.Context) (int64, error) {
	if c.client == nil {
		return 0, nil
	}
	// A missing key must not bump to the initial generation.
	if err := c.client.SetNX(ctx, roleCacheVersionKey, 1, 0).Err(); err != nil {
		return 0, err
	}
	ver, err := c.client.Incr(ctx, roleCacheVersionKey).Result()
	if err != nil {
		return 0, err
	}
	c.snap.advance(ver, c.now())
	if err := c.client.Publish(ctx, roleCacheChannel, strconv.FormatInt(ver, 10)).Err(); err != nil {
		return ver, err
	}
	return ver, nil
}

// ListenForInvalidation subscribes to bump announcements until ctx is done. While the
// subscription is live, reads take the version from a local snapshot instead of
// issuing a GET per check.
func (c *RoleCache) ListenForInvalidation(ctx context.Context) {
	if c.client == nil {
		return
	}
	pubsub := c.client.Subscribe(ctx, roleCacheChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		c.logger.Warn("rbac: role cache subscribe", slog.Any("error", err))
		_ = pubsub.Close()
		return
	}
	c.listening.Store(true)
	go func() {
		defer func() {
			c.listening.Store(false)
			_ = pubsub.Close()
		}()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ver, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					c.logger.Warn("rbac: malformed role cache bump", slog.String("payload", msg.Payload))
					continue
				}
				c.snap.advance(ver, c.now())
				c.logger.Debug("rbac: role cache bumped", slog.Int64("version", ver))
			}
		}
	}()
}

func (c *RoleCache) key(ctx context.Context, role Role) (string, error) {
	if c.listening.Load() {
		if ver, ok := c.snap.get(c.now()); ok {
			return roleCacheKey(role, ver), nil
		}
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	c.snap.set(ver, c.now())
	return roleCacheKey(role, ver), nil
}

func roleCacheKey(role Role, ver int64) string {
	return fmt.Sprintf("rbac:roles:%s:%d", role, ver)
}

var _ RoleSource = (*RoleCache)(nil)
