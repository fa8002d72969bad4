package rbac_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

type countingSource struct {
	calls atomic.Int32
	perms []rbac.RolePermission
}

func (s *countingSource) RolePermissions(_ context.Context, role rbac.Role) ([]rbac.RolePermission, error) {
	s.calls.Add(1)
	time.Sleep(5 * time.Millisecond)
	out := make([]rbac.RolePermission, 0, len(s.perms))
	for _, p := range s.perms {
		if p.Role == role {
			out = append(out, p)
		}
	}
	return out, nil
}

func newRoleCache(t *testing.T) (*rbac.RoleCache, *countingSource, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	src := &countingSource{perms: []rbac.RolePermission{
		{Role: rbac.RoleStaff, Resource: rbac.ModuleInventory, Action: rbac.ActionRead},
		{Role: rbac.RoleManager, Resource: rbac.ModuleReports, Action: rbac.ActionExport},
	}}
	return rbac.NewRoleCache(src, client, time.Minute, nil), src, mr
}

func TestRoleCacheServesRepeatReadsFromRedis(t *testing.T) {
	cache, src, _ := newRoleCache(t)
	ctx := context.Background()

	first, err := cache.RolePermissions(ctx, rbac.RoleStaff)
	require.NoError(t, err)
	second, err := cache.RolePermissions(ctx, rbac.RoleStaff)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), src.calls.Load())
	require.Len(t, second, 1)
	assert.Equal(t, rbac.ModuleInventory, second[0].Resource)
}

func TestRoleCacheCoalescesConcurrentMisses(t *testing.T) {
	cache, src, _ := newRoleCache(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.RolePermissions(context.Background(), rbac.RoleManager)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Less(t, src.calls.Load(), int32(16))
}

// gatedSource blocks every load until release is closed or the load's ctx ends.
type gatedSource struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedSource) RolePermissions(ctx context.Context, role rbac.Role) ([]rbac.RolePermission, error) {
	s.calls.Add(1)
	s.once.Do(func() { close(s.started) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.release:
		return []rbac.RolePermission{{Role: role, Resource: rbac.ModuleOrders, Action: rbac.ActionRead}}, nil
	}
}

func TestRoleCacheFillSurvivesCancelledCaller(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	src := &gatedSource{started: make(chan struct{}), release: make(chan struct{})}
	cache := rbac.NewRoleCache(src, client, time.Minute, nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := cache.RolePermissions(ctxA, rbac.RoleStaff)
		errA <- err
	}()
	<-src.started

	type result struct {
		perms []rbac.RolePermission
		err   error
	}
	resB := make(chan result, 1)
	go func() {
		perms, err := cache.RolePermissions(context.Background(), rbac.RoleStaff)
		resB <- result{perms, err}
	}()
	// Give the second caller time to join the in-flight load.
	time.Sleep(20 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(src.release)
	got := <-resB
	require.NoError(t, got.err)
	require.Len(t, got.perms, 1)
	assert.Equal(t, rbac.ModuleOrders, got.perms[0].Resource)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestRoleCacheListenerServesVersionLocally(t *testing.T) {
	cache, src, mr := newRoleCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cache.ListenForInvalidation(ctx)

	_, err := cache.RolePermissions(ctx, rbac.RoleStaff)
	require.NoError(t, err)

	before := mr.CommandCount()
	_, err = cache.RolePermissions(ctx, rbac.RoleStaff)
	require.NoError(t, err)
	// Only the entry GET; the version comes from the snapshot.
	assert.Equal(t, 1, mr.CommandCount()-before)

	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = other.Close() })
	_, err = rbac.NewRoleCache(src, other, time.Minute, nil).Bump(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := cache.RolePermissions(ctx, rbac.RoleStaff)
		return err == nil && src.calls.Load() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestRoleCacheBumpInvalidates(t *testing.T) {
	cache, src, _ := newRoleCache(t)
	ctx := context.Background()

	_, err := cache.RolePermissions(ctx, rbac.RoleStaff)
	require.NoError(t, err)
	ver, err := cache.Bump(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ver)

	_, err = cache.RolePermissions(ctx, rbac.RoleStaff)
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestRoleCacheFallsBackWhenRedisDown(t *testing.T) {
	cache, src, mr := newRoleCache(t)
	mr.Close()

	perms, err := cache.RolePermissions(context.Background(), rbac.RoleStaff)
	require.NoError(t, err)
	assert.Len(t, perms, 1)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestRoleCacheWithoutClient(t *testing.T) {
	src := &countingSource{}
	cache := rbac.NewRoleCache(src, nil, 0, nil)
	_, err := cache.RolePermissions(context.Background(), rbac.RoleStaff)
	require.NoError(t, err)
	ver, err := cache.Bump(context.Background())
	require.NoError(t, err)
	assert.Zero(t, ver)
}

func TestRoleCacheBumpOnFreshRedisSkipsInitialVersion(t *testing.T) {
	cache, _, _ := newRoleCache(t)
	ver, err := cache.Bump(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), ver)
}
