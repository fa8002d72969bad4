package cli

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/jobs"
)

func TestBuildTask(t *testing.T) {
	task, err := BuildTask(jobs.TaskAuditRetention, TriggerOptions{RetentionDays: 30})
	require.NoError(t, err)
	assert.Equal(t, jobs.TaskAuditRetention, task.Type())
	var retention jobs.AuditRetentionPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &retention))
	assert.Equal(t, 30, retention.RetentionDays)

	task, err = BuildTask(jobs.TaskRoleCacheFlush, TriggerOptions{})
	require.NoError(t, err)
	var flush jobs.RoleCacheFlushPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &flush))
	assert.Equal(t, "manual", flush.Reason)

	_, err = BuildTask("mail:send", TriggerOptions{})
	assert.EqualError(t, err, "jobs cli: unsupported job mail:send")
}

func TestNilJobsCLI(t *testing.T) {
	var c *JobsCLI
	_, err := c.Trigger(context.Background(), jobs.TaskAuditRetention, TriggerOptions{})
	assert.Error(t, err)
	_, err = c.InspectQueue(context.Background())
	assert.Error(t, err)

	assert.NoError(t, c.Close())

	_, err = NewJobsCLI(asynq.RedisClientOpt{})
	assert.Error(t, err)
}

func TestFlushRoleCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ver, err := FlushRoleCache(context.Background(), client, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ver)

	ver, err = FlushRoleCache(context.Background(), client, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), ver)

	_, err = FlushRoleCache(context.Background(), nil, nil)
	assert.Error(t, err)
}
