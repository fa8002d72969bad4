package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuditRetention purges access check logs older than the retention window.
	TaskAuditRetention = "audit:retention"
	// TaskRoleCacheFlush invalidates every cached role permission set.
	TaskRoleCacheFlush = "rbac:flush-cache"

	// DefaultRetentionDays applies when a retention task carries no window.
	DefaultRetentionDays = 90
)

// AuditRetentionPayload describes how far back access check logs are kept.
type AuditRetentionPayload struct {
	RetentionDays int `json:"retention_days"`
}

// RoleCacheFlushPayload records why the role cache was flushed.
type RoleCacheFlushPayload struct {
	Reason string `json:"reason"`
}

// NewAuditRetentionTask constructs an Asynq task for the retention job.
func NewAuditRetentionTask(retentionDays int) (*asynq.Task, error) {
	if retentionDays < 0 {
		return nil, fmt.Errorf("jobs: retention days must not be negative")
	}
	data, err := json.Marshal(AuditRetentionPayload{RetentionDays: retentionDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditRetention, data, asynq.Queue(QueueDefault)), nil
}

// NewRoleCacheFlushTask constructs an Asynq task that bumps the role cache version.
func NewRoleCacheFlushTask(reason string) (*asynq.Task, error) {
	data, err := json.Marshal(RoleCacheFlushPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRoleCacheFlush, data, asynq.Queue(QueueDefault)), nil
}
