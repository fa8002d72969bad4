package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
)

// VersionBumper invalidates cached role permissions by moving the cache version.
type VersionBumper interface {
	Bump(ctx context.Context) (int64, error)
}

// RoleCacheFlushJob bumps the role cache version so every instance refills from Postgres.
type RoleCacheFlushJob struct {
	Cache   VersionBumper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewRoleCacheFlushJob wires dependencies for the flush handler.
func NewRoleCacheFlushJob(cache VersionBumper, logger *slog.Logger, metrics *jobmetrics.Metrics) *RoleCacheFlushJob {
	return &RoleCacheFlushJob{Cache: cache, Logger: logger, Metrics: metrics}
}

// Handle processes role cache flush tasks.
func (j *RoleCacheFlushJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Cache == nil {
		return errors.New("role cache flush: handler not configured")
	}
	var payload RoleCacheFlushPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tracker := metrics.Track(TaskRoleCacheFlush)
	version, err := j.Cache.Bump(ctx)
	if err != nil {
		logger.Error("bump role cache version", slog.Any("error", err))
		return tracker.End(err)
	}
	metrics.SetRoleCacheVersion(version)
	logger.Info("role cache flushed", slog.Int64("version", version), slog.String("reason", payload.Reason))
	return tracker.End(nil)
}
