package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// AccessLogPurger deletes access check logs older than the retention window.
type AccessLogPurger interface {
	PurgeAccessChecks(ctx context.Context, retention time.Duration) (int64, error)
}

// AuditRetentionJob trims access_check_logs on a schedule.
type AuditRetentionJob struct {
	Purger      AccessLogPurger
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	DefaultDays int
}

// NewAuditRetentionJob wires dependencies for the retention handler.
func NewAuditRetentionJob(purger AccessLogPurger, logger *slog.Logger, metrics *jobmetrics.Metrics, defaultDays int) *AuditRetentionJob {
	return &AuditRetentionJob{Purger: purger, Logger: logger, Metrics: metrics, DefaultDays: defaultDays}
}

// Handle processes audit retention tasks.
func (j *AuditRetentionJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Purger == nil {
		return errors.New("audit retention: handler not configured")
	}
	var payload AuditRetentionPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	days := payload.RetentionDays
	if days <= 0 {
		days = j.DefaultDays
	}
	if days <= 0 {
		days = DefaultRetentionDays
	}

	tracker := j.metrics().Track(TaskAuditRetention)
	logger := j.logger().With(slog.Int("retention_days", days))

	purged, err := j.Purger.PurgeAccessChecks(ctx, time.Duration(days)*24*time.Hour)
	if err != nil {
		logger.Error("purge access check logs", slog.Any("error", err))
		return tracker.End(err)
	}
	j.metrics().AddPurged("access_check_logs", purged)
	logger.Info("completed audit retention", slog.Int64("purged", purged))
	return tracker.End(nil)
}

func (j *AuditRetentionJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *AuditRetentionJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
