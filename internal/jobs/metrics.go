// Package jobmetrics instruments the asynq task handlers.
package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	statusSuccess = "success"
	statusFailure = "failure"
)

// Metrics holds the collectors shared by every background job.
type Metrics struct {
	runs             *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	lastSuccess      *prometheus.GaugeVec
	purged           *prometheus.CounterVec
	roleCacheVersion prometheus.Gauge
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the collectors on registerer. A nil registerer means the
// process-wide default, registered at most once.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer != nil {
		return register(registerer)
	}
	defaultOnce.Do(func() {
		defaultMetrics = register(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func register(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_jobs_total",
			Help: "Job executions by task type and outcome.",
		}, []string{"job", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odyssey_job_duration_seconds",
			Help:    "Wall time of one job execution.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"job"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "odyssey_job_last_success_timestamp_seconds",
			Help: "Unix time of the most recent successful run per task type.",
		}, []string{"job"}),
		purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_audit_rows_purged_total",
			Help: "Audit rows deleted by the retention job, by table.",
		}, []string{"table"}),
		roleCacheVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "odyssey_role_cache_version",
			Help: "Role cache version after the last flush job.",
		}),
	}
	registerer.MustRegister(m.runs, m.duration, m.lastSuccess, m.purged, m.roleCacheVersion)
	return m
}

// Tracker times one job run.
type Tracker struct {
	m     *Metrics
	job   string
	start time.Time
}

// Track starts timing a run of job. A nil Metrics yields a tracker that records nothing.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{m: m, job: job, start: time.Now()}
}

// End records the outcome and hands err back so handlers can `return tracker.End(err)`.
func (t *Tracker) End(err error) error {
	if t == nil || t.m == nil || t.job == "" {
		return err
	}
	t.m.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	if err != nil {
		t.m.runs.WithLabelValues(t.job, statusFailure).Inc()
		return err
	}
	t.m.runs.WithLabelValues(t.job, statusSuccess).Inc()
	t.m.lastSuccess.WithLabelValues(t.job).SetToCurrentTime()
	return nil
}

// AddPurged counts audit rows removed from table.
func (m *Metrics) AddPurged(table string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.purged.WithLabelValues(table).Add(float64(count))
}

// SetRoleCacheVersion publishes the version a flush produced.
func (m *Metrics) SetRoleCacheVersion(version int64) {
	if m == nil {
		return
	}
	m.roleCacheVersion.Set(float64(version))
}
