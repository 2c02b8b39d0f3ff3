package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the protection subsystem.
type Metrics struct {
	AuditEventsRecorded *prometheus.CounterVec
	AuditFallbackWrites prometheus.Counter
	AlertsDispatched    prometheus.Counter
	AlertsDropped       prometheus.Counter

	BackupsCompleted *prometheus.CounterVec
	BackupsFailed    *prometheus.CounterVec
	BackupBytes      prometheus.Counter
	BackupDuration   prometheus.Histogram
	RestoreDuration  prometheus.Histogram

	EncryptOps *prometheus.CounterVec
}

// New creates and registers all collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		AuditEventsRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "medvault_audit_events_recorded_total",
			Help: "Audit events recorded, by event type and result.",
		}, []string{"event_type", "result"}),
		AuditFallbackWrites: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medvault_audit_fallback_writes_total",
			Help: "Audit events written to the local file sink after a store failure.",
		}),
		AlertsDispatched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medvault_security_alerts_dispatched_total",
			Help: "High-risk audit events handed to the alert notifier.",
		}),
		AlertsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medvault_security_alerts_dropped_total",
			Help: "Alerts dropped because the dispatch queue was full.",
		}),
		BackupsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "medvault_backups_completed_total",
			Help: "Snapshots that passed post-write verification, by schedule class.",
		}, []string{"schedule"}),
		BackupsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "medvault_backups_failed_total",
			Help: "Snapshots marked failed, by schedule class.",
		}, []string{"schedule"}),
		BackupBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "medvault_backup_bytes_written_total",
			Help: "Encrypted snapshot bytes written to the backup store.",
		}),
		BackupDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "medvault_backup_duration_seconds",
			Help:    "End-to-end backup duration including verification.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		RestoreDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "medvault_restore_duration_seconds",
			Help:    "End-to-end restore duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		EncryptOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "medvault_encrypt_ops_total",
			Help: "Encryption engine operations, by op and purpose.",
		}, []string{"op", "purpose"}),
	}
}
