package config

import (
	"os"
	"strconv"
	"time"
)

// Config captures process-level configuration for the protection subsystem.
type Config struct {
	// Addr serves /metrics and /healthz only; business routing lives elsewhere.
	Addr string

	// DatabaseURL is the shared relational store. The audit and backup
	// registry tables live in the same cluster but are logically separate
	// from the business schema.
	DatabaseURL string

	// MasterKeyHex is the hex-encoded master secret for key derivation.
	// Required in production; a development default is used when unset.
	MasterKeyHex string

	// KDFIterations for PBKDF2. Floor of 100000 is enforced by the engine.
	KDFIterations int

	// AuditRetentionDays controls how long audit events must be kept before
	// purge is permitted. HIPAA requires seven years.
	AuditRetentionDays int

	// AuditFallbackDir receives append-only JSON lines when the primary
	// audit store is unavailable.
	AuditFallbackDir string

	// BackupDir is the durable location for snapshot artifacts.
	BackupDir string

	// Cron specs per schedule class (five-field syntax).
	DailyCron   string
	WeeklyCron  string
	MonthlyCron string
	DrillCron   string

	// RestoreDrill enables the weekly failover drill schedule.
	RestoreDrill bool

	// RTOCeiling is the recovery time objective used by failover tests.
	RTOCeiling time.Duration
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	cfg := Config{
		Addr:               getenv("MEDVAULT_ADDR", ":9090"),
		DatabaseURL:        getenv("DATABASE_URL", "postgres://localhost:5432/medvault?sslmode=disable"),
		MasterKeyHex:       os.Getenv("MEDVAULT_MASTER_KEY"),
		KDFIterations:      getint("MEDVAULT_KDF_ITERATIONS", 100000),
		AuditRetentionDays: getint("MEDVAULT_AUDIT_RETENTION_DAYS", 2555),
		AuditFallbackDir:   getenv("MEDVAULT_AUDIT_FALLBACK_DIR", "logs/audit"),
		BackupDir:          getenv("MEDVAULT_BACKUP_DIR", "/var/backups/medvault"),
		DailyCron:          getenv("MEDVAULT_DAILY_CRON", "0 2 * * *"),
		WeeklyCron:         getenv("MEDVAULT_WEEKLY_CRON", "0 3 * * 0"),
		MonthlyCron:        getenv("MEDVAULT_MONTHLY_CRON", "0 4 1 * *"),
		DrillCron:          getenv("MEDVAULT_DRILL_CRON", "30 5 * * 0"),
		RestoreDrill:       os.Getenv("MEDVAULT_RESTORE_DRILL") == "true",
		RTOCeiling:         5 * time.Minute,
	}
	if v := os.Getenv("MEDVAULT_RTO_CEILING"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RTOCeiling = d
		}
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
