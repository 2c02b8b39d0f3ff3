// Package backup implements the disaster-recovery orchestrator: scheduled
// and manual snapshots of the business schema, encrypted at rest, verified
// after write, with transactional restore and failover drills.
package backup

import (
	"time"

	"github.com/google/uuid"
)

// Type distinguishes full exports from incremental ones. Daily snapshots
// are incremental (rows changed in the last 24 hours); weekly, monthly,
// and manual snapshots are full.
type Type string

const (
	TypeFull        Type = "full"
	TypeIncremental Type = "incremental"
)

// ScheduleClass names the cadence a snapshot belongs to. Classes write to
// distinct snapshot namespaces and never contend with each other.
type ScheduleClass string

const (
	ClassDaily   ScheduleClass = "daily"
	ClassWeekly  ScheduleClass = "weekly"
	ClassMonthly ScheduleClass = "monthly"
	ClassManual  ScheduleClass = "manual"
)

func (c ScheduleClass) Valid() bool {
	switch c {
	case ClassDaily, ClassWeekly, ClassMonthly, ClassManual:
		return true
	}
	return false
}

// BackupType returns the export type for the class.
func (c ScheduleClass) BackupType() Type {
	if c == ClassDaily {
		return TypeIncremental
	}
	return TypeFull
}

// Status is the snapshot lifecycle state. A snapshot is never marked
// completed until post-write verification has succeeded.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeleted    Status = "deleted"
)

// TableCount records one table's contribution to a snapshot.
type TableCount struct {
	Name     string `json:"name"`
	RowCount int    `json:"row_count"`
}

// Snapshot is a registry record for one backup artifact.
type Snapshot struct {
	ID              uuid.UUID     `json:"id"`
	Type            Type          `json:"type"`
	Schedule        ScheduleClass `json:"schedule"`
	CreatedAt       time.Time     `json:"created_at"`
	SizeBytes       int64         `json:"size_bytes"`
	TableManifest   []TableCount  `json:"table_manifest"`
	Checksum        string        `json:"checksum"`
	Encrypted       bool          `json:"encrypted"`
	StorageLocation string        `json:"storage_location"`
	Status          Status        `json:"status"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	Duration        time.Duration `json:"duration_ns"`
}

// TableDump holds one exported table.
type TableDump struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Dump is the plaintext snapshot payload. Its canonical JSON serialization
// is what gets checksummed, compressed, and encrypted.
type Dump struct {
	Version   int         `json:"version"`
	CreatedAt time.Time   `json:"created_at"`
	Type      Type        `json:"type"`
	Tables    []TableDump `json:"tables"`
}

// Manifest derives the per-table row counts from the dump.
func (d *Dump) Manifest() []TableCount {
	manifest := make([]TableCount, 0, len(d.Tables))
	for _, t := range d.Tables {
		manifest = append(manifest, TableCount{Name: t.Name, RowCount: len(t.Rows)})
	}
	return manifest
}

// Sidecar is the metadata file written next to each payload artifact. It
// is inspectable without decrypting the payload.
type Sidecar struct {
	SnapshotID uuid.UUID     `json:"snapshot_id"`
	Schedule   ScheduleClass `json:"schedule"`
	Type       Type          `json:"type"`
	CreatedAt  time.Time     `json:"created_at"`
	Checksum   string        `json:"checksum"`
	Manifest   []TableCount  `json:"manifest"`
	Salt       []byte        `json:"salt"`
	IV         []byte        `json:"iv"`
	AuthTag    []byte        `json:"auth_tag"`
	SizeBytes  int64         `json:"size_bytes"`
}

// RestoreResult reports the outcome of a restore.
type RestoreResult struct {
	SnapshotID     uuid.UUID     `json:"snapshot_id"`
	Target         string        `json:"target,omitempty"`
	RestoredTables int           `json:"restored_tables"`
	RestoredRows   int           `json:"restored_rows"`
	Duration       time.Duration `json:"duration"`
	TestMode       bool          `json:"test_mode"`
	Reason         string        `json:"reason,omitempty"`
}

// FailoverCheck is one sub-test of a failover drill.
type FailoverCheck struct {
	Name    string        `json:"name"`
	Passed  bool          `json:"passed"`
	Detail  string        `json:"detail,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// FailoverReport aggregates a failover drill.
type FailoverReport struct {
	StartedAt  time.Time       `json:"started_at"`
	Checks     []FailoverCheck `json:"checks"`
	Passed     bool            `json:"passed"`
	Elapsed    time.Duration   `json:"elapsed"`
	RTOCeiling time.Duration   `json:"rto_ceiling"`
	WithinRTO  bool            `json:"within_rto"`
}

// Stats summarizes registry activity over a window.
type Stats struct {
	Total       int           `json:"total"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	TotalBytes  int64         `json:"total_bytes"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// StatusReport is the operator-facing view of the orchestrator.
type StatusReport struct {
	Recent           []Snapshot                  `json:"recent"`
	Last30Days       Stats                       `json:"last_30_days"`
	InFlight         map[ScheduleClass]bool      `json:"in_flight"`
	LastCompleted    map[ScheduleClass]*Snapshot `json:"last_completed"`
	ScheduledEntries int                         `json:"scheduled_entries"`
}

// Retention counts per schedule class. Manual snapshots are exempt from
// pruning: an operator deletes them deliberately or not at all.
var retentionCounts = map[ScheduleClass]int{
	ClassDaily:   7,
	ClassWeekly:  4,
	ClassMonthly: 6,
}
