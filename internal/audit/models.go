// Package audit implements the tamper-evident audit ledger: append-only
// event records with deterministic risk scoring, compliance flags,
// retention policy, archival, and compliance reporting.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies a privileged operation.
type EventType string

const (
	EventLogin          EventType = "LOGIN"
	EventLogout         EventType = "LOGOUT"
	EventAccessPHI      EventType = "ACCESS_PHI"
	EventModifyPHI      EventType = "MODIFY_PHI"
	EventDeletePHI      EventType = "DELETE_PHI"
	EventExportPHI      EventType = "EXPORT_PHI"
	EventPrintPHI       EventType = "PRINT_PHI"
	EventAuthFailure    EventType = "AUTHORIZATION_FAILURE"
	EventConfigChange   EventType = "CONFIGURATION_CHANGE"
	EventUserManagement EventType = "USER_MANAGEMENT"
	EventBackupRestore  EventType = "BACKUP_RESTORE"
)

// Result is the outcome of the audited operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// ComplianceFlags mark which regimes an event is significant under.
// HighRisk mirrors the risk score threshold so reports and alert queries
// need not recompute it.
type ComplianceFlags struct {
	HIPAA    bool `json:"hipaa"`
	GDPR     bool `json:"gdpr"`
	HighRisk bool `json:"highRisk"`
}

// Event is a persisted ledger record. Once written it is never mutated:
// the only legal transitions are persisted → archived → purged, and purge
// is rejected before RetentionDate.
type Event struct {
	ID              uuid.UUID       `json:"id"`
	Timestamp       time.Time       `json:"timestamp"`
	ActorID         string          `json:"actor_id"`
	ActorRole       string          `json:"actor_role"`
	EventType       EventType       `json:"event_type"`
	ResourceType    string          `json:"resource_type"`
	ResourceID      string          `json:"resource_id"`
	Action          string          `json:"action"`
	Result          Result          `json:"result"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	RiskScore       int             `json:"risk_score"`
	ComplianceFlags ComplianceFlags `json:"compliance_flags"`

	// Metadata is a JSON document, or an encrypted string envelope when
	// MetadataEncrypted is set (events touching protected data).
	Metadata          string `json:"metadata,omitempty"`
	MetadataEncrypted bool   `json:"metadata_encrypted"`

	PHIAccessed   bool      `json:"phi_accessed"`
	CorrelationID uuid.UUID `json:"correlation_id"`
	RetentionDate time.Time `json:"retention_date"`
}

// Entry is the caller-supplied input to Record. The ledger derives the
// rest: id, timestamp, risk score, flags, retention date.
type Entry struct {
	EventType     EventType
	ActorID       string
	ActorRole     string
	ResourceType  string
	ResourceID    string
	Action        string
	Result        Result
	ErrorMessage  string
	Metadata      map[string]any
	PHIAccessed   bool
	CorrelationID uuid.UUID
}

// Filter selects events for Query. Zero values mean "no constraint".
// Results are always newest-first and bounded by Limit.
type Filter struct {
	ActorID         string
	EventType       EventType
	Start           time.Time
	End             time.Time
	ResourceType    string
	MinRiskScore    int
	IncludeArchived bool
	Limit           int
	Offset          int
}

const (
	// DefaultPageSize bounds Query results when the caller does not ask
	// for a limit; MaxPageSize is the hard cap. Unbounded result sets are
	// never returned.
	DefaultPageSize = 100
	MaxPageSize     = 500
)

// EventTypeSummary aggregates one event type over a reporting window.
type EventTypeSummary struct {
	EventType    EventType `json:"event_type"`
	Count        int       `json:"count"`
	UniqueActors int       `json:"unique_actors"`
	AvgRiskScore float64   `json:"avg_risk_score"`
	Failures     int       `json:"failures"`
	PHIAccess    int       `json:"phi_access_count"`
}

// ActorActivity aggregates one actor over a reporting window.
type ActorActivity struct {
	ActorID   string `json:"actor_id"`
	Events    int    `json:"events"`
	HighRisk  int    `json:"high_risk"`
	PHIAccess int    `json:"phi_access"`
}

// ComplianceReport is the read-only aggregation returned by Report.
type ComplianceReport struct {
	Start          time.Time          `json:"start"`
	End            time.Time          `json:"end"`
	GeneratedAt    time.Time          `json:"generated_at"`
	EventTypes     []EventTypeSummary `json:"event_types"`
	ActorActivity  []ActorActivity    `json:"actor_activity"`
	HighRiskEvents []Event            `json:"high_risk_events"`
	PHIAccessCount int                `json:"phi_access_count"`
	TotalEvents    int                `json:"total_events"`
}
