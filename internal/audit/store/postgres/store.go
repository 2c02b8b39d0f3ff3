// Package postgres persists audit events in PostgreSQL. The primary table
// is append-only; archival moves rows to a sibling archive table in one
// transaction so an event is never duplicated or lost mid-move.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"medvault/internal/audit"
	"medvault/pkg/platform/tx"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
    id                 UUID PRIMARY KEY,
    ts                 TIMESTAMPTZ NOT NULL,
    actor_id           TEXT NOT NULL,
    actor_role         TEXT NOT NULL,
    event_type         TEXT NOT NULL,
    resource_type      TEXT NOT NULL DEFAULT '',
    resource_id        TEXT NOT NULL DEFAULT '',
    action             TEXT NOT NULL DEFAULT '',
    result             TEXT NOT NULL,
    error_message      TEXT NOT NULL DEFAULT '',
    risk_score         INT NOT NULL,
    flag_hipaa         BOOLEAN NOT NULL,
    flag_gdpr          BOOLEAN NOT NULL,
    flag_high_risk     BOOLEAN NOT NULL,
    metadata           TEXT NOT NULL DEFAULT '',
    metadata_encrypted BOOLEAN NOT NULL DEFAULT FALSE,
    phi_accessed       BOOLEAN NOT NULL,
    correlation_id     UUID NOT NULL,
    retention_date     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events (ts DESC);
CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events (actor_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events (event_type, ts DESC);
CREATE TABLE IF NOT EXISTS audit_events_archive (LIKE audit_events INCLUDING ALL);
`

// EnsureSchema creates the ledger tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

const columns = `id, ts, actor_id, actor_role, event_type, resource_type, resource_id,
action, result, error_message, risk_score, flag_hipaa, flag_gdpr, flag_high_risk,
metadata, metadata_encrypted, phi_accessed, correlation_id, retention_date`

func (s *Store) Append(ctx context.Context, e audit.Event) error {
	query := `INSERT INTO audit_events (` + columns + `) VALUES
		($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.Timestamp, e.ActorID, e.ActorRole, e.EventType, e.ResourceType,
		e.ResourceID, e.Action, e.Result, e.ErrorMessage, e.RiskScore,
		e.ComplianceFlags.HIPAA, e.ComplianceFlags.GDPR, e.ComplianceFlags.HighRisk,
		e.Metadata, e.MetadataEncrypted, e.PHIAccessed, e.CorrelationID, e.RetentionDate,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, filter audit.Filter) ([]audit.Event, error) {
	var (
		preds []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		preds = append(preds, fmt.Sprintf(cond, len(args)))
	}
	if filter.ActorID != "" {
		add("actor_id = $%d", filter.ActorID)
	}
	if filter.EventType != "" {
		add("event_type = $%d", string(filter.EventType))
	}
	if filter.ResourceType != "" {
		add("resource_type = $%d", filter.ResourceType)
	}
	if filter.MinRiskScore > 0 {
		add("risk_score >= $%d", filter.MinRiskScore)
	}
	if !filter.Start.IsZero() {
		add("ts >= $%d", filter.Start)
	}
	if !filter.End.IsZero() {
		add("ts <= $%d", filter.End)
	}

	where := ""
	if len(preds) > 0 {
		where = " WHERE " + strings.Join(preds, " AND ")
	}

	source := `SELECT ` + columns + ` FROM audit_events`
	if filter.IncludeArchived {
		source = `SELECT ` + columns + ` FROM audit_events
			UNION ALL SELECT ` + columns + ` FROM audit_events_archive`
	}

	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM (%s) events%s ORDER BY ts DESC LIMIT $%d OFFSET $%d`,
		columns, source, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (audit.Event, error) {
	var e audit.Event
	err := rows.Scan(
		&e.ID, &e.Timestamp, &e.ActorID, &e.ActorRole, &e.EventType, &e.ResourceType,
		&e.ResourceID, &e.Action, &e.Result, &e.ErrorMessage, &e.RiskScore,
		&e.ComplianceFlags.HIPAA, &e.ComplianceFlags.GDPR, &e.ComplianceFlags.HighRisk,
		&e.Metadata, &e.MetadataEncrypted, &e.PHIAccessed, &e.CorrelationID, &e.RetentionDate,
	)
	if err != nil {
		return audit.Event{}, fmt.Errorf("scan audit event: %w", err)
	}
	return e, nil
}

// Archive moves events older than cutoff into the archive table. The CTE
// deletes and inserts in one statement, so the move is atomic even without
// an explicit transaction; the surrounding tx keeps it consistent with any
// future multi-statement additions.
func (s *Store) Archive(ctx context.Context, cutoff time.Time) (int, error) {
	var moved int
	err := tx.Execute(ctx, s.db, func(ctx context.Context) error {
		t, _ := tx.From(ctx)
		res, err := t.ExecContext(ctx, `
			WITH moved AS (
				DELETE FROM audit_events WHERE ts < $1 RETURNING *
			)
			INSERT INTO audit_events_archive SELECT * FROM moved`, cutoff)
		if err != nil {
			return fmt.Errorf("archive audit events: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("archive rows affected: %w", err)
		}
		moved = int(n)
		return nil
	})
	return moved, err
}

func (s *Store) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_events_archive WHERE retention_date <= $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge archived events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return int(n), nil
}

func (s *Store) Report(ctx context.Context, start, end time.Time) (*audit.ComplianceReport, error) {
	report := &audit.ComplianceReport{Start: start, End: end}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE phi_accessed)
		FROM audit_events WHERE ts BETWEEN $1 AND $2`,
		start, end,
	).Scan(&report.TotalEvents, &report.PHIAccessCount)
	if err != nil {
		return nil, fmt.Errorf("report totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*), COUNT(DISTINCT actor_id), AVG(risk_score),
		       COUNT(*) FILTER (WHERE result = 'failure'),
		       COUNT(*) FILTER (WHERE phi_accessed)
		FROM audit_events WHERE ts BETWEEN $1 AND $2
		GROUP BY event_type ORDER BY COUNT(*) DESC`,
		start, end)
	if err != nil {
		return nil, fmt.Errorf("report event types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var summary audit.EventTypeSummary
		if err := rows.Scan(&summary.EventType, &summary.Count, &summary.UniqueActors,
			&summary.AvgRiskScore, &summary.Failures, &summary.PHIAccess); err != nil {
			return nil, fmt.Errorf("scan event type summary: %w", err)
		}
		report.EventTypes = append(report.EventTypes, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event type summaries: %w", err)
	}

	actorRows, err := s.db.QueryContext(ctx, `
		SELECT actor_id, COUNT(*),
		       COUNT(*) FILTER (WHERE flag_high_risk),
		       COUNT(*) FILTER (WHERE phi_accessed)
		FROM audit_events WHERE ts BETWEEN $1 AND $2
		GROUP BY actor_id ORDER BY COUNT(*) DESC LIMIT 50`,
		start, end)
	if err != nil {
		return nil, fmt.Errorf("report actor activity: %w", err)
	}
	defer actorRows.Close()
	for actorRows.Next() {
		var a audit.ActorActivity
		if err := actorRows.Scan(&a.ActorID, &a.Events, &a.HighRisk, &a.PHIAccess); err != nil {
			return nil, fmt.Errorf("scan actor activity: %w", err)
		}
		report.ActorActivity = append(report.ActorActivity, a)
	}
	if err := actorRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actor activity: %w", err)
	}

	riskRows, err := s.db.QueryContext(ctx, `
		SELECT `+columns+` FROM audit_events
		WHERE ts BETWEEN $1 AND $2 AND flag_high_risk
		ORDER BY risk_score DESC LIMIT 100`,
		start, end)
	if err != nil {
		return nil, fmt.Errorf("report high-risk events: %w", err)
	}
	defer riskRows.Close()
	for riskRows.Next() {
		e, err := scanEvent(riskRows)
		if err != nil {
			return nil, err
		}
		report.HighRiskEvents = append(report.HighRiskEvents, e)
	}
	if err := riskRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate high-risk events: %w", err)
	}

	return report, nil
}
