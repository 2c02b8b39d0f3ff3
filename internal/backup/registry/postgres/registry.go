// Package postgres persists the snapshot registry in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"medvault/internal/backup"
	"medvault/pkg/platform/sentinel"
)

type Registry struct {
	db *sql.DB
}

func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS backup_snapshots (
    id               UUID PRIMARY KEY,
    backup_type      TEXT NOT NULL,
    schedule         TEXT NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL,
    size_bytes       BIGINT NOT NULL DEFAULT 0,
    table_manifest   JSONB NOT NULL DEFAULT '[]',
    checksum         TEXT NOT NULL DEFAULT '',
    encrypted        BOOLEAN NOT NULL,
    storage_location TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL,
    error_message    TEXT NOT NULL DEFAULT '',
    duration_ns      BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_backup_snapshots_class
    ON backup_snapshots (schedule, status, created_at DESC);
`

func (r *Registry) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure backup schema: %w", err)
	}
	return nil
}

const columns = `id, backup_type, schedule, created_at, size_bytes, table_manifest,
checksum, encrypted, storage_location, status, error_message, duration_ns`

func (r *Registry) Create(ctx context.Context, s *backup.Snapshot) error {
	manifest, err := json.Marshal(s.TableManifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO backup_snapshots (`+columns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		s.ID, s.Type, s.Schedule, s.CreatedAt, s.SizeBytes, manifest,
		s.Checksum, s.Encrypted, s.StorageLocation, s.Status, s.ErrorMessage, s.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (r *Registry) Update(ctx context.Context, s *backup.Snapshot) error {
	manifest, err := json.Marshal(s.TableManifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE backup_snapshots SET
		size_bytes = $2, table_manifest = $3, checksum = $4,
		storage_location = $5, status = $6, error_message = $7, duration_ns = $8
		WHERE id = $1`,
		s.ID, s.SizeBytes, manifest, s.Checksum,
		s.StorageLocation, s.Status, s.ErrorMessage, s.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*backup.Snapshot, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM backup_snapshots WHERE id = $1`, id)
	s, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*backup.Snapshot, error) {
	var (
		s        backup.Snapshot
		manifest []byte
		duration int64
	)
	err := row.Scan(
		&s.ID, &s.Type, &s.Schedule, &s.CreatedAt, &s.SizeBytes, &manifest,
		&s.Checksum, &s.Encrypted, &s.StorageLocation, &s.Status, &s.ErrorMessage, &duration,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(manifest, &s.TableManifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	s.Duration = time.Duration(duration)
	return &s, nil
}

func (r *Registry) ListByClass(ctx context.Context, class backup.ScheduleClass, status backup.Status) ([]backup.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+columns+` FROM backup_snapshots
		WHERE schedule = $1 AND status = $2 ORDER BY created_at DESC`,
		class, status)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return collect(rows)
}

func (r *Registry) Recent(ctx context.Context, limit int) ([]backup.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+columns+` FROM backup_snapshots
		ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", err)
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]backup.Snapshot, error) {
	defer rows.Close()
	var out []backup.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

func (r *Registry) Stats(ctx context.Context, since time.Time) (*backup.Stats, error) {
	var (
		stats      backup.Stats
		totalBytes sql.NullInt64
		avgNs      sql.NullFloat64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       SUM(size_bytes) FILTER (WHERE status = 'completed'),
		       AVG(duration_ns) FILTER (WHERE status = 'completed')
		FROM backup_snapshots WHERE created_at >= $1`,
		since,
	).Scan(&stats.Total, &stats.Completed, &stats.Failed, &totalBytes, &avgNs)
	if err != nil {
		return nil, fmt.Errorf("aggregate snapshot stats: %w", err)
	}
	stats.TotalBytes = totalBytes.Int64
	stats.AvgDuration = time.Duration(int64(avgNs.Float64))
	return &stats, nil
}

func (r *Registry) LastCompleted(ctx context.Context, class backup.ScheduleClass) (*backup.Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM backup_snapshots
		WHERE schedule = $1 AND status = 'completed'
		ORDER BY created_at DESC LIMIT 1`, class)
	s, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}
