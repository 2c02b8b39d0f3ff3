package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"medvault/internal/audit"
	"medvault/internal/crypto"
	"medvault/internal/platform/metrics"
	dErrors "medvault/pkg/domain-errors"
)

// Sentinel errors for the backup and restore paths.
var (
	// ErrBackupFailed marks any stage of export, encrypt, write, or verify
	// failing. The snapshot is marked failed; the next scheduled run is the
	// retry, never a silent mid-run one.
	ErrBackupFailed = errors.New("backup failed")

	// ErrRestoreFailed fails closed: the target is untouched.
	ErrRestoreFailed = errors.New("restore failed")

	// ErrBackupInProgress means the same schedule class fired before the
	// prior run finished. The re-entrant run is skipped.
	ErrBackupInProgress = errors.New("backup already in progress")
)

// Exporter produces a consistent dump of the business schema.
type Exporter interface {
	Export(ctx context.Context, since time.Time) (*Dump, error)
}

// Restorer applies dumps to a target and answers the integrity probes used
// by failover drills.
type Restorer interface {
	Apply(ctx context.Context, dump *Dump, testMode bool) (tables, rows int, err error)
	Ping(ctx context.Context) (time.Duration, error)
	RowCount(ctx context.Context, table string) (int, error)
	HasReferentialConstraints(ctx context.Context) (bool, error)
}

// Registry persists snapshot metadata. List results are newest-first.
type Registry interface {
	Create(ctx context.Context, snapshot *Snapshot) error
	Update(ctx context.Context, snapshot *Snapshot) error
	Get(ctx context.Context, id uuid.UUID) (*Snapshot, error)
	ListByClass(ctx context.Context, class ScheduleClass, status Status) ([]Snapshot, error)
	Recent(ctx context.Context, limit int) ([]Snapshot, error)
	Stats(ctx context.Context, since time.Time) (*Stats, error)
	LastCompleted(ctx context.Context, class ScheduleClass) (*Snapshot, error)
}

// Cipher is the subset of the encryption engine the orchestrator needs.
type Cipher interface {
	Encrypt(plaintext []byte, purpose string) (*crypto.EncryptedPayload, error)
	Decrypt(payload *crypto.EncryptedPayload, purpose string) ([]byte, error)
}

// Auditor records backup and restore attempts in the ledger.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry) (uuid.UUID, error)
}

const backupPurpose = "backup"

// Orchestrator runs scheduled and manual snapshots: export, checksum,
// compress, encrypt, write, verify; transactional restore; failover
// drills; retention pruning.
type Orchestrator struct {
	exporter   Exporter
	restorer   Restorer
	registry   Registry
	cipher     Cipher
	auditor    Auditor
	dir        string
	rtoCeiling time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	// One in-flight flag per schedule class: classes run independently,
	// re-entrant fires of the same class are skipped.
	mu       sync.Mutex
	inFlight map[ScheduleClass]bool
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithAuditor(a Auditor) Option {
	return func(o *Orchestrator) { o.auditor = a }
}

func WithRTOCeiling(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.rtoCeiling = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(exporter Exporter, restorer Restorer, registry Registry, cipher Cipher, dir string, opts ...Option) (*Orchestrator, error) {
	if exporter == nil || restorer == nil || registry == nil || cipher == nil {
		return nil, errors.New("exporter, restorer, registry, and cipher are required")
	}
	if dir == "" {
		return nil, errors.New("backup directory is required")
	}
	o := &Orchestrator{
		exporter:   exporter,
		restorer:   restorer,
		registry:   registry,
		cipher:     cipher,
		dir:        dir,
		rtoCeiling: 5 * time.Minute,
		now:        time.Now,
		inFlight:   make(map[ScheduleClass]bool, 4),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// acquire claims the in-flight slot for a class. Returns false when a run
// of the same class is already under way.
func (o *Orchestrator) acquire(class ScheduleClass) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[class] {
		return false
	}
	o.inFlight[class] = true
	return true
}

func (o *Orchestrator) release(class ScheduleClass) {
	o.mu.Lock()
	o.inFlight[class] = false
	o.mu.Unlock()
}

// PerformBackup runs one snapshot of the given class end to end. The
// snapshot reaches completed only after the written artifact has been
// independently re-read, decrypted, decompressed, and re-checksummed.
// Exactly one ledger event is recorded per attempt, success or failure.
func (o *Orchestrator) PerformBackup(ctx context.Context, class ScheduleClass) (*Snapshot, error) {
	if !class.Valid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown schedule class %q", class)
	}
	if !o.acquire(class) {
		return nil, dErrors.Wrap(ErrBackupInProgress, dErrors.CodeConflict,
			fmt.Sprintf("%s backup already running", class))
	}
	defer o.release(class)

	start := o.now()
	snapshot := &Snapshot{
		ID:        uuid.New(),
		Type:      class.BackupType(),
		Schedule:  class,
		CreatedAt: start,
		Encrypted: true,
		Status:    StatusInProgress,
	}
	if err := o.registry.Create(ctx, snapshot); err != nil {
		return nil, dErrors.Wrap(errors.Join(ErrBackupFailed, err), dErrors.CodeInternal, "register snapshot")
	}

	err := o.runBackup(ctx, snapshot)
	snapshot.Duration = o.now().Sub(start)

	if err != nil {
		snapshot.Status = StatusFailed
		snapshot.ErrorMessage = err.Error()
		if uerr := o.registry.Update(ctx, snapshot); uerr != nil && o.logger != nil {
			o.logger.Error("failed to mark snapshot failed", "snapshot_id", snapshot.ID, "error", uerr)
		}
		if o.metrics != nil {
			o.metrics.BackupsFailed.WithLabelValues(string(class)).Inc()
		}
		o.auditBackup(ctx, snapshot, err)
		return snapshot, dErrors.Wrap(errors.Join(ErrBackupFailed, err), dErrors.CodeInternal,
			fmt.Sprintf("%s backup", class))
	}

	snapshot.Status = StatusCompleted
	if uerr := o.registry.Update(ctx, snapshot); uerr != nil {
		o.auditBackup(ctx, snapshot, uerr)
		return snapshot, dErrors.Wrap(errors.Join(ErrBackupFailed, uerr), dErrors.CodeInternal, "finalize snapshot")
	}

	if o.metrics != nil {
		o.metrics.BackupsCompleted.WithLabelValues(string(class)).Inc()
		o.metrics.BackupBytes.Add(float64(snapshot.SizeBytes))
		o.metrics.BackupDuration.Observe(snapshot.Duration.Seconds())
	}
	if o.logger != nil {
		o.logger.Info("backup completed",
			"snapshot_id", snapshot.ID,
			"schedule", class,
			"size_bytes", snapshot.SizeBytes,
			"duration", snapshot.Duration,
		)
	}
	o.auditBackup(ctx, snapshot, nil)
	return snapshot, nil
}

// runBackup is the export → checksum → compress → encrypt → write → verify
// pipeline. It mutates the snapshot's payload-derived fields and leaves
// status handling to the caller.
func (o *Orchestrator) runBackup(ctx context.Context, snapshot *Snapshot) error {
	var since time.Time
	if snapshot.Type == TypeIncremental {
		since = snapshot.CreatedAt.Add(-24 * time.Hour)
	}

	dump, err := o.exporter.Export(ctx, since)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	dump.Type = snapshot.Type

	plaintext, err := json.Marshal(dump)
	if err != nil {
		return fmt.Errorf("serialize dump: %w", err)
	}
	snapshot.Checksum = checksum(plaintext)
	snapshot.TableManifest = dump.Manifest()

	compressed, err := compress(plaintext)
	if err != nil {
		return err
	}
	payload, err := o.cipher.Encrypt(compressed, backupPurpose)
	if err != nil {
		return fmt.Errorf("encrypt payload: %w", err)
	}

	name := fmt.Sprintf("backup-%s-%s-%s.json.enc",
		snapshot.Schedule, snapshot.CreatedAt.UTC().Format("20060102T150405Z"), snapshot.ID.String()[:8])
	path := filepath.Join(o.dir, name)

	sidecar := Sidecar{
		SnapshotID: snapshot.ID,
		Schedule:   snapshot.Schedule,
		Type:       snapshot.Type,
		CreatedAt:  snapshot.CreatedAt,
		Checksum:   snapshot.Checksum,
		Manifest:   snapshot.TableManifest,
		Salt:       payload.Salt,
		IV:         payload.IV,
		AuthTag:    payload.AuthTag,
		SizeBytes:  int64(len(payload.Ciphertext)),
	}
	if err := writeArtifact(path, payload.Ciphertext, sidecar); err != nil {
		return err
	}
	snapshot.StorageLocation = path
	snapshot.SizeBytes = int64(len(payload.Ciphertext))

	if err := o.verifyArtifact(path, snapshot.Checksum); err != nil {
		return fmt.Errorf("verify written artifact: %w", err)
	}
	return nil
}

// verifyArtifact independently re-reads the artifact from disk, decrypts,
// decompresses, and re-checksums it against the expected digest.
func (o *Orchestrator) verifyArtifact(path, expected string) error {
	plaintext, _, err := o.openArtifact(path)
	if err != nil {
		return err
	}
	if got := checksum(plaintext); got != expected {
		return fmt.Errorf("checksum mismatch: got %s want %s", got, expected)
	}
	return nil
}

// openArtifact reads an artifact from disk and returns the decrypted,
// decompressed plaintext along with its sidecar.
func (o *Orchestrator) openArtifact(path string) ([]byte, *Sidecar, error) {
	ciphertext, sidecar, err := readArtifact(path)
	if err != nil {
		return nil, nil, err
	}
	compressed, err := o.cipher.Decrypt(&crypto.EncryptedPayload{
		Ciphertext: ciphertext,
		Salt:       sidecar.Salt,
		IV:         sidecar.IV,
		AuthTag:    sidecar.AuthTag,
		Purpose:    backupPurpose,
	}, backupPurpose)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt payload: %w", err)
	}
	plaintext, err := decompress(compressed)
	if err != nil {
		return nil, nil, err
	}
	return plaintext, sidecar, nil
}

// RestoreBackup applies a completed snapshot to the target inside one
// transaction. Test mode rolls the transaction back at the end, leaving
// the target untouched; production mode commits all-or-nothing. The target
// names where the restorer is pointed and goes into the audit trail; the
// restorer itself is bound to that connection at wiring time.
func (o *Orchestrator) RestoreBackup(ctx context.Context, snapshotID uuid.UUID, target string, testMode bool) (*RestoreResult, error) {
	start := o.now()
	result := &RestoreResult{SnapshotID: snapshotID, Target: target, TestMode: testMode}

	fail := func(stage string, err error) (*RestoreResult, error) {
		result.Reason = fmt.Sprintf("%s: %v", stage, err)
		result.Duration = o.now().Sub(start)
		o.auditRestore(ctx, result, err)
		return result, dErrors.Wrap(errors.Join(ErrRestoreFailed, err), dErrors.CodeInternal, stage)
	}

	snapshot, err := o.registry.Get(ctx, snapshotID)
	if err != nil {
		return fail("locate snapshot", err)
	}
	if snapshot.Status != StatusCompleted {
		return fail("locate snapshot", fmt.Errorf("snapshot status is %s, not completed", snapshot.Status))
	}

	plaintext, sidecar, err := o.openArtifact(snapshot.StorageLocation)
	if err != nil {
		return fail("open artifact", err)
	}
	if got := checksum(plaintext); got != sidecar.Checksum {
		return fail("verify checksum", fmt.Errorf("got %s want %s", got, sidecar.Checksum))
	}

	var dump Dump
	if err := json.Unmarshal(plaintext, &dump); err != nil {
		return fail("parse dump", err)
	}

	tables, rows, err := o.restorer.Apply(ctx, &dump, testMode)
	if err != nil {
		return fail("apply dump", err)
	}

	result.RestoredTables = tables
	result.RestoredRows = rows
	result.Duration = o.now().Sub(start)

	if o.metrics != nil {
		o.metrics.RestoreDuration.Observe(result.Duration.Seconds())
	}
	if o.logger != nil {
		o.logger.Info("restore completed",
			"snapshot_id", snapshotID,
			"test_mode", testMode,
			"tables", tables,
			"rows", rows,
			"duration", result.Duration,
		)
	}
	o.auditRestore(ctx, result, nil)
	return result, nil
}

// TestFailover runs the disaster-recovery drill: connectivity, backup
// creation, restore to an isolated target, data-integrity spot checks, and
// total elapsed time against the recovery time objective.
func (o *Orchestrator) TestFailover(ctx context.Context) (*FailoverReport, error) {
	start := o.now()
	report := &FailoverReport{StartedAt: start, RTOCeiling: o.rtoCeiling}

	run := func(name string, fn func() (string, error)) bool {
		checkStart := o.now()
		detail, err := fn()
		check := FailoverCheck{Name: name, Elapsed: o.now().Sub(checkStart), Detail: detail}
		if err != nil {
			check.Passed = false
			check.Detail = err.Error()
		} else {
			check.Passed = true
		}
		report.Checks = append(report.Checks, check)
		return check.Passed
	}

	run("connectivity", func() (string, error) {
		latency, err := o.restorer.Ping(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("latency %s", latency), nil
	})

	var snapshot *Snapshot
	if run("backup_creation", func() (string, error) {
		s, err := o.PerformBackup(ctx, ClassManual)
		if err != nil {
			return "", err
		}
		snapshot = s
		return fmt.Sprintf("snapshot %s, %d tables", s.ID, len(s.TableManifest)), nil
	}) {
		run("restore_isolated", func() (string, error) {
			result, err := o.RestoreBackup(ctx, snapshot.ID, "isolated", true)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d tables, %d rows", result.RestoredTables, result.RestoredRows), nil
		})

		run("data_integrity", func() (string, error) {
			for _, entry := range snapshot.TableManifest {
				live, err := o.restorer.RowCount(ctx, entry.Name)
				if err != nil {
					return "", err
				}
				if live < entry.RowCount {
					return "", fmt.Errorf("table %s has %d rows, manifest recorded %d", entry.Name, live, entry.RowCount)
				}
			}
			hasFKs, err := o.restorer.HasReferentialConstraints(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d tables checked, foreign keys present: %t", len(snapshot.TableManifest), hasFKs), nil
		})
	}

	report.Elapsed = o.now().Sub(start)
	report.WithinRTO = report.Elapsed <= o.rtoCeiling
	run("recovery_time_objective", func() (string, error) {
		if !report.WithinRTO {
			return "", fmt.Errorf("drill took %s, ceiling is %s", report.Elapsed, o.rtoCeiling)
		}
		return fmt.Sprintf("%s within %s", report.Elapsed, o.rtoCeiling), nil
	})

	report.Passed = true
	for _, check := range report.Checks {
		if !check.Passed {
			report.Passed = false
			break
		}
	}

	if o.auditor != nil {
		result := audit.ResultSuccess
		if !report.Passed {
			result = audit.ResultFailure
		}
		_, _ = o.auditor.Record(ctx, audit.Entry{
			EventType:    audit.EventBackupRestore,
			ActorID:      "system",
			ActorRole:    "super_admin",
			ResourceType: "backup",
			Action:       "failover_drill",
			Result:       result,
			Metadata: map[string]any{
				"checks":     len(report.Checks),
				"elapsed":    report.Elapsed.String(),
				"within_rto": report.WithinRTO,
			},
		})
	}
	return report, nil
}

// CleanupOldBackups prunes completed snapshots of a class beyond its
// retention count, oldest first. Manual snapshots are exempt. Each
// candidate is re-validated against a fresh registry read before deletion
// so an entry that went back in flight is never removed.
func (o *Orchestrator) CleanupOldBackups(ctx context.Context, class ScheduleClass) (int, error) {
	keep, ok := retentionCounts[class]
	if !ok {
		return 0, nil
	}

	snapshots, err := o.registry.ListByClass(ctx, class, StatusCompleted)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "list snapshots for cleanup")
	}
	if len(snapshots) <= keep {
		return 0, nil
	}

	// Newest-first listing: everything past the retention count is a
	// candidate, deleted oldest first.
	candidates := snapshots[keep:]
	deleted := 0
	for i := len(candidates) - 1; i >= 0; i-- {
		candidate := candidates[i]

		current, err := o.registry.Get(ctx, candidate.ID)
		if err != nil {
			if o.logger != nil {
				o.logger.Warn("cleanup candidate vanished from registry", "snapshot_id", candidate.ID)
			}
			continue
		}
		if current.Status != StatusCompleted {
			continue
		}

		if err := removeArtifact(current.StorageLocation); err != nil {
			if o.logger != nil {
				o.logger.Error("failed to remove backup artifact", "snapshot_id", current.ID, "error", err)
			}
			continue
		}
		current.Status = StatusDeleted
		if err := o.registry.Update(ctx, current); err != nil {
			return deleted, dErrors.Wrap(err, dErrors.CodeInternal, "mark snapshot deleted")
		}
		deleted++
	}

	if o.logger != nil && deleted > 0 {
		o.logger.Info("old backups pruned", "schedule", class, "deleted", deleted, "kept", keep)
	}
	return deleted, nil
}

// GetBackupStatus reports recent snapshots, 30-day statistics, in-flight
// classes, and the last completed snapshot per class.
func (o *Orchestrator) GetBackupStatus(ctx context.Context) (*StatusReport, error) {
	recent, err := o.registry.Recent(ctx, 10)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list recent snapshots")
	}
	stats, err := o.registry.Stats(ctx, o.now().AddDate(0, 0, -30))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "aggregate snapshot stats")
	}

	report := &StatusReport{
		Recent:        recent,
		Last30Days:    *stats,
		InFlight:      make(map[ScheduleClass]bool, 4),
		LastCompleted: make(map[ScheduleClass]*Snapshot, 4),
	}

	o.mu.Lock()
	for class, running := range o.inFlight {
		if running {
			report.InFlight[class] = true
		}
	}
	o.mu.Unlock()

	for _, class := range []ScheduleClass{ClassDaily, ClassWeekly, ClassMonthly, ClassManual} {
		last, err := o.registry.LastCompleted(ctx, class)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "find last completed snapshot")
		}
		if last != nil {
			report.LastCompleted[class] = last
		}
	}
	return report, nil
}

func (o *Orchestrator) auditBackup(ctx context.Context, snapshot *Snapshot, cause error) {
	if o.auditor == nil {
		return
	}
	entry := audit.Entry{
		EventType:    audit.EventBackupRestore,
		ActorID:      "system",
		ActorRole:    "super_admin",
		ResourceType: "backup",
		ResourceID:   snapshot.ID.String(),
		Action:       "backup",
		Result:       audit.ResultSuccess,
		Metadata: map[string]any{
			"schedule":   string(snapshot.Schedule),
			"type":       string(snapshot.Type),
			"size_bytes": snapshot.SizeBytes,
			"tables":     len(snapshot.TableManifest),
		},
	}
	if cause != nil {
		entry.Result = audit.ResultFailure
		entry.ErrorMessage = cause.Error()
	}
	if _, err := o.auditor.Record(ctx, entry); err != nil && o.logger != nil {
		o.logger.Error("failed to audit backup attempt", "snapshot_id", snapshot.ID, "error", err)
	}
}

func (o *Orchestrator) auditRestore(ctx context.Context, result *RestoreResult, cause error) {
	if o.auditor == nil {
		return
	}
	entry := audit.Entry{
		EventType:    audit.EventBackupRestore,
		ActorID:      "system",
		ActorRole:    "super_admin",
		ResourceType: "backup",
		ResourceID:   result.SnapshotID.String(),
		Action:       "restore",
		Result:       audit.ResultSuccess,
		Metadata: map[string]any{
			"target":          result.Target,
			"test_mode":       result.TestMode,
			"restored_tables": result.RestoredTables,
			"restored_rows":   result.RestoredRows,
		},
	}
	if cause != nil {
		entry.Result = audit.ResultFailure
		entry.ErrorMessage = result.Reason
	}
	if _, err := o.auditor.Record(ctx, entry); err != nil && o.logger != nil {
		o.logger.Error("failed to audit restore attempt", "snapshot_id", result.SnapshotID, "error", err)
	}
}
