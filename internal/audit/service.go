package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"medvault/internal/platform/metrics"
	dErrors "medvault/pkg/domain-errors"
)

// Sentinel errors for the ledger write and retention paths.
var (
	// ErrWriteFailed means the primary store rejected the event. The event
	// has already been captured by the file fallback sink when this is
	// returned.
	ErrWriteFailed = errors.New("audit write failed")

	// ErrRetentionViolation means a purge was attempted for records whose
	// retention date has not passed. Rejected, never retried.
	ErrRetentionViolation = errors.New("retention violation")
)

// Store persists ledger events. The primary store is append-only: events
// are never updated in place, only moved to the archive and eventually
// purged once retention has expired.
type Store interface {
	Append(ctx context.Context, event Event) error
	Query(ctx context.Context, filter Filter) ([]Event, error)
	// Archive moves events older than cutoff into the archive store in one
	// logical transaction and returns the number moved.
	Archive(ctx context.Context, cutoff time.Time) (int, error)
	// Purge deletes archived events whose retention date is at or before
	// the given instant, returning the number deleted.
	Purge(ctx context.Context, before time.Time) (int, error)
	Report(ctx context.Context, start, end time.Time) (*ComplianceReport, error)
}

// Encryptor is the subset of the encryption engine the ledger needs to
// protect sensitive metadata.
type Encryptor interface {
	EncryptString(plaintext, purpose string) (string, error)
}

// Ledger records privileged operations with deterministic risk scoring,
// compliance flags, and retention policy. High-risk events trigger a
// detached alert; store failures fall back to a local file sink before the
// error is surfaced.
type Ledger struct {
	store         Store
	encryptor     Encryptor
	fallback      *FileSink
	dispatcher    *Dispatcher
	logger        *slog.Logger
	metrics       *metrics.Metrics
	retentionDays int
	now           func() time.Time
}

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

func WithDispatcher(d *Dispatcher) Option {
	return func(l *Ledger) { l.dispatcher = d }
}

func WithFallback(sink *FileSink) Option {
	return func(l *Ledger) { l.fallback = sink }
}

func WithRetentionDays(days int) Option {
	return func(l *Ledger) {
		if days > 0 {
			l.retentionDays = days
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New constructs a Ledger. Store is required; the encryptor is required
// because events touching protected data must have their metadata
// encrypted before persistence.
func New(store Store, encryptor Encryptor, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	if encryptor == nil {
		return nil, errors.New("encryptor is required")
	}
	l := &Ledger{
		store:         store,
		encryptor:     encryptor,
		retentionDays: 2555,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Record scores, flags, and persists an audit event, returning its id.
// On persistence failure the event is appended to the local fallback sink
// and ErrWriteFailed is returned — the caller decides whether its own
// operation can proceed.
func (l *Ledger) Record(ctx context.Context, entry Entry) (uuid.UUID, error) {
	if entry.EventType == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, "event type is required")
	}
	if entry.Result == "" {
		entry.Result = ResultSuccess
	}

	now := l.now()
	score := RiskScore(entry.EventType, entry.Result, entry.PHIAccessed, entry.ActorRole)

	correlationID := entry.CorrelationID
	if correlationID == uuid.Nil {
		correlationID = uuid.New()
	}

	event := Event{
		ID:              uuid.New(),
		Timestamp:       now,
		ActorID:         entry.ActorID,
		ActorRole:       entry.ActorRole,
		EventType:       entry.EventType,
		ResourceType:    entry.ResourceType,
		ResourceID:      entry.ResourceID,
		Action:          entry.Action,
		Result:          entry.Result,
		ErrorMessage:    entry.ErrorMessage,
		RiskScore:       score,
		ComplianceFlags: complianceFlags(entry.EventType, entry.PHIAccessed, score),
		PHIAccessed:     entry.PHIAccessed,
		CorrelationID:   correlationID,
		RetentionDate:   now.AddDate(0, 0, l.retentionDays),
	}

	metadata, err := l.encodeMetadata(entry)
	if err != nil {
		return uuid.Nil, err
	}
	event.Metadata = metadata
	event.MetadataEncrypted = entry.PHIAccessed && metadata != ""

	if err := l.store.Append(ctx, event); err != nil {
		l.recover(event, err)
		return uuid.Nil, dErrors.Wrap(errors.Join(ErrWriteFailed, err), dErrors.CodeUnavailable, "persist audit event")
	}

	if l.metrics != nil {
		l.metrics.AuditEventsRecorded.WithLabelValues(string(event.EventType), string(event.Result)).Inc()
	}

	if score > alertThreshold && l.dispatcher != nil {
		l.dispatcher.TryDispatch(Alert{
			EventID:   event.ID,
			EventType: event.EventType,
			ActorID:   event.ActorID,
			RiskScore: score,
			Timestamp: event.Timestamp,
		})
	}

	return event.ID, nil
}

// encodeMetadata marshals entry metadata and, for events touching
// protected data, encrypts the document under the "audit" purpose.
func (l *Ledger) encodeMetadata(entry Entry) (string, error) {
	if len(entry.Metadata) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(entry.Metadata)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeValidation, "marshal audit metadata")
	}
	if !entry.PHIAccessed {
		return string(raw), nil
	}
	envelope, err := l.encryptor.EncryptString(string(raw), "audit")
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "encrypt audit metadata")
	}
	return envelope, nil
}

// recover captures an event the primary store rejected. The fallback is
// best-effort on top of best-effort: if it also fails, the event is logged
// so at least the operational trail shows the loss.
func (l *Ledger) recover(event Event, cause error) {
	if l.logger != nil {
		l.logger.Error("audit store unavailable, using file fallback",
			"event_id", event.ID,
			"event_type", event.EventType,
			"error", cause,
		)
	}
	if l.fallback == nil {
		return
	}
	if err := l.fallback.Write(event); err != nil {
		if l.logger != nil {
			l.logger.Error("audit fallback write failed", "event_id", event.ID, "error", err)
		}
		return
	}
	if l.metrics != nil {
		l.metrics.AuditFallbackWrites.Inc()
	}
}

// Query returns matching events newest-first. Results are always paginated:
// a missing limit gets the default page size and limits above the hard cap
// are clamped.
func (l *Ledger) Query(ctx context.Context, filter Filter) ([]Event, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultPageSize
	}
	if filter.Limit > MaxPageSize {
		filter.Limit = MaxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	events, err := l.store.Query(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "query audit events")
	}
	return events, nil
}

// Archive moves events older than the cutoff to the archive store. The
// store performs the move in a single logical transaction, so an event is
// never present in both stores nor absent from both.
func (l *Ledger) Archive(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		return 0, dErrors.New(dErrors.CodeValidation, "archive window must be positive")
	}
	cutoff := l.now().AddDate(0, 0, -olderThanDays)
	moved, err := l.store.Archive(ctx, cutoff)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "archive audit events")
	}
	if l.logger != nil && moved > 0 {
		l.logger.Info("audit events archived", "moved", moved, "cutoff", cutoff)
	}
	return moved, nil
}

// Purge deletes archived events whose retention date is at or before the
// given instant. Purging ahead of the clock would delete records still
// under retention, which is a programming error: it is rejected with
// ErrRetentionViolation and nothing is deleted.
func (l *Ledger) Purge(ctx context.Context, before time.Time) (int, error) {
	if before.After(l.now()) {
		return 0, dErrors.Wrap(ErrRetentionViolation, dErrors.CodeInvariantViolation,
			"purge cutoff is in the future")
	}
	purged, err := l.store.Purge(ctx, before)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "purge audit events")
	}
	return purged, nil
}

// PurgeExpired deletes every archived event past its retention date.
func (l *Ledger) PurgeExpired(ctx context.Context) (int, error) {
	return l.Purge(ctx, l.now())
}

// Report aggregates ledger activity over the window. Read-only.
func (l *Ledger) Report(ctx context.Context, start, end time.Time) (*ComplianceReport, error) {
	if end.Before(start) {
		return nil, dErrors.New(dErrors.CodeValidation, "report window end precedes start")
	}
	report, err := l.store.Report(ctx, start, end)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "build compliance report")
	}
	report.GeneratedAt = l.now()
	return report, nil
}

// redactedFields are never written into ledger metadata in the clear,
// even inside otherwise non-PHI events.
var redactedFields = map[string]struct{}{
	"ssn": {}, "national_id": {}, "bank_account": {}, "credit_card": {},
	"medical_record_number": {}, "genetic_data": {}, "biometric_data": {},
	"password": {}, "token": {}, "secret": {},
}

// SanitizeChanges redacts restricted fields from a change set before it is
// attached to an event. Nested maps are sanitized recursively.
func SanitizeChanges(changes map[string]any) map[string]any {
	out := make(map[string]any, len(changes))
	for key, value := range changes {
		if _, restricted := redactedFields[key]; restricted {
			out[key] = "[REDACTED]"
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			out[key] = SanitizeChanges(nested)
			continue
		}
		out[key] = value
	}
	return out
}

// RecordPHIAccess logs access to protected health information.
func (l *Ledger) RecordPHIAccess(ctx context.Context, actorID, actorRole, patientID, accessType string, fields []string) (uuid.UUID, error) {
	return l.Record(ctx, Entry{
		EventType:    EventAccessPHI,
		ActorID:      actorID,
		ActorRole:    actorRole,
		ResourceType: "patient",
		ResourceID:   patientID,
		Action:       accessType,
		Result:       ResultSuccess,
		Metadata:     map[string]any{"fields": fields},
		PHIAccessed:  true,
	})
}

// RecordAuthentication logs a login attempt.
func (l *Ledger) RecordAuthentication(ctx context.Context, actorID, actorRole string, success bool, reason string) (uuid.UUID, error) {
	entry := Entry{
		EventType: EventLogin,
		ActorID:   actorID,
		ActorRole: actorRole,
		Result:    ResultSuccess,
	}
	if !success {
		entry.EventType = EventAuthFailure
		entry.Result = ResultFailure
		entry.ErrorMessage = reason
	}
	return l.Record(ctx, entry)
}

// RecordDataModification logs a change to protected data with a sanitized
// change set.
func (l *Ledger) RecordDataModification(ctx context.Context, actorID, actorRole, resourceType, resourceID, action string, changes map[string]any) (uuid.UUID, error) {
	return l.Record(ctx, Entry{
		EventType:    EventModifyPHI,
		ActorID:      actorID,
		ActorRole:    actorRole,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Action:       action,
		Result:       ResultSuccess,
		Metadata: map[string]any{
			"changes":        SanitizeChanges(changes),
			"classification": ClassifyResource(resourceType),
		},
		PHIAccessed: true,
	})
}
