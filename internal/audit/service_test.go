package audit_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"medvault/internal/audit"
	"medvault/internal/audit/store/memory"
	"medvault/internal/crypto"
	dErrors "medvault/pkg/domain-errors"
)

var testMaster = []byte("0123456789abcdef0123456789abcdef")

type LedgerSuite struct {
	suite.Suite
	ctx    context.Context
	store  *memory.Store
	engine *crypto.Engine
	now    time.Time
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerSuite))
}

func (s *LedgerSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.New()
	engine, err := crypto.New(testMaster)
	s.Require().NoError(err)
	s.engine = engine
	s.now = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
}

func (s *LedgerSuite) newLedger(opts ...audit.Option) *audit.Ledger {
	base := []audit.Option{
		audit.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))),
		audit.WithClock(func() time.Time { return s.now }),
	}
	ledger, err := audit.New(s.store, s.engine, append(base, opts...)...)
	s.Require().NoError(err)
	return ledger
}

func (s *LedgerSuite) TestRecordDerivesEventFields() {
	ledger := s.newLedger()

	id, err := ledger.Record(s.ctx, audit.Entry{
		EventType:    audit.EventAccessPHI,
		ActorID:      "dr-wong",
		ActorRole:    "doctor",
		ResourceType: "patient",
		ResourceID:   "p-1001",
		Action:       "view",
		PHIAccessed:  true,
	})
	s.Require().NoError(err)
	s.NotEqual("00000000-0000-0000-0000-000000000000", id.String())

	events, err := ledger.Query(s.ctx, audit.Filter{ActorID: "dr-wong"})
	s.Require().NoError(err)
	s.Require().Len(events, 1)

	e := events[0]
	s.Equal(45, e.RiskScore)
	s.True(e.ComplianceFlags.HIPAA)
	s.True(e.ComplianceFlags.GDPR)
	s.False(e.ComplianceFlags.HighRisk)
	s.NotEqual("00000000-0000-0000-0000-000000000000", e.CorrelationID.String())
	s.Equal(s.now.AddDate(0, 0, 2555), e.RetentionDate)
}

func (s *LedgerSuite) TestRecordRequiresEventType() {
	ledger := s.newLedger()
	_, err := ledger.Record(s.ctx, audit.Entry{ActorID: "x"})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *LedgerSuite) TestPHIMetadataIsEncrypted() {
	ledger := s.newLedger()

	_, err := ledger.Record(s.ctx, audit.Entry{
		EventType:   audit.EventAccessPHI,
		ActorID:     "dr-wong",
		ActorRole:   "doctor",
		PHIAccessed: true,
		Metadata:    map[string]any{"fields": []string{"diagnosis", "ssn"}},
	})
	s.Require().NoError(err)

	events, err := ledger.Query(s.ctx, audit.Filter{})
	s.Require().NoError(err)
	s.Require().Len(events, 1)

	s.True(events[0].MetadataEncrypted)
	s.True(crypto.IsEnvelope(events[0].Metadata))
	s.NotContains(events[0].Metadata, "diagnosis")

	plaintext, err := s.engine.DecryptString(events[0].Metadata, "audit")
	s.Require().NoError(err)
	s.Contains(plaintext, "diagnosis")
}

func (s *LedgerSuite) TestNonPHIMetadataStaysPlain() {
	ledger := s.newLedger()

	_, err := ledger.Record(s.ctx, audit.Entry{
		EventType: audit.EventConfigChange,
		ActorID:   "admin-1",
		ActorRole: "admin",
		Metadata:  map[string]any{"setting": "session_timeout"},
	})
	s.Require().NoError(err)

	events, err := ledger.Query(s.ctx, audit.Filter{})
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.False(events[0].MetadataEncrypted)

	var decoded map[string]any
	s.Require().NoError(json.Unmarshal([]byte(events[0].Metadata), &decoded))
	s.Equal("session_timeout", decoded["setting"])
}

func (s *LedgerSuite) TestStoreFailureFallsBackToFile() {
	dir := s.T().TempDir()
	s.store.FailAppend = errors.New("connection refused")
	ledger := s.newLedger(audit.WithFallback(audit.NewFileSink(dir)))

	_, err := ledger.Record(s.ctx, audit.Entry{
		EventType: audit.EventDeletePHI,
		ActorID:   "dr-wong",
		ActorRole: "doctor",
	})
	s.Require().ErrorIs(err, audit.ErrWriteFailed)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))

	name := filepath.Join(dir, "audit-"+s.now.Format(time.DateOnly)+".log")
	raw, readErr := os.ReadFile(name)
	s.Require().NoError(readErr)

	var captured audit.Event
	s.Require().NoError(json.Unmarshal(raw[:len(raw)-1], &captured))
	s.Equal(audit.EventDeletePHI, captured.EventType)
	s.Equal("dr-wong", captured.ActorID)
}

func (s *LedgerSuite) TestHighRiskEventDispatchesAlert() {
	dispatcher := audit.NewDispatcher(audit.LogNotifier{}, 8)
	ledger := s.newLedger(audit.WithDispatcher(dispatcher))

	// 90 base, super_admin ×0.8 = 72: below the alert threshold.
	_, err := ledger.Record(s.ctx, audit.Entry{
		EventType: audit.EventBackupRestore,
		ActorID:   "root-1",
		ActorRole: "super_admin",
	})
	s.Require().NoError(err)
	s.Equal(0, dispatcher.Pending())

	// 90 base +20 failure, ×0.9 = 99: alerts.
	_, err = ledger.Record(s.ctx, audit.Entry{
		EventType: audit.EventBackupRestore,
		ActorID:   "admin-1",
		ActorRole: "admin",
		Result:    audit.ResultFailure,
	})
	s.Require().NoError(err)
	s.Equal(1, dispatcher.Pending())
}

func (s *LedgerSuite) TestQueryFiltersAndOrders() {
	ledger := s.newLedger()

	// Nurse multiplier 1.1: LOGIN scores 11, ACCESS_PHI (30+15)*1.1 = 50,
	// DELETE_PHI (60+15)*1.1 = 83. Only the latter two clear the filter.
	entries := []audit.Entry{
		{EventType: audit.EventLogin, ActorID: "nurse-ito", ActorRole: "nurse"},
		{EventType: audit.EventAccessPHI, ActorID: "nurse-ito", ActorRole: "nurse", PHIAccessed: true},
		{EventType: audit.EventDeletePHI, ActorID: "nurse-ito", ActorRole: "nurse", PHIAccessed: true},
	}
	for i, entry := range entries {
		s.now = s.now.Add(time.Duration(i) * time.Minute)
		_, err := ledger.Record(s.ctx, entry)
		s.Require().NoError(err)
	}

	events, err := ledger.Query(s.ctx, audit.Filter{ActorID: "nurse-ito", MinRiskScore: 50})
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	// Newest first: the DELETE_PHI was recorded after the ACCESS_PHI.
	s.Equal(audit.EventDeletePHI, events[0].EventType)
	s.Equal(audit.EventAccessPHI, events[1].EventType)
}

func (s *LedgerSuite) TestQueryPaginationCaps() {
	ledger := s.newLedger()
	for i := 0; i < 120; i++ {
		s.now = s.now.Add(time.Second)
		_, err := ledger.Record(s.ctx, audit.Entry{
			EventType: audit.EventLogin, ActorID: "dr-wong", ActorRole: "doctor",
		})
		s.Require().NoError(err)
	}

	s.Run("default page size applies", func() {
		events, err := ledger.Query(s.ctx, audit.Filter{})
		s.Require().NoError(err)
		s.Len(events, audit.DefaultPageSize)
	})

	s.Run("offset pages through", func() {
		events, err := ledger.Query(s.ctx, audit.Filter{Offset: 100})
		s.Require().NoError(err)
		s.Len(events, 20)
	})

	s.Run("limit above cap is clamped", func() {
		events, err := ledger.Query(s.ctx, audit.Filter{Limit: 10_000})
		s.Require().NoError(err)
		s.Len(events, 120)
	})
}

func (s *LedgerSuite) TestArchiveMovesOldEvents() {
	ledger := s.newLedger()

	old := s.now
	s.now = old.AddDate(0, 0, -400)
	_, err := ledger.Record(s.ctx, audit.Entry{EventType: audit.EventLogin, ActorID: "a", ActorRole: "doctor"})
	s.Require().NoError(err)

	s.now = old
	_, err = ledger.Record(s.ctx, audit.Entry{EventType: audit.EventLogin, ActorID: "b", ActorRole: "doctor"})
	s.Require().NoError(err)

	moved, err := ledger.Archive(s.ctx, 365)
	s.Require().NoError(err)
	s.Equal(1, moved)

	s.Run("archived events excluded by default", func() {
		events, err := ledger.Query(s.ctx, audit.Filter{})
		s.Require().NoError(err)
		s.Len(events, 1)
	})

	s.Run("archived events included on request", func() {
		events, err := ledger.Query(s.ctx, audit.Filter{IncludeArchived: true})
		s.Require().NoError(err)
		s.Len(events, 2)
	})
}

func (s *LedgerSuite) TestPurgeHonorsRetention() {
	ledger := s.newLedger()

	s.Run("future cutoff is rejected", func() {
		_, err := ledger.Purge(s.ctx, s.now.Add(time.Hour))
		s.Require().ErrorIs(err, audit.ErrRetentionViolation)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	s.Run("expired archived events are deleted", func() {
		base := s.now
		s.now = base.AddDate(0, 0, -3000)
		_, err := ledger.Record(s.ctx, audit.Entry{EventType: audit.EventLogin, ActorID: "a", ActorRole: "doctor"})
		s.Require().NoError(err)
		s.now = base

		_, err = ledger.Archive(s.ctx, 365)
		s.Require().NoError(err)

		purged, err := ledger.PurgeExpired(s.ctx)
		s.Require().NoError(err)
		s.Equal(1, purged)
	})
}

func (s *LedgerSuite) TestReportAggregates() {
	ledger := s.newLedger()
	start := s.now.Add(-time.Hour)

	_, err := ledger.RecordPHIAccess(s.ctx, "dr-wong", "doctor", "p-1001", "view", []string{"diagnosis"})
	s.Require().NoError(err)
	_, err = ledger.RecordAuthentication(s.ctx, "dr-wong", "doctor", true, "")
	s.Require().NoError(err)
	_, err = ledger.Record(s.ctx, audit.Entry{
		EventType: audit.EventBackupRestore, ActorID: "admin-1", ActorRole: "admin",
		Result: audit.ResultFailure,
	})
	s.Require().NoError(err)
	// 80 base * admin 0.9 = 72: high-risk flagged, but below the alert bar.
	// It must still make the report's high-risk list.
	_, err = ledger.Record(s.ctx, audit.Entry{
		EventType: audit.EventConfigChange, ActorID: "admin-1", ActorRole: "admin",
	})
	s.Require().NoError(err)

	report, err := ledger.Report(s.ctx, start, s.now.Add(time.Hour))
	s.Require().NoError(err)

	s.Equal(4, report.TotalEvents)
	s.Equal(1, report.PHIAccessCount)
	s.Require().Len(report.HighRiskEvents, 2)
	s.Equal(audit.EventBackupRestore, report.HighRiskEvents[0].EventType)
	s.Equal(72, report.HighRiskEvents[1].RiskScore)
	s.Equal(s.now, report.GeneratedAt)

	s.Run("window validation", func() {
		_, err := ledger.Report(s.ctx, s.now, s.now.Add(-time.Hour))
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *LedgerSuite) TestHelperRecorders() {
	ledger := s.newLedger()

	s.Run("failed authentication becomes authorization failure", func() {
		_, err := ledger.RecordAuthentication(s.ctx, "dr-wong", "doctor", false, "bad password")
		s.Require().NoError(err)

		events, err := ledger.Query(s.ctx, audit.Filter{EventType: audit.EventAuthFailure})
		s.Require().NoError(err)
		s.Require().Len(events, 1)
		s.Equal(audit.ResultFailure, events[0].Result)
		s.Equal("bad password", events[0].ErrorMessage)
	})

	s.Run("data modification sanitizes changes", func() {
		_, err := ledger.RecordDataModification(s.ctx, "dr-wong", "doctor", "patient", "p-1001", "update",
			map[string]any{"ssn": "123-45-6789", "phone": "555-0100"})
		s.Require().NoError(err)

		events, err := ledger.Query(s.ctx, audit.Filter{EventType: audit.EventModifyPHI})
		s.Require().NoError(err)
		s.Require().Len(events, 1)

		plaintext, err := s.engine.DecryptString(events[0].Metadata, "audit")
		s.Require().NoError(err)
		s.NotContains(plaintext, "123-45-6789")
		s.Contains(plaintext, "[REDACTED]")
		s.Contains(plaintext, "555-0100")
		s.Contains(plaintext, "restricted")
	})
}

func TestSanitizeChanges(t *testing.T) {
	changes := map[string]any{
		"name": "Ada",
		"ssn":  "123-45-6789",
		"insurance": map[string]any{
			"provider":     "Acme",
			"bank_account": "000111",
		},
	}
	out := audit.SanitizeChanges(changes)

	if out["ssn"] != "[REDACTED]" {
		t.Fatalf("ssn not redacted: %v", out["ssn"])
	}
	nested := out["insurance"].(map[string]any)
	if nested["bank_account"] != "[REDACTED]" {
		t.Fatalf("nested bank_account not redacted: %v", nested["bank_account"])
	}
	if nested["provider"] != "Acme" || out["name"] != "Ada" {
		t.Fatalf("non-restricted fields altered: %v", out)
	}
	// Input untouched.
	if changes["ssn"] != "123-45-6789" {
		t.Fatalf("input mutated")
	}
}
