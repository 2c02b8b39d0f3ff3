package backup_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"medvault/internal/audit"
	auditmem "medvault/internal/audit/store/memory"
	"medvault/internal/backup"
	"medvault/internal/backup/registry/memory"
	"medvault/internal/crypto"
	dErrors "medvault/pkg/domain-errors"
)

type SchedulerSuite struct {
	suite.Suite
	scheduler *backup.Scheduler
	registry  *memory.Registry
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

func (s *SchedulerSuite) SetupTest() {
	engine, err := crypto.New(testMaster)
	s.Require().NoError(err)
	ledger, err := audit.New(auditmem.New(), engine)
	s.Require().NoError(err)

	s.registry = memory.New()
	restorer := &fakeRestorer{rowCounts: map[string]int{"patients": 5, "appointments": 3}}
	orchestrator, err := backup.New(&fakeExporter{}, restorer, s.registry, engine, s.T().TempDir(),
		backup.WithAuditor(ledger))
	s.Require().NoError(err)

	s.scheduler = backup.NewScheduler(orchestrator, nil)
}

func (s *SchedulerSuite) TestScheduleBackupsIsIdempotent() {
	cfg := backup.ScheduleConfig{RestoreDrill: true}

	s.Require().NoError(s.scheduler.ScheduleBackups(cfg))
	s.Equal(4, s.scheduler.Entries())

	// Re-registration replaces, never accumulates.
	s.Require().NoError(s.scheduler.ScheduleBackups(cfg))
	s.Equal(4, s.scheduler.Entries())

	cfg.RestoreDrill = false
	s.Require().NoError(s.scheduler.ScheduleBackups(cfg))
	s.Equal(3, s.scheduler.Entries())
}

func (s *SchedulerSuite) TestScheduleBackupsRejectsBadSpec() {
	err := s.scheduler.ScheduleBackups(backup.ScheduleConfig{Daily: "not a cron spec"})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *SchedulerSuite) TestTriggerReturnsJobHandleImmediately() {
	job, err := s.scheduler.Trigger("manual")
	s.Require().NoError(err)
	s.Equal(backup.JobRunning, job.State)

	s.Require().Eventually(func() bool {
		current, err := s.scheduler.JobStatus(job.ID)
		return err == nil && current.State == backup.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	current, err := s.scheduler.JobStatus(job.ID)
	s.Require().NoError(err)
	snapshot, ok := current.Result.(*backup.Snapshot)
	s.Require().True(ok)
	s.Equal(backup.StatusCompleted, snapshot.Status)

	stored, err := s.registry.Get(context.Background(), snapshot.ID)
	s.Require().NoError(err)
	s.Equal(backup.StatusCompleted, stored.Status)
}

func (s *SchedulerSuite) TestTriggerDisasterTest() {
	job, err := s.scheduler.Trigger("disaster-test")
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		current, err := s.scheduler.JobStatus(job.ID)
		return err == nil && current.State == backup.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	current, err := s.scheduler.JobStatus(job.ID)
	s.Require().NoError(err)
	report, ok := current.Result.(*backup.FailoverReport)
	s.Require().True(ok)
	s.True(report.Passed)
}

func (s *SchedulerSuite) TestTriggerUnknownName() {
	_, err := s.scheduler.Trigger("hourly")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *SchedulerSuite) TestJobStatusUnknownID() {
	_, err := s.scheduler.JobStatus(uuid.New())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestScheduleClassBackupType(t *testing.T) {
	require.Equal(t, backup.TypeIncremental, backup.ClassDaily.BackupType())
	require.Equal(t, backup.TypeFull, backup.ClassWeekly.BackupType())
	require.Equal(t, backup.TypeFull, backup.ClassMonthly.BackupType())
	require.Equal(t, backup.TypeFull, backup.ClassManual.BackupType())
}
