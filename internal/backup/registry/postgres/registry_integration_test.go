//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"medvault/internal/backup"
	"medvault/internal/backup/registry/postgres"
	"medvault/pkg/platform/sentinel"
	"medvault/pkg/testutil/containers"
)

type RegistrySuite struct {
	suite.Suite
	pg       *containers.PostgresContainer
	registry *postgres.Registry
}

func TestRegistrySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RegistrySuite))
}

func (s *RegistrySuite) SetupSuite() {
	s.pg = containers.GetManager().GetPostgres(s.T())
	s.registry = postgres.New(s.pg.DB)
	s.Require().NoError(s.registry.EnsureSchema(context.Background()))
}

func (s *RegistrySuite) SetupTest() {
	s.Require().NoError(s.pg.TruncateTables(context.Background(), "backup_snapshots"))
}

func newSnapshot(class backup.ScheduleClass, status backup.Status, createdAt time.Time) *backup.Snapshot {
	return &backup.Snapshot{
		ID:        uuid.New(),
		Type:      class.BackupType(),
		Schedule:  class,
		CreatedAt: createdAt,
		SizeBytes: 1024,
		TableManifest: []backup.TableCount{
			{Name: "patients", RowCount: 5},
			{Name: "appointments", RowCount: 3},
		},
		Checksum:        "abc123",
		Encrypted:       true,
		StorageLocation: "/var/backups/medvault/test.json.enc",
		Status:          status,
		Duration:        3 * time.Second,
	}
}

func (s *RegistrySuite) TestCreateGetRoundTrip() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	snapshot := newSnapshot(backup.ClassDaily, backup.StatusCompleted, now)
	s.Require().NoError(s.registry.Create(ctx, snapshot))

	got, err := s.registry.Get(ctx, snapshot.ID)
	s.Require().NoError(err)
	s.Equal(snapshot.ID, got.ID)
	s.Equal(backup.TypeIncremental, got.Type)
	s.True(got.CreatedAt.Equal(now))
	s.Equal(snapshot.TableManifest, got.TableManifest)
	s.Equal(3*time.Second, got.Duration)
}

func (s *RegistrySuite) TestGetMissingReturnsNotFound() {
	_, err := s.registry.Get(context.Background(), uuid.New())
	s.True(errors.Is(err, sentinel.ErrNotFound))
}

func (s *RegistrySuite) TestUpdateLifecycle() {
	ctx := context.Background()
	snapshot := newSnapshot(backup.ClassWeekly, backup.StatusInProgress, time.Now().UTC())
	s.Require().NoError(s.registry.Create(ctx, snapshot))

	snapshot.Status = backup.StatusCompleted
	snapshot.SizeBytes = 4096
	s.Require().NoError(s.registry.Update(ctx, snapshot))

	got, err := s.registry.Get(ctx, snapshot.ID)
	s.Require().NoError(err)
	s.Equal(backup.StatusCompleted, got.Status)
	s.Equal(int64(4096), got.SizeBytes)

	s.Run("updating a missing snapshot fails", func() {
		ghost := newSnapshot(backup.ClassWeekly, backup.StatusCompleted, time.Now().UTC())
		s.True(errors.Is(s.registry.Update(ctx, ghost), sentinel.ErrNotFound))
	})
}

func (s *RegistrySuite) TestListByClassNewestFirst() {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		snapshot := newSnapshot(backup.ClassDaily, backup.StatusCompleted, base.Add(time.Duration(i)*time.Minute))
		s.Require().NoError(s.registry.Create(ctx, snapshot))
		ids = append(ids, snapshot.ID)
	}
	s.Require().NoError(s.registry.Create(ctx,
		newSnapshot(backup.ClassDaily, backup.StatusFailed, base)))
	s.Require().NoError(s.registry.Create(ctx,
		newSnapshot(backup.ClassWeekly, backup.StatusCompleted, base)))

	listed, err := s.registry.ListByClass(ctx, backup.ClassDaily, backup.StatusCompleted)
	s.Require().NoError(err)
	s.Require().Len(listed, 3)
	s.Equal(ids[2], listed[0].ID)
	s.Equal(ids[0], listed[2].ID)
}

func (s *RegistrySuite) TestStatsAndLastCompleted() {
	ctx := context.Background()
	now := time.Now().UTC()

	s.Require().NoError(s.registry.Create(ctx, newSnapshot(backup.ClassDaily, backup.StatusCompleted, now.Add(-time.Hour))))
	s.Require().NoError(s.registry.Create(ctx, newSnapshot(backup.ClassDaily, backup.StatusFailed, now.Add(-2*time.Hour))))
	old := newSnapshot(backup.ClassDaily, backup.StatusCompleted, now.AddDate(0, 0, -60))
	s.Require().NoError(s.registry.Create(ctx, old))

	stats, err := s.registry.Stats(ctx, now.AddDate(0, 0, -30))
	s.Require().NoError(err)
	s.Equal(2, stats.Total)
	s.Equal(1, stats.Completed)
	s.Equal(1, stats.Failed)
	s.Equal(int64(1024), stats.TotalBytes)
	s.Equal(3*time.Second, stats.AvgDuration)

	last, err := s.registry.LastCompleted(ctx, backup.ClassDaily)
	s.Require().NoError(err)
	s.Require().NotNil(last)
	s.True(last.CreatedAt.After(old.CreatedAt))

	none, err := s.registry.LastCompleted(ctx, backup.ClassMonthly)
	s.Require().NoError(err)
	s.Nil(none)
}
