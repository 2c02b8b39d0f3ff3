package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	dErrors "medvault/pkg/domain-errors"
)

// JobState tracks an asynchronous trigger through its lifetime.
type JobState string

const (
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job is the handle returned to a manual trigger. The work runs on its own
// goroutine; callers poll JobStatus for completion instead of blocking.
type Job struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
	State     JobState  `json:"state"`
	Error     string    `json:"error,omitempty"`
	// Result is a *Snapshot for backup jobs or a *FailoverReport for the
	// disaster drill, populated once the job completes.
	Result any `json:"result,omitempty"`
}

// ScheduleConfig carries the five-field cron expressions for each cadence.
// Empty fields fall back to the defaults; RestoreDrill enables the weekly
// failover drill.
type ScheduleConfig struct {
	Daily        string
	Weekly       string
	Monthly      string
	Drill        string
	RestoreDrill bool
}

const (
	defaultDailyCron   = "0 2 * * *"
	defaultWeeklyCron  = "0 3 * * 0"
	defaultMonthlyCron = "0 4 1 * *"
	defaultDrillCron   = "30 5 * * 0"
)

// Scheduler drives the orchestrator from cron cadences and serves manual
// triggers by name.
type Scheduler struct {
	orchestrator *Orchestrator
	cron         *cron.Cron
	logger       *slog.Logger

	mu      sync.Mutex
	entries []cron.EntryID
	jobs    map[uuid.UUID]*Job
}

func NewScheduler(orchestrator *Orchestrator, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		orchestrator: orchestrator,
		cron:         cron.New(),
		logger:       logger,
		jobs:         make(map[uuid.UUID]*Job),
	}
}

// ScheduleBackups registers the cron entries. Calling it again replaces
// the previous registrations, so reconfiguration never double-schedules.
func (s *Scheduler) ScheduleBackups(cfg ScheduleConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = s.entries[:0]

	specs := []struct {
		spec string
		def  string
		run  func()
	}{
		{cfg.Daily, defaultDailyCron, func() { s.runScheduled(ClassDaily) }},
		{cfg.Weekly, defaultWeeklyCron, func() { s.runScheduled(ClassWeekly) }},
		{cfg.Monthly, defaultMonthlyCron, func() { s.runScheduled(ClassMonthly) }},
	}
	if cfg.RestoreDrill {
		specs = append(specs, struct {
			spec string
			def  string
			run  func()
		}{cfg.Drill, defaultDrillCron, s.runDrill})
	}

	for _, entry := range specs {
		spec := entry.spec
		if spec == "" {
			spec = entry.def
		}
		id, err := s.cron.AddFunc(spec, entry.run)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("invalid cron spec %q", spec))
		}
		s.entries = append(s.entries, id)
	}
	return nil
}

// Start begins cron processing. Stop waits for running entries to return.
func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries reports how many cron entries are registered.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// runScheduled executes one scheduled backup and prunes that class
// afterwards. A re-entrant fire is skipped quietly: the in-flight run owns
// the cadence.
func (s *Scheduler) runScheduled(class ScheduleClass) {
	ctx := context.Background()
	_, err := s.orchestrator.PerformBackup(ctx, class)
	if err != nil {
		if errors.Is(err, ErrBackupInProgress) {
			if s.logger != nil {
				s.logger.Warn("scheduled backup skipped, previous run still in flight", "schedule", class)
			}
			return
		}
		if s.logger != nil {
			s.logger.Error("scheduled backup failed", "schedule", class, "error", err)
		}
		return
	}

	if _, err := s.orchestrator.CleanupOldBackups(ctx, class); err != nil && s.logger != nil {
		s.logger.Error("post-backup cleanup failed", "schedule", class, "error", err)
	}
}

func (s *Scheduler) runDrill() {
	report, err := s.orchestrator.TestFailover(context.Background())
	if err != nil {
		if s.logger != nil {
			s.logger.Error("scheduled failover drill errored", "error", err)
		}
		return
	}
	if !report.Passed && s.logger != nil {
		s.logger.Error("scheduled failover drill failed", "elapsed", report.Elapsed)
	}
}

// Trigger starts a named operation (daily, weekly, monthly, manual, or
// disaster-test) on its own goroutine and returns a job handle
// immediately.
func (s *Scheduler) Trigger(name string) (*Job, error) {
	var work func(ctx context.Context) (any, error)
	switch name {
	case "daily", "weekly", "monthly", "manual":
		class := ScheduleClass(name)
		work = func(ctx context.Context) (any, error) {
			return s.orchestrator.PerformBackup(ctx, class)
		}
	case "disaster-test":
		work = func(ctx context.Context) (any, error) {
			return s.orchestrator.TestFailover(ctx)
		}
	default:
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown trigger %q", name)
	}

	job := &Job{
		ID:        uuid.New(),
		Name:      name,
		StartedAt: time.Now(),
		State:     JobRunning,
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	copied := *job
	s.mu.Unlock()

	go func() {
		result, err := work(context.Background())
		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			job.State = JobFailed
			job.Error = err.Error()
		} else {
			job.State = JobCompleted
		}
		job.Result = result
	}()

	return &copied, nil
}

// JobStatus returns the current state of a triggered job.
func (s *Scheduler) JobStatus(id uuid.UUID) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "job %s not found", id)
	}
	copied := *job
	return &copied, nil
}
