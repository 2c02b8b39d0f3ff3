// Package memory provides an in-memory snapshot registry for tests and
// local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"medvault/internal/backup"
	"medvault/pkg/platform/sentinel"
)

type Registry struct {
	mu        sync.RWMutex
	snapshots map[uuid.UUID]backup.Snapshot
}

func New() *Registry {
	return &Registry{snapshots: make(map[uuid.UUID]backup.Snapshot)}
}

func (r *Registry) Create(_ context.Context, snapshot *backup.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.snapshots[snapshot.ID]; exists {
		return sentinel.ErrConflict
	}
	r.snapshots[snapshot.ID] = *snapshot
	return nil
}

func (r *Registry) Update(_ context.Context, snapshot *backup.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.snapshots[snapshot.ID]; !exists {
		return sentinel.ErrNotFound
	}
	r.snapshots[snapshot.ID] = *snapshot
	return nil
}

func (r *Registry) Get(_ context.Context, id uuid.UUID) (*backup.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot, ok := r.snapshots[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &snapshot, nil
}

func (r *Registry) ListByClass(_ context.Context, class backup.ScheduleClass, status backup.Status) ([]backup.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []backup.Snapshot
	for _, s := range r.snapshots {
		if s.Schedule == class && s.Status == status {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Registry) Recent(_ context.Context, limit int) ([]backup.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]backup.Snapshot, 0, len(r.snapshots))
	for _, s := range r.snapshots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Registry) Stats(_ context.Context, since time.Time) (*backup.Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &backup.Stats{}
	var totalDuration time.Duration
	for _, s := range r.snapshots {
		if s.CreatedAt.Before(since) {
			continue
		}
		stats.Total++
		switch s.Status {
		case backup.StatusCompleted:
			stats.Completed++
			stats.TotalBytes += s.SizeBytes
			totalDuration += s.Duration
		case backup.StatusFailed:
			stats.Failed++
		}
	}
	if stats.Completed > 0 {
		stats.AvgDuration = totalDuration / time.Duration(stats.Completed)
	}
	return stats, nil
}

func (r *Registry) LastCompleted(_ context.Context, class backup.ScheduleClass) (*backup.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var last *backup.Snapshot
	for _, s := range r.snapshots {
		if s.Schedule != class || s.Status != backup.StatusCompleted {
			continue
		}
		if last == nil || s.CreatedAt.After(last.CreatedAt) {
			copied := s
			last = &copied
		}
	}
	return last, nil
}
