// Package memory provides an in-memory audit store for tests and local
// development. It mirrors the postgres store's semantics: append-only
// primary, separate archive, newest-first queries.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"medvault/internal/audit"
)

type Store struct {
	mu       sync.RWMutex
	events   []audit.Event
	archived []audit.Event

	// FailAppend makes Append fail, for exercising the fallback path.
	FailAppend error
}

func New() *Store {
	return &Store{}
}

func (s *Store) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAppend != nil {
		return s.FailAppend
	}
	s.events = append(s.events, event)
	return nil
}

func (s *Store) Query(_ context.Context, filter audit.Filter) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []audit.Event
	for _, e := range s.events {
		if matches(e, filter) {
			matched = append(matched, e)
		}
	}
	if filter.IncludeArchived {
		for _, e := range s.archived {
			if matches(e, filter) {
				matched = append(matched, e)
			}
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	out := make([]audit.Event, len(matched))
	copy(out, matched)
	return out, nil
}

func matches(e audit.Event, f audit.Filter) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.MinRiskScore > 0 && e.RiskScore < f.MinRiskScore {
		return false
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Timestamp.After(f.End) {
		return false
	}
	return true
}

func (s *Store) Archive(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []audit.Event
	moved := 0
	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			s.archived = append(s.archived, e)
			moved++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return moved, nil
}

func (s *Store) Purge(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []audit.Event
	purged := 0
	for _, e := range s.archived {
		if !e.RetentionDate.After(before) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.archived = kept
	return purged, nil
}

func (s *Store) Report(_ context.Context, start, end time.Time) (*audit.ComplianceReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := &audit.ComplianceReport{Start: start, End: end}

	type typeAgg struct {
		count, failures, phi int
		riskSum              int
		actors               map[string]struct{}
	}
	byType := make(map[audit.EventType]*typeAgg)
	byActor := make(map[string]*audit.ActorActivity)

	for _, e := range s.events {
		if e.Timestamp.Before(start) || e.Timestamp.After(end) {
			continue
		}
		report.TotalEvents++
		if e.PHIAccessed {
			report.PHIAccessCount++
		}
		if e.ComplianceFlags.HighRisk {
			report.HighRiskEvents = append(report.HighRiskEvents, e)
		}

		agg, ok := byType[e.EventType]
		if !ok {
			agg = &typeAgg{actors: make(map[string]struct{})}
			byType[e.EventType] = agg
		}
		agg.count++
		agg.riskSum += e.RiskScore
		agg.actors[e.ActorID] = struct{}{}
		if e.Result == audit.ResultFailure {
			agg.failures++
		}
		if e.PHIAccessed {
			agg.phi++
		}

		act, ok := byActor[e.ActorID]
		if !ok {
			act = &audit.ActorActivity{ActorID: e.ActorID}
			byActor[e.ActorID] = act
		}
		act.Events++
		if e.ComplianceFlags.HighRisk {
			act.HighRisk++
		}
		if e.PHIAccessed {
			act.PHIAccess++
		}
	}

	for et, agg := range byType {
		report.EventTypes = append(report.EventTypes, audit.EventTypeSummary{
			EventType:    et,
			Count:        agg.count,
			UniqueActors: len(agg.actors),
			AvgRiskScore: float64(agg.riskSum) / float64(agg.count),
			Failures:     agg.failures,
			PHIAccess:    agg.phi,
		})
	}
	sort.Slice(report.EventTypes, func(i, j int) bool {
		return report.EventTypes[i].Count > report.EventTypes[j].Count
	})

	for _, act := range byActor {
		report.ActorActivity = append(report.ActorActivity, *act)
	}
	sort.Slice(report.ActorActivity, func(i, j int) bool {
		return report.ActorActivity[i].Events > report.ActorActivity[j].Events
	})

	sort.Slice(report.HighRiskEvents, func(i, j int) bool {
		return report.HighRiskEvents[i].RiskScore > report.HighRiskEvents[j].RiskScore
	})

	return report, nil
}
