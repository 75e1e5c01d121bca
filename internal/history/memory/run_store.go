// Package memory provides an in-memory run history for tests and local
// development without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shelfwatch/harvester/internal/harvester"
)

// RunStore implements harvester.RunHistory with a mutex-guarded map.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]harvester.CrawlRun
}

// NewRunStore creates an empty in-memory run history.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]harvester.CrawlRun)}
}

// CreateRun stores a copy of the run.
func (s *RunStore) CreateRun(_ context.Context, run harvester.CrawlRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

// UpdateRunCounters applies an incremental counter delta.
func (s *RunStore) UpdateRunCounters(_ context.Context, runID string, delta harvester.RunCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return harvester.ErrNotFound
	}
	run.TotalItems += delta.TotalItems
	run.NewItems += delta.NewItems
	run.UpdatedItems += delta.UpdatedItems
	run.ErrorCount += delta.Errors
	s.runs[runID] = run
	return nil
}

// CompleteRun finalizes a run exactly once; repeated completion reports
// harvester.ErrNotFound, matching the Postgres store.
func (s *RunStore) CompleteRun(
	_ context.Context,
	runID string,
	status harvester.RunStatus,
	errText string,
	completedAt time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.CompletedAt != nil {
		return harvester.ErrNotFound
	}
	run.Status = status
	run.ErrorText = errText
	run.CompletedAt = &completedAt
	s.runs[runID] = run
	return nil
}

// RecentCompleted returns completed runs finished at or after since, newest
// first.
func (s *RunStore) RecentCompleted(_ context.Context, sourceID string, since time.Time) ([]harvester.CrawlRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvester.CrawlRun
	for _, run := range s.runs {
		if run.SourceID != sourceID || run.Status != harvester.RunCompleted {
			continue
		}
		if run.CompletedAt == nil || run.CompletedAt.Before(since) {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CompletedAt.After(*out[j].CompletedAt)
	})
	return out, nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (harvester.CrawlRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return harvester.CrawlRun{}, harvester.ErrNotFound
	}
	return run, nil
}

// ListRuns pages through runs, newest start time first. An empty sourceID
// lists all sources.
func (s *RunStore) ListRuns(_ context.Context, sourceID string, limit, offset int) ([]harvester.CrawlRun, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	s.mu.RLock()
	var all []harvester.CrawlRun
	for _, run := range s.runs {
		if sourceID != "" && run.SourceID != sourceID {
			continue
		}
		all = append(all, run)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].StartedAt.After(all[j].StartedAt)
	})
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}
