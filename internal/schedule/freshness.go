// Package schedule decides which crawl targets are due for re-crawl, keeping
// a continuously running process from repeating work inside the freshness
// window.
package schedule

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shelfwatch/harvester/internal/harvester"
)

const defaultCacheTTL = 60 * time.Second

// Scheduler filters crawl targets against recent completed run history. The
// underlying history query is cached per (sourceType, sourceID) with a short
// TTL; any run write invalidates the whole cache. If history is unavailable
// the scheduler fails open and returns every candidate: crawling too much is
// safer than crawling nothing.
type Scheduler struct {
	history harvester.RunHistory
	clock   harvester.Clock
	ttl     time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

type cacheKey struct {
	sourceType harvester.SourceType
	sourceID   string
}

type cacheEntry struct {
	targets   map[string]struct{}
	fetchedAt time.Time
	window    time.Duration
}

// New builds a Scheduler. ttl <= 0 selects the 60s default.
func New(history harvester.RunHistory, clock harvester.Clock, ttl time.Duration, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = harvester.SystemClock{}
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		history: history,
		clock:   clock,
		ttl:     ttl,
		logger:  logger,
		cache:   make(map[cacheKey]cacheEntry),
	}
}

// FilterUncrawled returns the subset of candidates with no completed run
// inside the freshness window. Targets that have never been crawled are
// always due.
func (s *Scheduler) FilterUncrawled(
	ctx context.Context,
	source harvester.Source,
	candidates []harvester.CrawlTarget,
	freshness time.Duration,
) []harvester.CrawlTarget {
	if len(candidates) == 0 {
		return nil
	}
	crawled, err := s.recentTargets(ctx, source, freshness)
	if err != nil {
		s.logger.Warn("run history unavailable, crawling full candidate list",
			zap.String("source_id", source.ID),
			zap.Error(err),
		)
		return candidates
	}

	due := make([]harvester.CrawlTarget, 0, len(candidates))
	for _, target := range candidates {
		if _, ok := crawled[TargetKey(target)]; !ok {
			due = append(due, target)
		}
	}
	return due
}

// MarkStarted records a pending run and invalidates the cache.
func (s *Scheduler) MarkStarted(ctx context.Context, run harvester.CrawlRun) error {
	s.invalidate()
	return s.history.CreateRun(ctx, run)
}

// MarkCompleted finalizes a run and invalidates the cache.
func (s *Scheduler) MarkCompleted(ctx context.Context, runID string, status harvester.RunStatus, errText string) error {
	s.invalidate()
	return s.history.CompleteRun(ctx, runID, status, errText, s.clock.Now())
}

// TargetKey normalizes a target into the identifier compared against run
// history: the external ID for categories when present (else the slug), and
// the lower-cased keyword otherwise.
func TargetKey(t harvester.CrawlTarget) string {
	switch t.Kind {
	case harvester.TargetCategory:
		if t.ExternalID != "" {
			return normalize(t.ExternalID)
		}
		return normalize(t.Slug)
	default:
		return normalize(t.Keyword)
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (s *Scheduler) recentTargets(
	ctx context.Context,
	source harvester.Source,
	freshness time.Duration,
) (map[string]struct{}, error) {
	key := cacheKey{sourceType: source.Type, sourceID: source.ID}
	now := s.clock.Now()

	s.mu.Lock()
	entry, ok := s.cache[key]
	s.mu.Unlock()
	if ok && entry.window == freshness && now.Sub(entry.fetchedAt) < s.ttl {
		return entry.targets, nil
	}

	runs, err := s.history.RecentCompleted(ctx, source.ID, now.Add(-freshness))
	if err != nil {
		return nil, err
	}
	targets := make(map[string]struct{}, len(runs))
	for _, run := range runs {
		if run.Target == "" {
			continue
		}
		targets[normalize(run.Target)] = struct{}{}
	}

	s.mu.Lock()
	s.cache[key] = cacheEntry{targets: targets, fetchedAt: now, window: freshness}
	s.mu.Unlock()
	return targets, nil
}

// invalidate drops every cached entry. The staleness window is small and
// bounded, so coarse invalidation is acceptable.
func (s *Scheduler) invalidate() {
	s.mu.Lock()
	s.cache = make(map[cacheKey]cacheEntry)
	s.mu.Unlock()
}
