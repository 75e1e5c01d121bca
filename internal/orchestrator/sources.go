package orchestrator

import (
	"sync"
	"time"

	"github.com/shelfwatch/harvester/internal/harvester"
)

// SourceSet is the runtime view of the configured sources. Static fields come
// from configuration at startup; LastCrawledAt is stamped by the orchestrator
// when a run finishes having done crawl work.
type SourceSet struct {
	mu   sync.RWMutex
	byID map[string]harvester.Source
}

// NewSourceSet builds a SourceSet seeded with the given sources.
func NewSourceSet(sources ...harvester.Source) *SourceSet {
	set := &SourceSet{byID: make(map[string]harvester.Source, len(sources))}
	for _, src := range sources {
		set.byID[src.ID] = src
	}
	return set
}

// Add registers or replaces a source.
func (s *SourceSet) Add(source harvester.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[source.ID] = source
}

// Get returns the source with the given ID.
func (s *SourceSet) Get(id string) (harvester.Source, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.byID[id]
	return src, ok
}

// All returns a snapshot of every source.
func (s *SourceSet) All() []harvester.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvester.Source, 0, len(s.byID))
	for _, src := range s.byID {
		out = append(out, src)
	}
	return out
}

func (s *SourceSet) markCrawled(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.byID[id]
	if !ok {
		return
	}
	stamp := at
	src.LastCrawledAt = &stamp
	s.byID[id] = src
}
