// Package memory provides a configuration-seeded catalog of crawl targets.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shelfwatch/harvester/internal/harvester"
)

// Catalog implements harvester.Catalog over in-process maps. It is seeded
// from configuration at startup; only crawled-at timestamps change at
// runtime.
type Catalog struct {
	mu         sync.RWMutex
	categories map[string][]harvester.CrawlTarget
	keywords   map[harvester.SourceType][]string
}

// NewCatalog creates an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		categories: make(map[string][]harvester.CrawlTarget),
		keywords:   make(map[harvester.SourceType][]string),
	}
}

// SeedCategories replaces the category list for a source.
func (c *Catalog) SeedCategories(sourceID string, targets []harvester.CrawlTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.categories[sourceID] = append([]harvester.CrawlTarget(nil), targets...)
}

// SeedKeywords replaces the keyword list for a source type.
func (c *Catalog) SeedKeywords(sourceType harvester.SourceType, keywords []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keywords[sourceType] = append([]string(nil), keywords...)
}

// Categories returns the seeded category targets for a source.
func (c *Catalog) Categories(_ context.Context, sourceID string) ([]harvester.CrawlTarget, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]harvester.CrawlTarget(nil), c.categories[sourceID]...), nil
}

// Keywords returns the seeded keywords for a source type.
func (c *Catalog) Keywords(_ context.Context, sourceType harvester.SourceType) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.keywords[sourceType]...), nil
}

// MarkCrawled stamps the matching category target. Keyword targets carry no
// catalog state, so they are accepted and ignored.
func (c *Catalog) MarkCrawled(_ context.Context, target harvester.CrawlTarget, at time.Time) error {
	if target.Kind != harvester.TargetCategory {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	targets := c.categories[target.SourceID]
	for i := range targets {
		if targets[i].Slug == target.Slug && targets[i].ExternalID == target.ExternalID {
			stamp := at
			targets[i].LastCrawledAt = &stamp
			return nil
		}
	}
	return harvester.ErrNotFound
}
