package harvester

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Adapter is the per-source crawl contract. Implementations live outside the
// orchestration core; they consume the fetch engine and/or browser pool and
// emit normalized Records to the ingestion sink. Run loops must honor ctx
// cancellation between units of work (cooperative stop: in-flight fetches
// are allowed to finish).
type Adapter interface {
	Crawl(ctx context.Context, req CrawlRequest) ([]Record, error)
	CrawlCategory(ctx context.Context, slug string, maxPages int) ([]Record, error)
	MassCrawl(ctx context.Context, opts MassCrawlOptions) error
	Stop()
}

// Ingestor is the batch-upsert sink for normalized records. Save must be
// idempotent under retries, dedupe within the batch by (sourceID,
// externalID), and report inserted/updated counts.
type Ingestor interface {
	Save(ctx context.Context, records []Record) (inserted, updated int, err error)
}

// Catalog supplies crawl target candidates. The core only writes back
// crawled-at timestamps.
type Catalog interface {
	Categories(ctx context.Context, sourceID string) ([]CrawlTarget, error)
	Keywords(ctx context.Context, sourceType SourceType) ([]string, error)
	MarkCrawled(ctx context.Context, target CrawlTarget, at time.Time) error
}

// RunHistory persists CrawlRun rows and serves the recent-completed query
// consumed by the freshness scheduler.
type RunHistory interface {
	CreateRun(ctx context.Context, run CrawlRun) error
	UpdateRunCounters(ctx context.Context, runID string, delta RunCounters) error
	CompleteRun(ctx context.Context, runID string, status RunStatus, errText string, completedAt time.Time) error
	RecentCompleted(ctx context.Context, sourceID string, since time.Time) ([]CrawlRun, error)
	GetRun(ctx context.Context, runID string) (CrawlRun, error)
	ListRuns(ctx context.Context, sourceID string, limit, offset int) ([]CrawlRun, error)
}

// Publisher notifies downstream consumers (entity resolution, search
// indexing) that a run reached a terminal state.
type Publisher interface {
	PublishRunCompleted(ctx context.Context, run CrawlRun) error
	Close() error
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock with time.Now.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
