// Package adapter provides the shared crawl loop that site integrations plug
// into. A Site contributes the per-site glue (URL construction and page
// parsing); the Runner contributes everything else: freshness filtering,
// pagination, batch ingestion, catalog bookkeeping, per-target run records,
// progress reporting and cooperative stop.
package adapter

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/shelfwatch/harvester/internal/browser"
	"github.com/shelfwatch/harvester/internal/fetch"
	"github.com/shelfwatch/harvester/internal/harvester"
)

// Listing is one parsed page of results.
type Listing struct {
	Records []harvester.Record
	HasMore bool
}

// Site is the per-site surface compiled into the binary. Implementations
// build listing URLs for their site and turn raw response bodies into
// normalized records.
type Site interface {
	SearchURL(baseURL, keyword string, page int) string
	CategoryURL(baseURL, slug string, page int) string
	Parse(body []byte) (Listing, error)
}

// RenderedSite marks a site whose listings need a JavaScript render before
// parsing. The runner borrows a browser from the shared pool for each page
// and returns the handle before ingesting.
type RenderedSite interface {
	Site
	Render(ctx context.Context, page *browser.Page, url string) ([]byte, error)
}

// Scheduler is the freshness surface the runner consumes: candidate
// filtering plus per-target run recording that keeps the scheduler's cache
// coherent.
type Scheduler interface {
	FilterUncrawled(ctx context.Context, source harvester.Source, candidates []harvester.CrawlTarget, freshness time.Duration) []harvester.CrawlTarget
	MarkStarted(ctx context.Context, run harvester.CrawlRun) error
	MarkCompleted(ctx context.Context, runID string, status harvester.RunStatus, errText string) error
}

// Deps bundles the shared infrastructure handed to every site runner.
type Deps struct {
	Ingest    harvester.Ingestor
	Catalog   harvester.Catalog
	Scheduler Scheduler
	// Browsers serves sites implementing RenderedSite; may be nil when no
	// such site is registered.
	Browsers *browser.Pool
	// Snapshots archives raw response bodies fetched through the engine.
	Snapshots fetch.Archiver
	// Fetch carries the engine defaults; each source's own rate caps are
	// overlaid on top.
	Fetch  fetch.Config
	Clock  harvester.Clock
	Logger *zap.Logger
}

func (d Deps) validate() error {
	if d.Ingest == nil {
		return errors.New("adapter deps: ingestor is required")
	}
	if d.Catalog == nil {
		return errors.New("adapter deps: catalog is required")
	}
	if d.Scheduler == nil {
		return errors.New("adapter deps: scheduler is required")
	}
	return nil
}

// NewFactory adapts a Site into an adapter factory suitable for the
// orchestrator registry. Every adapter instance gets its own fetch engine so
// the source's concurrency and rate caps apply per source.
func NewFactory(site Site, deps Deps) func(harvester.Source, harvester.ProgressFunc) (harvester.Adapter, error) {
	return func(source harvester.Source, progress harvester.ProgressFunc) (harvester.Adapter, error) {
		if site == nil {
			return nil, errors.New("adapter factory: site is nil")
		}
		if err := deps.validate(); err != nil {
			return nil, err
		}

		cfg := deps.Fetch
		cfg.SourceID = source.ID
		if rl := source.RateLimit; rl.MaxConcurrent > 0 {
			cfg.MaxConcurrent = rl.MaxConcurrent
		}
		if rl := source.RateLimit; rl.RequestsPerInterval > 0 && rl.Interval > 0 {
			cfg.RequestsPerInterval = rl.RequestsPerInterval
			cfg.Interval = rl.Interval
		}

		logger := deps.Logger
		if logger == nil {
			logger = zap.NewNop()
		}
		logger = logger.With(zap.String("source_id", source.ID))

		engine := fetch.New(cfg, nil, deps.Snapshots, logger)
		return NewRunner(source, site, engine, deps, progress), nil
	}
}
