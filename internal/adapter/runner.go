package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shelfwatch/harvester/internal/fetch"
	"github.com/shelfwatch/harvester/internal/harvester"
	"github.com/shelfwatch/harvester/internal/schedule"
)

const (
	defaultMaxPages  = 10
	defaultFreshness = 24 * time.Hour

	// zeroNewStreakLimit abandons a target after this many consecutive pages
	// that produced no newly inserted records.
	zeroNewStreakLimit = 3
)

// errStopTarget ends pagination for the current target without failing it.
var errStopTarget = errors.New("stop target")

// Runner implements harvester.Adapter around a Site. One Runner serves one
// run for one source; the orchestrator builds a fresh instance per start.
type Runner struct {
	source   harvester.Source
	site     Site
	engine   *fetch.Engine
	deps     Deps
	progress harvester.ProgressFunc
	clock    harvester.Clock
	logger   *zap.Logger
	stopped  atomic.Bool
}

// NewRunner builds a Runner. progress may be nil.
func NewRunner(source harvester.Source, site Site, engine *fetch.Engine, deps Deps, progress harvester.ProgressFunc) *Runner {
	clock := deps.Clock
	if clock == nil {
		clock = harvester.SystemClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		source:   source,
		site:     site,
		engine:   engine,
		deps:     deps,
		progress: progress,
		clock:    clock,
		logger:   logger.With(zap.String("source_id", source.ID)),
	}
}

// Stop requests a cooperative stop. The flag is polled between pages and
// targets; whatever fetch is in flight finishes first.
func (r *Runner) Stop() {
	r.stopped.Store(true)
}

// Crawl fetches listing pages for one keyword and returns the parsed records
// without ingesting them.
func (r *Runner) Crawl(ctx context.Context, req harvester.CrawlRequest) ([]harvester.Record, error) {
	return r.collect(ctx, req.MaxPages, func(page int) string {
		return r.site.SearchURL(r.source.BaseURL, req.Keyword, page)
	})
}

// CrawlCategory fetches listing pages for one category slug and returns the
// parsed records without ingesting them.
func (r *Runner) CrawlCategory(ctx context.Context, slug string, maxPages int) ([]harvester.Record, error) {
	return r.collect(ctx, maxPages, func(page int) string {
		return r.site.CategoryURL(r.source.BaseURL, slug, page)
	})
}

// MassCrawl walks every due target for the source: categories and keywords
// from the catalog (or the keyword override in opts), narrowed by the
// freshness scheduler. Each page batch is ingested as it lands; per-target
// failures are counted and reported, never fatal to the loop.
func (r *Runner) MassCrawl(ctx context.Context, opts harvester.MassCrawlOptions) error {
	freshness := defaultFreshness
	if opts.FreshnessHours > 0 {
		freshness = time.Duration(opts.FreshnessHours) * time.Hour
	}

	candidates, err := r.candidates(ctx, opts)
	if err != nil {
		return err
	}
	due := r.deps.Scheduler.FilterUncrawled(ctx, r.source, candidates, freshness)
	r.logger.Info("mass crawl starting",
		zap.Int("candidates", len(candidates)),
		zap.Int("due", len(due)),
	)

	for _, target := range due {
		if r.stopped.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		r.crawlTarget(ctx, target, opts.MaxPages)
	}
	return nil
}

func (r *Runner) candidates(ctx context.Context, opts harvester.MassCrawlOptions) ([]harvester.CrawlTarget, error) {
	categories, err := r.deps.Catalog.Categories(ctx, r.source.ID)
	if err != nil {
		return nil, fmt.Errorf("load categories: %w", err)
	}

	keywords := opts.Keywords
	if len(keywords) == 0 {
		keywords, err = r.deps.Catalog.Keywords(ctx, r.source.Type)
		if err != nil {
			return nil, fmt.Errorf("load keywords: %w", err)
		}
	}

	candidates := make([]harvester.CrawlTarget, 0, len(categories)+len(keywords))
	candidates = append(candidates, categories...)
	for _, kw := range keywords {
		candidates = append(candidates, harvester.CrawlTarget{
			Kind:     harvester.TargetKeyword,
			SourceID: r.source.ID,
			Keyword:  kw,
		})
	}
	return candidates, nil
}

// crawlTarget runs one target end to end: a per-target run record for the
// freshness scheduler, page-by-page ingestion, and catalog bookkeeping.
func (r *Runner) crawlTarget(ctx context.Context, target harvester.CrawlTarget, maxPages int) {
	label := targetLabel(target)
	runID := uuid.NewString()
	if err := r.deps.Scheduler.MarkStarted(ctx, harvester.CrawlRun{
		ID:        runID,
		SourceID:  r.source.ID,
		Target:    schedule.TargetKey(target),
		Status:    harvester.RunRunning,
		StartedAt: r.clock.Now(),
	}); err != nil {
		r.logger.Warn("record target run failed", zap.String("target", label), zap.Error(err))
	}

	crawlErr := r.ingestPages(ctx, target, label, maxPages)

	status := harvester.RunCompleted
	errText := ""
	switch {
	case crawlErr != nil:
		status = harvester.RunFailed
		errText = crawlErr.Error()
		r.logger.Warn("target crawl failed", zap.String("target", label), zap.Error(crawlErr))
		r.report(harvester.ProgressUpdate{
			Counters:      harvester.RunCounters{Errors: 1},
			Target:        label,
			CurrentAction: fmt.Sprintf("failed %s", label),
		})
	case r.stopped.Load() || ctx.Err() != nil:
		// A stopped target was not fully covered and stays due.
		status = harvester.RunStopped
	}

	if err := r.deps.Scheduler.MarkCompleted(ctx, runID, status, errText); err != nil {
		r.logger.Warn("finalize target run failed", zap.String("target", label), zap.Error(err))
	}
	if status != harvester.RunCompleted {
		return
	}
	if err := r.deps.Catalog.MarkCrawled(ctx, target, r.clock.Now()); err != nil {
		r.logger.Warn("mark target crawled failed", zap.String("target", label), zap.Error(err))
	}
}

func (r *Runner) ingestPages(ctx context.Context, target harvester.CrawlTarget, label string, maxPages int) error {
	urlFor := func(page int) string {
		if target.Kind == harvester.TargetCategory {
			return r.site.CategoryURL(r.source.BaseURL, target.Slug, page)
		}
		return r.site.SearchURL(r.source.BaseURL, target.Keyword, page)
	}

	zeroNew := 0
	return r.walkPages(ctx, maxPages, urlFor, func(records []harvester.Record) error {
		r.stamp(records)
		inserted, updated, err := r.deps.Ingest.Save(ctx, records)
		if err != nil {
			return fmt.Errorf("save batch: %w", err)
		}
		r.report(harvester.ProgressUpdate{
			Counters: harvester.RunCounters{
				TotalItems:   int64(len(records)),
				NewItems:     int64(inserted),
				UpdatedItems: int64(updated),
			},
			Target:        label,
			CurrentAction: fmt.Sprintf("crawling %s", label),
		})

		if inserted == 0 {
			zeroNew++
		} else {
			zeroNew = 0
		}
		if zeroNew >= zeroNewStreakLimit {
			r.logger.Debug("no new records, moving on",
				zap.String("target", label),
				zap.Int("pages", zeroNew),
			)
			return errStopTarget
		}
		return nil
	})
}

// collect paginates and accumulates records without side effects.
func (r *Runner) collect(ctx context.Context, maxPages int, urlFor func(int) string) ([]harvester.Record, error) {
	var out []harvester.Record
	err := r.walkPages(ctx, maxPages, urlFor, func(records []harvester.Record) error {
		out = append(out, records...)
		return nil
	})
	return out, err
}

// walkPages fetches and parses listing pages in order, handing each page's
// records to visit. It stops on the last page, the page cap, a stop request,
// or a visit error; errStopTarget from visit ends the walk cleanly.
func (r *Runner) walkPages(ctx context.Context, maxPages int, urlFor func(int) string, visit func([]harvester.Record) error) error {
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	for page := 1; page <= maxPages; page++ {
		if r.stopped.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		url := urlFor(page)
		body, err := r.fetchPage(ctx, url)
		if err != nil {
			return fmt.Errorf("fetch page %d: %w", page, err)
		}
		listing, err := r.site.Parse(body)
		if err != nil {
			return fmt.Errorf("parse page %d: %w", page, err)
		}

		if len(listing.Records) > 0 {
			if err := visit(listing.Records); err != nil {
				if errors.Is(err, errStopTarget) {
					return nil
				}
				return err
			}
		}
		if !listing.HasMore {
			return nil
		}
	}
	return nil
}

func (r *Runner) fetchPage(ctx context.Context, url string) ([]byte, error) {
	if rs, ok := r.site.(RenderedSite); ok && r.deps.Browsers != nil {
		return r.renderPage(ctx, rs, url)
	}
	return r.engine.Fetch(ctx, url, fetch.Options{Archive: true})
}

// renderPage borrows one browser handle for one page and releases it on every
// path.
func (r *Runner) renderPage(ctx context.Context, rs RenderedSite, url string) ([]byte, error) {
	handle, err := r.deps.Browsers.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer r.deps.Browsers.Release(handle)

	page, err := r.deps.Browsers.CreatePage(handle)
	if err != nil {
		return nil, err
	}
	defer page.Close()
	return rs.Render(ctx, page, url)
}

// stamp fills the fields every record must carry before ingestion.
func (r *Runner) stamp(records []harvester.Record) {
	now := r.clock.Now()
	for i := range records {
		if records[i].SourceID == "" {
			records[i].SourceID = r.source.ID
		}
		if records[i].SeenAt.IsZero() {
			records[i].SeenAt = now
		}
	}
}

func (r *Runner) report(update harvester.ProgressUpdate) {
	if r.progress != nil {
		r.progress(update)
	}
}

func targetLabel(t harvester.CrawlTarget) string {
	if t.Kind == harvester.TargetCategory {
		if t.Slug != "" {
			return t.Slug
		}
		return t.ExternalID
	}
	return t.Keyword
}
