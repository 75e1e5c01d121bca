// Package harvester defines core types shared across subsystems.
package harvester

import "time"

// SourceType identifies the family of marketplace a Source belongs to and
// selects the adapter implementation used to crawl it.
type SourceType string

// Known source types. New types are added here together with an adapter
// factory registration; the orchestrator itself never switches on them.
const (
	SourceTypeMarketplace SourceType = "marketplace"
	SourceTypeRetailer    SourceType = "retailer"
	SourceTypeClassifieds SourceType = "classifieds"
)

// Source describes one external e-commerce site. Sources come from
// configuration; only LastCrawledAt changes at runtime.
type Source struct {
	ID            string     `json:"id"`
	Type          SourceType `json:"type"`
	Name          string     `json:"name"`
	BaseURL       string     `json:"base_url"`
	RateLimit     RateLimit  `json:"rate_limit"`
	LastCrawledAt *time.Time `json:"last_crawled_at,omitempty"`
}

// RateLimit carries the per-source fetch caps enforced by the fetch engine.
type RateLimit struct {
	MaxConcurrent       int           `json:"max_concurrent"`
	RequestsPerInterval int           `json:"requests_per_interval"`
	Interval            time.Duration `json:"interval"`
}

// TargetKind distinguishes category targets from free-text keyword targets.
type TargetKind string

// Target kinds.
const (
	TargetCategory TargetKind = "category"
	TargetKeyword  TargetKind = "keyword"
)

// CrawlTarget is one unit of crawl work: a category (slug plus external ID)
// or a keyword. Targets are supplied by the catalog collaborator; the core
// treats their identifiers as opaque.
type CrawlTarget struct {
	Kind          TargetKind `json:"kind"`
	SourceID      string     `json:"source_id"`
	Slug          string     `json:"slug,omitempty"`
	ExternalID    string     `json:"external_id,omitempty"`
	Keyword       string     `json:"keyword,omitempty"`
	LastCrawledAt *time.Time `json:"last_crawled_at,omitempty"`
}

// RunStatus is the lifecycle state of a CrawlRun.
type RunStatus string

// Run statuses persisted in the run history.
const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// Terminal reports whether the status is a final one.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunPartial, RunFailed, RunStopped:
		return true
	default:
		return false
	}
}

// CrawlRun records one execution attempt for a source, optionally scoped to
// a single target. Counters are updated incrementally as batches land so a
// live UI can poll; the run is finalized exactly once.
type CrawlRun struct {
	ID           string     `json:"id"`
	SourceID     string     `json:"source_id"`
	Target       string     `json:"target,omitempty"`
	Status       RunStatus  `json:"status"`
	TotalItems   int64      `json:"total_items"`
	NewItems     int64      `json:"new_items"`
	UpdatedItems int64      `json:"updated_items"`
	ErrorCount   int64      `json:"error_count"`
	ErrorText    string     `json:"error_text,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// RunCounters is the incremental delta applied to a CrawlRun as batches save.
type RunCounters struct {
	TotalItems   int64 `json:"total_items"`
	NewItems     int64 `json:"new_items"`
	UpdatedItems int64 `json:"updated_items"`
	Errors       int64 `json:"errors"`
}

// Add accumulates another delta into c.
func (c *RunCounters) Add(d RunCounters) {
	c.TotalItems += d.TotalItems
	c.NewItems += d.NewItems
	c.UpdatedItems += d.UpdatedItems
	c.Errors += d.Errors
}

// SourceStats is the in-memory, orchestrator-owned view of what a source is
// doing right now. At most one entry per source may be running.
type SourceStats struct {
	SourceID      string      `json:"source_id"`
	RunID         string      `json:"run_id,omitempty"`
	Status        RunStatus   `json:"status"`
	Counters      RunCounters `json:"counters"`
	CurrentAction string      `json:"current_action,omitempty"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	EndedAt       *time.Time  `json:"ended_at,omitempty"`
}

// Record is one normalized product listing produced by an adapter and handed
// to the ingestion sink. Parsing raw markup into Records is site-specific
// adapter code outside the orchestration core.
type Record struct {
	SourceID   string            `json:"source_id"`
	ExternalID string            `json:"external_id"`
	Title      string            `json:"title"`
	URL        string            `json:"url"`
	PriceCents int64             `json:"price_cents"`
	Currency   string            `json:"currency"`
	Attributes map[string]string `json:"attributes,omitempty"`
	SeenAt     time.Time         `json:"seen_at"`
}

// Key identifies the record for idempotent upserts.
func (r Record) Key() RecordKey {
	return RecordKey{SourceID: r.SourceID, ExternalID: r.ExternalID}
}

// RecordKey is the dedupe key used by the ingestion sink.
type RecordKey struct {
	SourceID   string
	ExternalID string
}

// CrawlRequest parameterizes a single Adapter.Crawl call.
type CrawlRequest struct {
	Keyword  string
	MaxPages int
}

// MassCrawlOptions parameterizes a long-running Adapter.MassCrawl loop.
type MassCrawlOptions struct {
	FreshnessHours int
	MaxPages       int
	Keywords       []string
}

// ProgressUpdate is reported by adapters after each unit of work. It flows
// through the orchestrator's callback, never through shared state.
type ProgressUpdate struct {
	Counters      RunCounters
	Target        string
	CurrentAction string
}

// ProgressFunc receives adapter progress. Implementations must be cheap and
// non-blocking; adapters call it between units of work.
type ProgressFunc func(ProgressUpdate)
