package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	catalogmemory "github.com/shelfwatch/harvester/internal/catalog/memory"
	"github.com/shelfwatch/harvester/internal/fetch"
	"github.com/shelfwatch/harvester/internal/harvester"
	historymemory "github.com/shelfwatch/harvester/internal/history/memory"
	ingestmemory "github.com/shelfwatch/harvester/internal/ingest/memory"
	"github.com/shelfwatch/harvester/internal/schedule"
)

// jsonSite parses the listing envelope used by the test server.
type jsonSite struct{}

func (jsonSite) SearchURL(base, keyword string, page int) string {
	return fmt.Sprintf("%s/search?q=%s&page=%d", base, keyword, page)
}

func (jsonSite) CategoryURL(base, slug string, page int) string {
	return fmt.Sprintf("%s/c/%s?page=%d", base, slug, page)
}

func (jsonSite) Parse(body []byte) (Listing, error) {
	var payload struct {
		Items   []harvester.Record `json:"items"`
		HasMore bool               `json:"has_more"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Listing{}, err
	}
	return Listing{Records: payload.Items, HasMore: payload.HasMore}, nil
}

type progressCapture struct {
	mu      sync.Mutex
	updates []harvester.ProgressUpdate
}

func (p *progressCapture) fn(update harvester.ProgressUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
}

func (p *progressCapture) all() []harvester.ProgressUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]harvester.ProgressUpdate(nil), p.updates...)
}

func listingBody(t *testing.T, hasMore bool, ids ...string) string {
	t.Helper()
	items := make([]harvester.Record, 0, len(ids))
	for _, id := range ids {
		items = append(items, harvester.Record{ExternalID: id, Title: "item " + id})
	}
	raw, err := json.Marshal(map[string]any{"items": items, "has_more": hasMore})
	require.NoError(t, err)
	return string(raw)
}

type fixture struct {
	deps    Deps
	ingest  *ingestmemory.Ingestor
	catalog *catalogmemory.Catalog
	history *historymemory.RunStore
}

func newFixture() *fixture {
	history := historymemory.NewRunStore()
	ingest := ingestmemory.New()
	catalog := catalogmemory.NewCatalog()
	return &fixture{
		deps: Deps{
			Ingest:    ingest,
			Catalog:   catalog,
			Scheduler: schedule.New(history, nil, time.Minute, nil),
			Fetch: fetch.Config{
				MaxConcurrent:       4,
				RequestsPerInterval: 1000,
				Interval:            time.Second,
				Timeout:             5 * time.Second,
			},
		},
		ingest:  ingest,
		catalog: catalog,
		history: history,
	}
}

func (f *fixture) runner(t *testing.T, baseURL string, progress harvester.ProgressFunc) harvester.Adapter {
	t.Helper()
	source := harvester.Source{
		ID:      "src-1",
		Type:    harvester.SourceTypeMarketplace,
		Name:    "Test Source",
		BaseURL: baseURL,
	}
	adapter, err := NewFactory(jsonSite{}, f.deps)(source, progress)
	require.NoError(t, err)
	return adapter
}

func TestCrawlPaginatesUntilLastPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, listingBody(t, true, "p-1", "p-2"))
		default:
			fmt.Fprint(w, listingBody(t, false, "p-3"))
		}
	}))
	defer srv.Close()

	f := newFixture()
	adapter := f.runner(t, srv.URL, nil)

	records, err := adapter.Crawl(context.Background(), harvester.CrawlRequest{Keyword: "iphone", MaxPages: 5})
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "p-1", records[0].ExternalID)
	// Crawl only collects; nothing reaches the sink.
	require.Equal(t, 0, f.ingest.Len())
}

func TestMassCrawlIngestsAndRecordsTargets(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path == "/c/electronics" {
			fmt.Fprint(w, listingBody(t, false, "cat-item"))
			return
		}
		fmt.Fprint(w, listingBody(t, false, "kw-item"))
	}))
	defer srv.Close()

	f := newFixture()
	f.catalog.SeedCategories("src-1", []harvester.CrawlTarget{{
		Kind:       harvester.TargetCategory,
		SourceID:   "src-1",
		Slug:       "electronics",
		ExternalID: "cat-1",
	}})
	f.catalog.SeedKeywords(harvester.SourceTypeMarketplace, []string{"iphone"})

	progress := &progressCapture{}
	adapter := f.runner(t, srv.URL, progress.fn)
	ctx := context.Background()

	require.NoError(t, adapter.MassCrawl(ctx, harvester.MassCrawlOptions{FreshnessHours: 24, MaxPages: 2}))
	require.Equal(t, 2, f.ingest.Len())
	require.EqualValues(t, 2, requests.Load())

	var newItems int64
	for _, u := range progress.all() {
		newItems += u.Counters.NewItems
	}
	require.EqualValues(t, 2, newItems)

	runs, err := f.history.RecentCompleted(ctx, "src-1", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, runs, 2)
	targets := []string{runs[0].Target, runs[1].Target}
	require.ElementsMatch(t, []string{"cat-1", "iphone"}, targets)

	categories, err := f.catalog.Categories(ctx, "src-1")
	require.NoError(t, err)
	require.NotNil(t, categories[0].LastCrawledAt)

	// Every target is fresh now, so a second pass fetches nothing.
	require.NoError(t, adapter.MassCrawl(ctx, harvester.MassCrawlOptions{FreshnessHours: 24, MaxPages: 2}))
	require.EqualValues(t, 2, requests.Load())
}

func TestMassCrawlMovesOnAfterNoNewRecords(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		// The same record forever: page one inserts, everything after updates.
		fmt.Fprint(w, listingBody(t, true, "stale-item"))
	}))
	defer srv.Close()

	f := newFixture()
	f.catalog.SeedKeywords(harvester.SourceTypeMarketplace, []string{"iphone"})
	adapter := f.runner(t, srv.URL, nil)

	require.NoError(t, adapter.MassCrawl(context.Background(), harvester.MassCrawlOptions{MaxPages: 50}))
	require.EqualValues(t, 1+zeroNewStreakLimit, requests.Load())
	require.Equal(t, 1, f.ingest.Len())
}

func TestMassCrawlCountsTargetErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "bad" {
			fmt.Fprint(w, "<html>not the api</html>")
			return
		}
		fmt.Fprint(w, listingBody(t, false, "good-item"))
	}))
	defer srv.Close()

	f := newFixture()
	progress := &progressCapture{}
	adapter := f.runner(t, srv.URL, progress.fn)
	ctx := context.Background()

	require.NoError(t, adapter.MassCrawl(ctx, harvester.MassCrawlOptions{
		MaxPages: 1,
		Keywords: []string{"bad", "good"},
	}))

	// The failed target is counted, the healthy one still lands.
	require.Equal(t, 1, f.ingest.Len())
	var errCount int64
	for _, u := range progress.all() {
		errCount += u.Counters.Errors
	}
	require.EqualValues(t, 1, errCount)

	runs, err := f.history.RecentCompleted(ctx, "src-1", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "good", runs[0].Target)
}

func TestStopSkipsRemainingWork(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		fmt.Fprint(w, listingBody(t, false, "item"))
	}))
	defer srv.Close()

	f := newFixture()
	adapter := f.runner(t, srv.URL, nil)
	adapter.Stop()

	require.NoError(t, adapter.MassCrawl(context.Background(), harvester.MassCrawlOptions{
		Keywords: []string{"iphone", "laptop"},
	}))
	require.EqualValues(t, 0, requests.Load())
	require.Equal(t, 0, f.ingest.Len())
}

func TestFactoryValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := NewFactory(jsonSite{}, Deps{})(harvester.Source{ID: "src-1"}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ingestor")
}
