package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shelfwatch/harvester/internal/harvester"
	"github.com/shelfwatch/harvester/internal/progress"
)

type fakeAdapter struct {
	progress  harvester.ProgressFunc
	run       func(ctx context.Context, p harvester.ProgressFunc) error
	stopCalls atomic.Int64
}

func (a *fakeAdapter) Crawl(context.Context, harvester.CrawlRequest) ([]harvester.Record, error) {
	return nil, nil
}

func (a *fakeAdapter) CrawlCategory(context.Context, string, int) ([]harvester.Record, error) {
	return nil, nil
}

func (a *fakeAdapter) MassCrawl(ctx context.Context, _ harvester.MassCrawlOptions) error {
	return a.run(ctx, a.progress)
}

func (a *fakeAdapter) Stop() { a.stopCalls.Add(1) }

type fakeRecorder struct {
	mu         sync.Mutex
	started    []harvester.CrawlRun
	completed  []recordedCompletion
	failStart  bool
	startDelay time.Duration
}

type recordedCompletion struct {
	runID   string
	status  harvester.RunStatus
	errText string
}

func (r *fakeRecorder) MarkStarted(_ context.Context, run harvester.CrawlRun) error {
	time.Sleep(r.startDelay)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failStart {
		return errors.New("history down")
	}
	r.started = append(r.started, run)
	return nil
}

func (r *fakeRecorder) startedRuns() []harvester.CrawlRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]harvester.CrawlRun(nil), r.started...)
}

func (r *fakeRecorder) MarkCompleted(_ context.Context, runID string, status harvester.RunStatus, errText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, recordedCompletion{runID: runID, status: status, errText: errText})
	return nil
}

func (r *fakeRecorder) completions() []recordedCompletion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedCompletion(nil), r.completed...)
}

type fakePublisher struct {
	mu   sync.Mutex
	runs []harvester.CrawlRun
}

func (p *fakePublisher) PublishRunCompleted(_ context.Context, run harvester.CrawlRun) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs = append(p.runs, run)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) published() []harvester.CrawlRun {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]harvester.CrawlRun(nil), p.runs...)
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) stages() []progress.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progress.Stage, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.Stage)
	}
	return out
}

type fixture struct {
	orch      *Orchestrator
	adapter   *fakeAdapter
	recorder  *fakeRecorder
	publisher *fakePublisher
	emitter   *captureEmitter
	sources   *SourceSet
}

func newFixture(t *testing.T, run func(ctx context.Context, p harvester.ProgressFunc) error) *fixture {
	t.Helper()
	adapter := &fakeAdapter{run: run}
	registry := NewRegistry()
	registry.Register(harvester.SourceTypeMarketplace, func(_ harvester.Source, p harvester.ProgressFunc) (harvester.Adapter, error) {
		adapter.progress = p
		return adapter, nil
	})
	recorder := &fakeRecorder{}
	publisher := &fakePublisher{}
	emitter := &captureEmitter{}
	sources := NewSourceSet()
	return &fixture{
		orch:      New(registry, sources, recorder, publisher, emitter, nil, nil),
		adapter:   adapter,
		recorder:  recorder,
		publisher: publisher,
		emitter:   emitter,
		sources:   sources,
	}
}

func marketSource(id string) harvester.Source {
	return harvester.Source{ID: id, Type: harvester.SourceTypeMarketplace, Name: id}
}

func waitIdle(t *testing.T, orch *Orchestrator, sourceID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !orch.IsRunning(sourceID)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStartRunsToCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(_ context.Context, p harvester.ProgressFunc) error {
		p(harvester.ProgressUpdate{
			Counters: harvester.RunCounters{TotalItems: 10, NewItems: 6, UpdatedItems: 4},
			Target:   "iphone",
		})
		return nil
	})

	runID, err := f.orch.Start(context.Background(), marketSource("src-1"), harvester.MassCrawlOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, runID)
	waitIdle(t, f.orch, "src-1")

	completions := f.recorder.completions()
	require.Len(t, completions, 1)
	require.Equal(t, runID, completions[0].runID)
	require.Equal(t, harvester.RunCompleted, completions[0].status)

	stats := f.orch.Stats()["src-1"]
	require.Equal(t, harvester.RunCompleted, stats.Status)
	require.Equal(t, int64(10), stats.Counters.TotalItems)
	require.NotNil(t, stats.EndedAt)

	published := f.publisher.published()
	require.Len(t, published, 1)
	require.Equal(t, int64(6), published[0].NewItems)

	require.Equal(t, []progress.Stage{
		progress.StageRunStart,
		progress.StageRunBatch,
		progress.StageRunDone,
	}, f.emitter.stages())
}

func TestStartConflictsWhileRunning(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, _ harvester.ProgressFunc) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	defer close(release)

	_, err := f.orch.Start(context.Background(), marketSource("src-1"), harvester.MassCrawlOptions{})
	require.NoError(t, err)
	require.True(t, f.orch.IsRunning("src-1"))

	_, err = f.orch.Start(context.Background(), marketSource("src-1"), harvester.MassCrawlOptions{})
	require.ErrorIs(t, err, ErrAlreadyRunning)

	// A different source is unaffected by the conflict.
	_, err = f.orch.Start(context.Background(), marketSource("src-2"), harvester.MassCrawlOptions{})
	require.NoError(t, err)
}

// TestConcurrentStartsCreateOneRun races two Starts for the same source. The
// recorder is slowed down so both calls overlap inside Start; exactly one run
// record may be created and it must reach a terminal status.
func TestConcurrentStartsCreateOneRun(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, _ harvester.ProgressFunc) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	f.recorder.startDelay = 50 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 2)
	gate := make(chan struct{})
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-gate
			_, errs[i] = f.orch.Start(context.Background(), marketSource("src-1"), harvester.MassCrawlOptions{})
		}(i)
	}
	close(gate)
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		require.ErrorIs(t, err, ErrAlreadyRunning)
	}
	require.Equal(t, 1, winners)
	require.Len(t, f.recorder.startedRuns(), 1)

	close(release)
	waitIdle(t, f.orch, "src-1")

	// The started run is finalized; no run row is left running forever.
	completions := f.recorder.completions()
	require.Len(t, completions, 1)
	require.Equal(t, f.recorder.startedRuns()[0].ID, completions[0].runID)
}

func TestStartUnknownSourceType(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(context.Context, harvester.ProgressFunc) error { return nil })
	_, err := f.orch.Start(context.Background(), harvester.Source{
		ID: "src-x", Type: harvester.SourceType("auction"),
	}, harvester.MassCrawlOptions{})
	require.ErrorIs(t, err, ErrUnknownSource)
	require.False(t, f.orch.IsRunning("src-x"))
}

func TestStopFinalizesAsStopped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(ctx context.Context, p harvester.ProgressFunc) error {
		p(harvester.ProgressUpdate{Counters: harvester.RunCounters{TotalItems: 3, Errors: 1}})
		<-ctx.Done()
		return ctx.Err()
	})

	runID, err := f.orch.Start(context.Background(), marketSource("src-1"), harvester.MassCrawlOptions{})
	require.NoError(t, err)

	require.True(t, f.orch.Stop("src-1"))
	waitIdle(t, f.orch, "src-1")

	require.EqualValues(t, 1, f.adapter.stopCalls.Load())
	completions := f.recorder.completions()
	require.Len(t, completions, 1)
	require.Equal(t, runID, completions[0].runID)
	// Stop wins over partial even though item errors were recorded.
	require.Equal(t, harvester.RunStopped, completions[0].status)
}

func TestStopIdleSourceIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(context.Context, harvester.ProgressFunc) error { return nil })
	require.False(t, f.orch.Stop("never-started"))
}

func TestAdapterErrorFinalizesAsFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(context.Context, harvester.ProgressFunc) error {
		return errors.New("listing page layout changed")
	})

	_, err := f.orch.Start(context.Background(), marketSource("src-1"), harvester.MassCrawlOptions{})
	require.NoError(t, err)
	waitIdle(t, f.orch, "src-1")

	completions := f.recorder.completions()
	require.Len(t, completions, 1)
	require.Equal(t, harvester.RunFailed, completions[0].status)
	require.Equal(t, "listing page layout changed", completions[0].errText)
	require.Contains(t, f.emitter.stages(), progress.StageRunError)
}

func TestItemErrorsFinalizeAsPartial(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(_ context.Context, p harvester.ProgressFunc) error {
		p(harvester.ProgressUpdate{Counters: harvester.RunCounters{TotalItems: 9, Errors: 2}})
		return nil
	})

	_, err := f.orch.Start(context.Background(), marketSource("src-1"), harvester.MassCrawlOptions{})
	require.NoError(t, err)
	waitIdle(t, f.orch, "src-1")

	completions := f.recorder.completions()
	require.Len(t, completions, 1)
	require.Equal(t, harvester.RunPartial, completions[0].status)
}

func TestAdapterPanicFinalizesAsFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(context.Context, harvester.ProgressFunc) error {
		panic("nil dereference in parser")
	})

	_, err := f.orch.Start(context.Background(), marketSource("src-1"), harvester.MassCrawlOptions{})
	require.NoError(t, err)
	waitIdle(t, f.orch, "src-1")

	completions := f.recorder.completions()
	require.Len(t, completions, 1)
	require.Equal(t, harvester.RunFailed, completions[0].status)
	require.Contains(t, completions[0].errText, "panic")
}

// TestFinalizeStampsLastCrawledAt verifies a finished run updates the
// source's LastCrawledAt while a failed run leaves it untouched.
func TestFinalizeStampsLastCrawledAt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(context.Context, harvester.ProgressFunc) error { return nil })
	f.sources.Add(marketSource("src-1"))

	_, err := f.orch.Start(context.Background(), marketSource("src-1"), harvester.MassCrawlOptions{})
	require.NoError(t, err)
	waitIdle(t, f.orch, "src-1")

	src, ok := f.sources.Get("src-1")
	require.True(t, ok)
	require.NotNil(t, src.LastCrawledAt)

	broken := newFixture(t, func(context.Context, harvester.ProgressFunc) error {
		return errors.New("site unreachable")
	})
	broken.sources.Add(marketSource("src-2"))

	_, err = broken.orch.Start(context.Background(), marketSource("src-2"), harvester.MassCrawlOptions{})
	require.NoError(t, err)
	waitIdle(t, broken.orch, "src-2")

	src, ok = broken.sources.Get("src-2")
	require.True(t, ok)
	require.Nil(t, src.LastCrawledAt)
}

func TestStartAbortsWhenRecorderFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(context.Context, harvester.ProgressFunc) error { return nil })
	f.recorder.failStart = true

	_, err := f.orch.Start(context.Background(), marketSource("src-1"), harvester.MassCrawlOptions{})
	require.Error(t, err)
	require.False(t, f.orch.IsRunning("src-1"))
	require.Empty(t, f.emitter.stages())
}

func TestShutdownStopsEverything(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(ctx context.Context, _ harvester.ProgressFunc) error {
		<-ctx.Done()
		return ctx.Err()
	})

	_, err := f.orch.Start(context.Background(), marketSource("src-1"), harvester.MassCrawlOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(ctx))

	completions := f.recorder.completions()
	require.Len(t, completions, 1)
	require.Equal(t, harvester.RunStopped, completions[0].status)

	_, err = f.orch.Start(context.Background(), marketSource("src-2"), harvester.MassCrawlOptions{})
	require.ErrorIs(t, err, ErrShuttingDown)
}
