// Package orchestrator starts, tracks, and stops per-source crawl runs as
// background goroutines. It owns the single finalization path: exactly one
// terminal status write, one completion event, and one publisher notification
// per run, regardless of how the run ended.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shelfwatch/harvester/internal/harvester"
	"github.com/shelfwatch/harvester/internal/progress"
)

// ErrAlreadyRunning signals that the source already has a live run.
var ErrAlreadyRunning = errors.New("source crawl already running")

// ErrShuttingDown rejects starts that race with shutdown.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// RunRecorder persists run lifecycle writes. The freshness scheduler
// implements it so its cache is invalidated on every write.
type RunRecorder interface {
	MarkStarted(ctx context.Context, run harvester.CrawlRun) error
	MarkCompleted(ctx context.Context, runID string, status harvester.RunStatus, errText string) error
}

// Orchestrator supervises at most one crawl run per source.
type Orchestrator struct {
	registry  *Registry
	sources   *SourceSet
	recorder  RunRecorder
	publisher harvester.Publisher
	emitter   progress.Emitter
	clock     harvester.Clock
	logger    *zap.Logger

	mu       sync.Mutex
	stats    map[string]harvester.SourceStats
	active   map[string]*activeRun
	shutdown bool
	wg       sync.WaitGroup
}

type activeRun struct {
	runID     string
	source    harvester.Source
	adapter   harvester.Adapter
	cancel    context.CancelFunc
	startedAt time.Time
	stopped   bool
}

// New builds an Orchestrator. sources, publisher, emitter, clock, and logger
// may be nil.
func New(
	registry *Registry,
	sources *SourceSet,
	recorder RunRecorder,
	publisher harvester.Publisher,
	emitter progress.Emitter,
	clock harvester.Clock,
	logger *zap.Logger,
) *Orchestrator {
	if clock == nil {
		clock = harvester.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry:  registry,
		sources:   sources,
		recorder:  recorder,
		publisher: publisher,
		emitter:   emitter,
		clock:     clock,
		logger:    logger,
		stats:     make(map[string]harvester.SourceStats),
		active:    make(map[string]*activeRun),
	}
}

// Start launches a background crawl for the source. It returns the run ID,
// ErrAlreadyRunning if the source has a live run, or ErrUnknownSource when no
// adapter factory matches. The run outlives ctx: it is canceled by Stop or
// Shutdown, not by the caller's request context.
func (o *Orchestrator) Start(ctx context.Context, source harvester.Source, opts harvester.MassCrawlOptions) (string, error) {
	runID := uuid.NewString()
	now := o.clock.Now()

	adapter, err := o.registry.New(source, o.progressFunc(runID, source.ID))
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	entry := &activeRun{
		runID:     runID,
		source:    source,
		adapter:   adapter,
		cancel:    cancel,
		startedAt: now,
	}

	// Claim the source slot before writing the run record. A Start that
	// loses the claim bails out here, before any run row exists, so every
	// recorded run has exactly one owner driving it to a terminal status.
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		cancel()
		return "", ErrShuttingDown
	}
	if _, ok := o.active[source.ID]; ok {
		o.mu.Unlock()
		cancel()
		return "", fmt.Errorf("%w: %s", ErrAlreadyRunning, source.ID)
	}
	prevStats, hadStats := o.stats[source.ID]
	o.active[source.ID] = entry
	o.stats[source.ID] = harvester.SourceStats{
		SourceID:  source.ID,
		RunID:     runID,
		Status:    harvester.RunRunning,
		StartedAt: &entry.startedAt,
	}
	o.wg.Add(1)
	o.mu.Unlock()

	run := harvester.CrawlRun{
		ID:        runID,
		SourceID:  source.ID,
		Status:    harvester.RunRunning,
		StartedAt: now,
	}
	if err := o.recorder.MarkStarted(ctx, run); err != nil {
		o.mu.Lock()
		delete(o.active, source.ID)
		if hadStats {
			o.stats[source.ID] = prevStats
		} else {
			delete(o.stats, source.ID)
		}
		o.mu.Unlock()
		o.wg.Done()
		cancel()
		return "", fmt.Errorf("record run start: %w", err)
	}

	o.emit(progress.Event{
		RunID:    progress.RunIDBytes(runID),
		SourceID: source.ID,
		TS:       now,
		Stage:    progress.StageRunStart,
	})
	o.logger.Info("crawl run started",
		zap.String("source_id", source.ID),
		zap.String("run_id", runID),
	)

	go o.runLoop(runCtx, entry, opts)
	return runID, nil
}

// Stop requests a cooperative stop for the source's live run and returns
// immediately. It reports false when the source is idle; stopping an idle
// source is not an error.
func (o *Orchestrator) Stop(sourceID string) bool {
	o.mu.Lock()
	entry, ok := o.active[sourceID]
	if ok {
		entry.stopped = true
	}
	o.mu.Unlock()
	if !ok {
		return false
	}
	o.logger.Info("crawl run stop requested",
		zap.String("source_id", sourceID),
		zap.String("run_id", entry.runID),
	)
	entry.adapter.Stop()
	entry.cancel()
	return true
}

// IsRunning reports whether the source has a live run.
func (o *Orchestrator) IsRunning(sourceID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[sourceID]
	return ok
}

// Stats returns a snapshot of per-source crawl state. Entries persist after a
// run finishes so operators can see the last outcome.
func (o *Orchestrator) Stats() map[string]harvester.SourceStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]harvester.SourceStats, len(o.stats))
	for id, st := range o.stats {
		out[id] = st
	}
	return out
}

// Shutdown stops every live run and waits for their finalization, bounded by
// ctx. Further Start calls are rejected.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.shutdown = true
	entries := make([]*activeRun, 0, len(o.active))
	for _, entry := range o.active {
		entry.stopped = true
		entries = append(entries, entry)
	}
	o.mu.Unlock()

	for _, entry := range entries {
		entry.adapter.Stop()
		entry.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown wait: %w", ctx.Err())
	}
}

// progressFunc builds the run-scoped callback handed to the adapter. It
// accumulates counters into the source's stats and forwards the delta to the
// progress hub.
func (o *Orchestrator) progressFunc(runID, sourceID string) harvester.ProgressFunc {
	return func(update harvester.ProgressUpdate) {
		o.mu.Lock()
		st, ok := o.stats[sourceID]
		if ok && st.RunID == runID {
			st.Counters.Add(update.Counters)
			if update.CurrentAction != "" {
				st.CurrentAction = update.CurrentAction
			}
			o.stats[sourceID] = st
		}
		o.mu.Unlock()

		o.emit(progress.Event{
			RunID:    progress.RunIDBytes(runID),
			SourceID: sourceID,
			TS:       o.clock.Now(),
			Stage:    progress.StageRunBatch,
			Target:   update.Target,
			Total:    update.Counters.TotalItems,
			New:      update.Counters.NewItems,
			Updated:  update.Counters.UpdatedItems,
			Errors:   update.Counters.Errors,
		})
	}
}

func (o *Orchestrator) runLoop(ctx context.Context, entry *activeRun, opts harvester.MassCrawlOptions) {
	defer o.wg.Done()
	defer entry.cancel()

	var crawlErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("adapter panicked",
					zap.String("source_id", entry.source.ID),
					zap.String("run_id", entry.runID),
					zap.Any("panic", r),
				)
				crawlErr = fmt.Errorf("adapter panic: %v", r)
			}
		}()
		crawlErr = entry.adapter.MassCrawl(ctx, opts)
	}()

	o.finalize(entry, crawlErr)
}

// finalize is the only code path that writes a terminal status. Precedence:
// failed beats stopped beats partial beats completed.
func (o *Orchestrator) finalize(entry *activeRun, crawlErr error) {
	now := o.clock.Now()

	o.mu.Lock()
	stopped := entry.stopped
	delete(o.active, entry.source.ID)
	st := o.stats[entry.source.ID]
	counters := st.Counters
	o.mu.Unlock()

	status := harvester.RunCompleted
	errText := ""
	switch {
	case crawlErr != nil && !(stopped && errors.Is(crawlErr, context.Canceled)):
		status = harvester.RunFailed
		errText = crawlErr.Error()
	case stopped:
		status = harvester.RunStopped
	case counters.Errors > 0:
		status = harvester.RunPartial
	}

	o.mu.Lock()
	st = o.stats[entry.source.ID]
	st.Status = status
	st.EndedAt = &now
	st.CurrentAction = ""
	o.stats[entry.source.ID] = st
	o.mu.Unlock()

	if o.sources != nil && status != harvester.RunFailed {
		o.sources.markCrawled(entry.source.ID, now)
	}

	if err := o.recorder.MarkCompleted(context.Background(), entry.runID, status, errText); err != nil {
		o.logger.Error("record run completion failed",
			zap.String("run_id", entry.runID),
			zap.Error(err),
		)
	}

	o.emit(progress.Event{
		RunID:    progress.RunIDBytes(entry.runID),
		SourceID: entry.source.ID,
		TS:       now,
		Stage:    stageFor(status),
		Dur:      now.Sub(entry.startedAt),
		Note:     errText,
	})

	run := harvester.CrawlRun{
		ID:           entry.runID,
		SourceID:     entry.source.ID,
		Status:       status,
		TotalItems:   counters.TotalItems,
		NewItems:     counters.NewItems,
		UpdatedItems: counters.UpdatedItems,
		ErrorCount:   counters.Errors,
		ErrorText:    errText,
		StartedAt:    entry.startedAt,
		CompletedAt:  &now,
	}
	if o.publisher != nil {
		if err := o.publisher.PublishRunCompleted(context.Background(), run); err != nil {
			o.logger.Warn("publish run completion failed",
				zap.String("run_id", entry.runID),
				zap.Error(err),
			)
		}
	}

	o.logger.Info("crawl run finished",
		zap.String("source_id", entry.source.ID),
		zap.String("run_id", entry.runID),
		zap.String("status", string(status)),
		zap.Int64("total_items", counters.TotalItems),
		zap.Int64("errors", counters.Errors),
		zap.Duration("dur", now.Sub(entry.startedAt)),
	)
}

func stageFor(status harvester.RunStatus) progress.Stage {
	switch status {
	case harvester.RunFailed:
		return progress.StageRunError
	case harvester.RunStopped:
		return progress.StageRunStop
	default:
		return progress.StageRunDone
	}
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.emitter != nil {
		o.emitter.Emit(evt)
	}
}
