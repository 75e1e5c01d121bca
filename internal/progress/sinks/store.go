package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/shelfwatch/harvester/internal/harvester"
	"github.com/shelfwatch/harvester/internal/progress"
)

// StoreSink persists RUN_BATCH counter deltas to run history so operators can
// poll live totals mid-run. Lifecycle events are ignored here: finalization
// is owned by the orchestrator, which writes terminal status exactly once.
type StoreSink struct {
	history harvester.RunHistory
	logger  *zap.Logger
}

// NewStoreSink constructs a StoreSink over the provided run history.
func NewStoreSink(history harvester.RunHistory, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{history: history, logger: logger}
}

// Consume collapses per-run counter deltas and forwards one increment per run
// to the history store. It respects ctx deadlines and returns store errors
// verbatim so the hub can log them.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.history == nil {
		return nil
	}
	deltas := make(map[string]*counterDelta)
	order := make([]string, 0, 4)

	for _, evt := range batch {
		if evt.Stage != progress.StageRunBatch {
			continue
		}
		runID := evt.RunUUID().String()
		delta := deltas[runID]
		if delta == nil {
			delta = &counterDelta{}
			deltas[runID] = delta
			order = append(order, runID)
		}
		delta.counters.TotalItems += evt.Total
		delta.counters.NewItems += evt.New
		delta.counters.UpdatedItems += evt.Updated
		delta.counters.Errors += evt.Errors
	}

	for _, runID := range order {
		delta := deltas[runID]
		if (delta.counters == harvester.RunCounters{}) {
			continue
		}
		if err := s.history.UpdateRunCounters(ctx, runID, delta.counters); err != nil {
			return fmt.Errorf("update run counters: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type counterDelta struct {
	counters harvester.RunCounters
}
