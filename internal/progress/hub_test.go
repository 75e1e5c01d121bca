package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func (c *captureSink) Consume(_ context.Context, batch []Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, append([]Event(nil), batch...))
	return nil
}

func (c *captureSink) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureSink) events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func (c *captureSink) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func runEvent(stage Stage) Event {
	return Event{
		RunID:    RunIDBytes(uuid.NewString()),
		SourceID: "src-1",
		TS:       time.Now().UTC(),
		Stage:    stage,
	}
}

// TestHubFlushesOnBatchSize fills a batch and expects one flush without
// waiting for the timer.
func TestHubFlushesOnBatchSize(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchEvents: 3, MaxBatchWait: time.Hour}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	for i := 0; i < 3; i++ {
		hub.Emit(runEvent(StageRunBatch))
	}
	require.Eventually(t, func() bool {
		return len(sink.events()) == 3
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, sink.batchCount())
}

// TestHubFlushesOnTimer expects a lone event to flush after MaxBatchWait.
func TestHubFlushesOnTimer(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchEvents: 100, MaxBatchWait: 10 * time.Millisecond}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(runEvent(StageRunStart))
	require.Eventually(t, func() bool {
		return len(sink.events()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubCloseDrainsPending asserts buffered events are flushed and sinks
// closed during shutdown.
func TestHubCloseDrainsPending(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchEvents: 100, MaxBatchWait: time.Hour}, sink)

	for i := 0; i < 5; i++ {
		hub.Emit(runEvent(StageRunBatch))
	}
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.events(), 5)

	sink.mu.Lock()
	closed := sink.closed
	sink.mu.Unlock()
	require.True(t, closed)
}

// TestHubDropsInvalidEvents verifies events that fail validation never reach
// the sinks.
func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 5 * time.Millisecond}, sink)

	hub.Emit(Event{Stage: StageRunStart}) // missing run id and timestamp
	hub.Emit(runEvent(StageRunDone))
	require.NoError(t, hub.Close(context.Background()))

	events := sink.events()
	require.Len(t, events, 1)
	require.Equal(t, StageRunDone, events[0].Stage)
}

// TestHubEmitAfterCloseIsNoop guards the shutdown race.
func TestHubEmitAfterCloseIsNoop(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(runEvent(StageRunStart))
	require.Empty(t, sink.events())
}
