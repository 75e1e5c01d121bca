package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shelfwatch/harvester/internal/harvester"
)

func seedRun(t *testing.T, store *RunStore, id, sourceID string, started time.Time) {
	t.Helper()
	require.NoError(t, store.CreateRun(context.Background(), harvester.CrawlRun{
		ID:        id,
		SourceID:  sourceID,
		Status:    harvester.RunRunning,
		StartedAt: started,
	}))
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	started := time.Now().UTC()
	seedRun(t, store, "run-1", "src-1", started)

	delta := harvester.RunCounters{TotalItems: 5, NewItems: 3, UpdatedItems: 2}
	require.NoError(t, store.UpdateRunCounters(context.Background(), "run-1", delta))
	require.NoError(t, store.UpdateRunCounters(context.Background(), "run-1", delta))

	done := started.Add(time.Minute)
	require.NoError(t, store.CompleteRun(context.Background(), "run-1", harvester.RunCompleted, "", done))

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, int64(10), run.TotalItems)
	require.Equal(t, int64(6), run.NewItems)
	require.Equal(t, harvester.RunCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)
}

func TestCompleteRunOnlyOnce(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	seedRun(t, store, "run-1", "src-1", time.Now().UTC())

	done := time.Now().UTC()
	require.NoError(t, store.CompleteRun(context.Background(), "run-1", harvester.RunFailed, "boom", done))

	err := store.CompleteRun(context.Background(), "run-1", harvester.RunCompleted, "", done)
	require.ErrorIs(t, err, harvester.ErrNotFound)

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, harvester.RunFailed, run.Status)
	require.Equal(t, "boom", run.ErrorText)
}

func TestUnknownRunErrors(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	require.ErrorIs(t,
		store.UpdateRunCounters(context.Background(), "nope", harvester.RunCounters{}),
		harvester.ErrNotFound)
	_, err := store.GetRun(context.Background(), "nope")
	require.ErrorIs(t, err, harvester.ErrNotFound)
}

func TestRecentCompletedFiltersWindowAndStatus(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	now := time.Now().UTC()
	ctx := context.Background()

	seedRun(t, store, "old", "src-1", now.Add(-48*time.Hour))
	require.NoError(t, store.CompleteRun(ctx, "old", harvester.RunCompleted, "", now.Add(-47*time.Hour)))

	seedRun(t, store, "fresh", "src-1", now.Add(-time.Hour))
	require.NoError(t, store.CompleteRun(ctx, "fresh", harvester.RunCompleted, "", now.Add(-30*time.Minute)))

	seedRun(t, store, "failed", "src-1", now.Add(-time.Hour))
	require.NoError(t, store.CompleteRun(ctx, "failed", harvester.RunFailed, "x", now.Add(-20*time.Minute)))

	runs, err := store.RecentCompleted(ctx, "src-1", now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "fresh", runs[0].ID)
}

func TestListRunsPaging(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		seedRun(t, store, string(rune('a'+i)), "src-1", now.Add(time.Duration(i)*time.Minute))
	}
	seedRun(t, store, "other", "src-2", now.Add(time.Hour))

	runs, err := store.ListRuns(context.Background(), "src-1", 2, 1)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "d", runs[0].ID)
	require.Equal(t, "c", runs[1].ID)

	all, err := store.ListRuns(context.Background(), "", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 6)
	require.Equal(t, "other", all[0].ID)

	empty, err := store.ListRuns(context.Background(), "src-1", 10, 50)
	require.NoError(t, err)
	require.Empty(t, empty)
}
