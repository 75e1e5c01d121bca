package publish

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shelfwatch/harvester/internal/harvester"
)

func TestEncodeRunRoundTrip(t *testing.T) {
	t.Parallel()

	started := time.Unix(1700000000, 0).UTC()
	done := started.Add(5 * time.Minute)
	run := harvester.CrawlRun{
		ID:           "run-1",
		SourceID:     "src-1",
		Target:       "iphone",
		Status:       harvester.RunPartial,
		TotalItems:   120,
		NewItems:     80,
		UpdatedItems: 40,
		ErrorCount:   3,
		ErrorText:    "two pages timed out",
		StartedAt:    started,
		CompletedAt:  &done,
	}

	data, err := encodeRun(run)
	require.NoError(t, err)

	var decoded runMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "run-1", decoded.RunID)
	require.Equal(t, string(harvester.RunPartial), decoded.Status)
	require.Equal(t, int64(120), decoded.TotalItems)
	require.Equal(t, "two pages timed out", decoded.ErrorText)
	require.NotNil(t, decoded.CompletedAt)
	require.True(t, decoded.CompletedAt.Equal(done))
}

func TestEncodeRunOmitsEmptyFields(t *testing.T) {
	t.Parallel()

	data, err := encodeRun(harvester.CrawlRun{
		ID:        "run-1",
		SourceID:  "src-1",
		Status:    harvester.RunCompleted,
		StartedAt: time.Unix(1700000000, 0).UTC(),
	})
	require.NoError(t, err)
	require.NotContains(t, string(data), "error_text")
	require.NotContains(t, string(data), "completed_at")
	require.NotContains(t, string(data), `"target"`)
}

func TestNoopPublisher(t *testing.T) {
	t.Parallel()

	pub := NewNoopPublisher(nil)
	require.NoError(t, pub.PublishRunCompleted(t.Context(), harvester.CrawlRun{ID: "run-1"}))
	require.NoError(t, pub.Close())
}
