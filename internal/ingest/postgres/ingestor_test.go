package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/shelfwatch/harvester/internal/harvester"
)

func newMockIngestor(t *testing.T) (*Ingestor, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	ing, err := NewWithPool(mock, nil)
	require.NoError(t, err)
	return ing, mock
}

// anyArgs returns n pgxmock.AnyArg matchers; pgxmock requires the argument
// count to match even when the values are not checked.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func record(externalID, title string) harvester.Record {
	return harvester.Record{
		SourceID:   "src-1",
		ExternalID: externalID,
		Title:      title,
		URL:        "https://example.com/p/" + externalID,
		PriceCents: 1999,
		Currency:   "USD",
		SeenAt:     time.Unix(1700000000, 0).UTC(),
	}
}

func TestSaveCountsInsertedAndUpdated(t *testing.T) {
	t.Parallel()

	ing, mock := newMockIngestor(t)
	created := time.Unix(1700000000, 0).UTC()

	// Row one: created == updated, a fresh insert. Row two: updated long
	// after creation, an update to an existing listing.
	rows := pgxmock.NewRows([]string{"created_at", "updated_at"}).
		AddRow(created, created).
		AddRow(created.Add(-48*time.Hour), created)
	mock.ExpectQuery("INSERT INTO products").WithArgs(anyArgs(16)...).WillReturnRows(rows)

	inserted, updated, err := ing.Save(context.Background(), []harvester.Record{
		record("p-1", "Widget"),
		record("p-2", "Gadget"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, inserted)
	require.Equal(t, 1, updated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTreatsNearSimultaneousAsInsert(t *testing.T) {
	t.Parallel()

	ing, mock := newMockIngestor(t)
	created := time.Unix(1700000000, 0).UTC()

	rows := pgxmock.NewRows([]string{"created_at", "updated_at"}).
		AddRow(created, created.Add(1500*time.Millisecond))
	mock.ExpectQuery("INSERT INTO products").WithArgs(anyArgs(8)...).WillReturnRows(rows)

	inserted, updated, err := ing.Save(context.Background(), []harvester.Record{record("p-1", "Widget")})
	require.NoError(t, err)
	require.Equal(t, 1, inserted)
	require.Zero(t, updated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveDedupesWithinBatchKeepingLast(t *testing.T) {
	t.Parallel()

	ing, mock := newMockIngestor(t)
	created := time.Unix(1700000000, 0).UTC()

	first := record("p-1", "Old title")
	second := record("p-1", "New title")

	rows := pgxmock.NewRows([]string{"created_at", "updated_at"}).AddRow(created, created)
	mock.ExpectQuery("INSERT INTO products").
		WithArgs(
			second.SourceID,
			second.ExternalID,
			second.Title,
			second.URL,
			second.PriceCents,
			second.Currency,
			[]byte("null"),
			second.SeenAt,
		).
		WillReturnRows(rows)

	inserted, updated, err := ing.Save(context.Background(), []harvester.Record{first, second})
	require.NoError(t, err)
	require.Equal(t, 1, inserted)
	require.Zero(t, updated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveFallsBackToPerRecord(t *testing.T) {
	t.Parallel()

	ing, mock := newMockIngestor(t)
	created := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("INSERT INTO products").
		WithArgs(anyArgs(16)...).
		WillReturnError(errors.New("value too long for column title"))

	// Record one survives the retry, record two is the poison pill.
	mock.ExpectQuery("INSERT INTO products").
		WithArgs(anyArgs(8)...).
		WillReturnRows(pgxmock.NewRows([]string{"created_at", "updated_at"}).AddRow(created, created))
	mock.ExpectQuery("INSERT INTO products").
		WithArgs(anyArgs(8)...).
		WillReturnError(errors.New("value too long for column title"))

	inserted, updated, err := ing.Save(context.Background(), []harvester.Record{
		record("p-1", "Widget"),
		record("p-2", "Gadget"),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "p-2")
	require.Equal(t, 1, inserted)
	require.Zero(t, updated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveEmptyBatchIsNoop(t *testing.T) {
	t.Parallel()

	ing, mock := newMockIngestor(t)
	inserted, updated, err := ing.Save(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, inserted)
	require.Zero(t, updated)
	require.NoError(t, mock.ExpectationsWereMet())
}
