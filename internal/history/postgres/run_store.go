// Package postgres provides the Postgres-backed run history.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shelfwatch/harvester/internal/harvester"
)

// Config controls the Postgres connection pool used for run history rows.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type db interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RunStore implements harvester.RunHistory on the crawl_runs table.
type RunStore struct {
	pool db
}

// NewRunStore creates a Postgres-backed RunStore using the provided config.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: pool}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for
// testing).
func NewRunStoreWithPool(pool db) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

// CreateRun inserts a new run row.
func (s *RunStore) CreateRun(ctx context.Context, run harvester.CrawlRun) error {
	query := `
		INSERT INTO crawl_runs
			(id, source_id, target, status, total_items, new_items,
			 updated_items, error_count, error_text, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
	`
	_, err := s.pool.Exec(ctx, query,
		run.ID,
		run.SourceID,
		run.Target,
		run.Status,
		run.TotalItems,
		run.NewItems,
		run.UpdatedItems,
		run.ErrorCount,
		run.ErrorText,
		run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert crawl run: %w", err)
	}
	return nil
}

// UpdateRunCounters applies an incremental counter delta to a live run.
func (s *RunStore) UpdateRunCounters(ctx context.Context, runID string, delta harvester.RunCounters) error {
	query := `
		UPDATE crawl_runs
		SET total_items = total_items + $1,
			new_items = new_items + $2,
			updated_items = updated_items + $3,
			error_count = error_count + $4
		WHERE id = $5;
	`
	res, err := s.pool.Exec(ctx, query,
		delta.TotalItems,
		delta.NewItems,
		delta.UpdatedItems,
		delta.Errors,
		runID,
	)
	if err != nil {
		return fmt.Errorf("update run counters: %w", err)
	}
	if res.RowsAffected() == 0 {
		return harvester.ErrNotFound
	}
	return nil
}

// CompleteRun finalizes a run exactly once. A second call for the same run is
// a no-op at the database level and reports harvester.ErrNotFound.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID string,
	status harvester.RunStatus,
	errText string,
	completedAt time.Time,
) error {
	query := `
		UPDATE crawl_runs
		SET status = $1, error_text = $2, completed_at = $3
		WHERE id = $4 AND completed_at IS NULL;
	`
	res, err := s.pool.Exec(ctx, query, status, errText, completedAt, runID)
	if err != nil {
		return fmt.Errorf("complete crawl run: %w", err)
	}
	if res.RowsAffected() == 0 {
		return harvester.ErrNotFound
	}
	return nil
}

// RecentCompleted returns completed runs for a source finished at or after
// since, newest first.
func (s *RunStore) RecentCompleted(ctx context.Context, sourceID string, since time.Time) ([]harvester.CrawlRun, error) {
	query := `
		SELECT id, source_id, target, status, total_items, new_items,
			updated_items, error_count, error_text, started_at, completed_at
		FROM crawl_runs
		WHERE source_id = $1 AND status = $2 AND completed_at >= $3
		ORDER BY completed_at DESC;
	`
	rows, err := s.pool.Query(ctx, query, sourceID, harvester.RunCompleted, since)
	if err != nil {
		return nil, fmt.Errorf("query recent completed runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// GetRun fetches a single run by ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (harvester.CrawlRun, error) {
	query := `
		SELECT id, source_id, target, status, total_items, new_items,
			updated_items, error_count, error_text, started_at, completed_at
		FROM crawl_runs
		WHERE id = $1;
	`
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return harvester.CrawlRun{}, harvester.ErrNotFound
	}
	if err != nil {
		return harvester.CrawlRun{}, fmt.Errorf("query crawl run: %w", err)
	}
	return run, nil
}

// ListRuns pages through run history, newest first. An empty sourceID lists
// runs across all sources.
func (s *RunStore) ListRuns(ctx context.Context, sourceID string, limit, offset int) ([]harvester.CrawlRun, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var (
		rows pgx.Rows
		err  error
	)
	if sourceID == "" {
		query := `
			SELECT id, source_id, target, status, total_items, new_items,
				updated_items, error_count, error_text, started_at, completed_at
			FROM crawl_runs
			ORDER BY started_at DESC
			LIMIT $1 OFFSET $2;
		`
		rows, err = s.pool.Query(ctx, query, limit, offset)
	} else {
		query := `
			SELECT id, source_id, target, status, total_items, new_items,
				updated_items, error_count, error_text, started_at, completed_at
			FROM crawl_runs
			WHERE source_id = $1
			ORDER BY started_at DESC
			LIMIT $2 OFFSET $3;
		`
		rows, err = s.pool.Query(ctx, query, sourceID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("query crawl runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows pgx.Rows) ([]harvester.CrawlRun, error) {
	var out []harvester.CrawlRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crawl run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawl runs: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (harvester.CrawlRun, error) {
	var run harvester.CrawlRun
	err := row.Scan(
		&run.ID,
		&run.SourceID,
		&run.Target,
		&run.Status,
		&run.TotalItems,
		&run.NewItems,
		&run.UpdatedItems,
		&run.ErrorCount,
		&run.ErrorText,
		&run.StartedAt,
		&run.CompletedAt,
	)
	return run, err
}
